package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"

	"secure-bank/bank"
)

const (
	CaptchaCookie = "captcha"
	captchaTTL    = 10 * time.Minute
	maxOperand    = 10
)

type captchaClaims struct {
	Digest string `json:"digest"`
	jwt.StandardClaims
}

// Captchas hands out two-operand addition challenges. The answer travels in
// a signed cookie as an HMAC, never in clear.
type Captchas struct {
	key    []byte
	secure bool
	intn   func(n int) int
}

func NewCaptchas(key []byte, secure bool) *Captchas {
	return &Captchas{key: key, secure: secure, intn: cryptoIntn}
}

// New stores a fresh challenge for the client and returns its question.
func (c *Captchas) New(w http.ResponseWriter) (string, error) {
	a, b := c.intn(maxOperand)+1, c.intn(maxOperand)+1
	nonce := uuid.NewString()
	claims := captchaClaims{
		Digest: c.digest(nonce, strconv.Itoa(a+b)),
		StandardClaims: jwt.StandardClaims{
			Id:        nonce,
			ExpiresAt: time.Now().Add(captchaTTL).Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign captcha: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CaptchaCookie,
		Value:    token,
		Path:     "/login",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return fmt.Sprintf("%d + %d = ?", a, b), nil
}

// Verify checks input against the client's current challenge and clears it
// from the client, right or wrong.
func (c *Captchas) Verify(w http.ResponseWriter, r *http.Request, input string) error {
	cookie, err := r.Cookie(CaptchaCookie)
	if err != nil {
		return bank.ErrCaptchaMismatch
	}
	http.SetCookie(w, &http.Cookie{Name: CaptchaCookie, Path: "/login", MaxAge: -1})

	claims := &captchaClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.key, nil
	})
	if err != nil || !token.Valid {
		return bank.ErrCaptchaMismatch
	}
	want, _ := hex.DecodeString(claims.Digest)
	got, _ := hex.DecodeString(c.digest(claims.Id, strings.TrimSpace(input)))
	if !hmac.Equal(want, got) {
		return bank.ErrCaptchaMismatch
	}
	return nil
}

func (c *Captchas) digest(nonce, answer string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(answer))
	return hex.EncodeToString(mac.Sum(nil))
}

func cryptoIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return int(v.Int64())
}
