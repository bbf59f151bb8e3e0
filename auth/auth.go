package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"

	"secure-bank/bank"
)

const SessionCookie = "session"

var ErrNoSession = errors.New("not logged in")

// Claims is the session token payload.
type Claims struct {
	Username string `json:"username"`
	jwt.StandardClaims
}

// Valid is a no-op: Sessions checks expiry against its own clock.
func (c Claims) Valid() error {
	return nil
}

// Identity is the authenticated caller of one request.
type Identity struct {
	Username string
	// ExpiresAt is zero when sessions never expire.
	ExpiresAt time.Time
}

// Sessions issues and checks signed session cookies.
type Sessions struct {
	key    []byte
	idle   time.Duration
	secure bool
	now    func() time.Time
}

// NewSessions returns a session manager. idle == 0 disables expiry.
func NewSessions(key []byte, idle time.Duration, secure bool) *Sessions {
	return &Sessions{key: key, idle: idle, secure: secure, now: time.Now}
}

// Start replaces any previous session with a fresh one for username.
func (s *Sessions) Start(w http.ResponseWriter, username string) (*Identity, error) {
	now := s.now()
	id := &Identity{Username: username}
	claims := Claims{
		Username: username,
		StandardClaims: jwt.StandardClaims{
			IssuedAt: now.Unix(),
		},
	}
	if s.idle > 0 {
		id.ExpiresAt = now.Add(s.idle)
		claims.ExpiresAt = id.ExpiresAt.Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

// Require resolves the caller of r. On success the session's idle timer is
// restarted. On failure the cookie is cleared and ErrNoSession or
// bank.ErrSessionExpired is returned.
func (s *Sessions) Require(w http.ResponseWriter, r *http.Request) (*Identity, error) {
	claims, err := s.parse(r)
	if err != nil {
		s.End(w)
		return nil, err
	}
	if claims.ExpiresAt != 0 && s.now().Unix() > claims.ExpiresAt {
		s.End(w)
		return nil, bank.ErrSessionExpired
	}
	return s.Start(w, claims.Username)
}

// Username returns the session's user without checking expiry, or "".
func (s *Sessions) Username(r *http.Request) string {
	claims, err := s.parse(r)
	if err != nil {
		return ""
	}
	return claims.Username
}

func (s *Sessions) End(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) parse(r *http.Request) (*Claims, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(c.Value, claims, s.keyFunc)
	if err != nil || !token.Valid || claims.Username == "" {
		return nil, ErrNoSession
	}
	return claims, nil
}

func (s *Sessions) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return s.key, nil
}
