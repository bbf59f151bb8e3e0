package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/shopspring/decimal"

	"secure-bank/audit"
	"secure-bank/auth"
	"secure-bank/bank"
	"secure-bank/models"
	"secure-bank/ratelimit"
	"secure-bank/store"
)

const strongPassword = "Abcdefg1!"

// vanishingStore lets a test delete users out from under a live session.
type vanishingStore struct {
	*store.MemoryStore
	gone map[string]bool
}

func (v *vanishingStore) GetUser(ctx context.Context, username string) (*models.User, error) {
	if v.gone[username] {
		return nil, store.ErrUserNotFound
	}
	return v.MemoryStore.GetUser(ctx, username)
}

type testBank struct {
	t        *testing.T
	srv      *httptest.Server
	store    *vanishingStore
	hasher   auth.Hasher
	auditLog string
}

func newTestBank(t *testing.T, hardened bool) *testBank {
	t.Helper()
	mem := &vanishingStore{MemoryStore: store.NewMemoryStore(decimal.NewFromInt(1000)), gone: map[string]bool{}}
	logger := log.NewNopLogger()
	secret := []byte("test secret")
	auditLog := filepath.Join(t.TempDir(), "attack_log.txt")

	deps := Deps{Store: mem, Hardened: hardened}
	opts := bank.Options{}
	if hardened {
		deps.Hasher = auth.BcryptHasher{Cost: 4}
		deps.Sessions = auth.NewSessions(secret, 5*time.Minute, false)
		deps.Captchas = auth.NewCaptchas(secret, false)
		deps.Limiter = ratelimit.NewMemoryLimiter(5, time.Minute)
		opts.MaxTransfer = decimal.NewFromInt(10000)
	} else {
		deps.Hasher = auth.PlainHasher{}
		deps.Sessions = auth.NewSessions(secret, 0, false)
	}
	deps.Transfers = bank.New(mem, audit.NewFileLog(auditLog, logger), opts, logger)

	h, err := New(deps, logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &testBank{t: t, srv: srv, store: mem, hasher: deps.Hasher, auditLog: auditLog}
}

// client returns a browser-like client that keeps cookies and doesn't
// follow redirects.
func (tb *testBank) client() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (tb *testBank) addUser(username string, balance int64) {
	tb.t.Helper()
	cred, err := tb.hasher.Hash(strongPassword)
	if err != nil {
		tb.t.Fatal(err)
	}
	if _, err := tb.store.CreateUser(context.Background(), username, cred); err != nil {
		tb.t.Fatal(err)
	}
	if err := tb.store.SetBalance(username, decimal.NewFromInt(balance)); err != nil {
		tb.t.Fatal(err)
	}
}

func (tb *testBank) balance(username string) string {
	tb.t.Helper()
	u, err := tb.store.MemoryStore.GetUser(context.Background(), username)
	if err != nil {
		tb.t.Fatal(err)
	}
	return u.Balance.String()
}

func (tb *testBank) get(c *http.Client, path string) (int, string, *http.Response) {
	tb.t.Helper()
	resp, err := c.Get(tb.srv.URL + path)
	if err != nil {
		tb.t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), resp
}

func (tb *testBank) post(c *http.Client, path string, form url.Values) (int, string, *http.Response) {
	tb.t.Helper()
	resp, err := c.PostForm(tb.srv.URL+path, form)
	if err != nil {
		tb.t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), resp
}

var captchaRe = regexp.MustCompile(`(\d+) \+ (\d+) = \?`)

// solve reads the CAPTCHA question out of a login page.
func solve(t *testing.T, body string) string {
	t.Helper()
	m := captchaRe.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no captcha on page:\n%s", body)
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	return strconv.Itoa(a + b)
}

// login signs c in and fails the test otherwise.
func (tb *testBank) login(c *http.Client, username string) {
	tb.t.Helper()
	form := url.Values{"username": {username}, "password": {strongPassword}}
	_, body, _ := tb.get(c, "/login")
	if captchaRe.MatchString(body) {
		form.Set("captcha", solve(tb.t, body))
	}
	code, body, resp := tb.post(c, "/login", form)
	if code != http.StatusSeeOther || resp.Header.Get("Location") != "/dashboard" {
		tb.t.Fatalf("login %s: status %d\n%s", username, code, body)
	}
}

func TestSignup(t *testing.T) {
	tb := newTestBank(t, false)
	c := tb.client()

	code, body, _ := tb.post(c, "/signup", url.Values{"username": {"alice"}, "password": {"abc"}})
	if code != http.StatusBadRequest || !strings.Contains(body, "Password too weak!") {
		t.Fatalf("weak password: %d %s", code, body)
	}

	code, _, resp := tb.post(c, "/signup", url.Values{"username": {"alice"}, "password": {strongPassword}})
	if code != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("signup: status %d", code)
	}
	u, err := tb.store.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Password != strongPassword {
		t.Errorf("baseline stores the password as entered")
	}
	if u.Balance.String() != "1000" {
		t.Errorf("initial balance = %s", u.Balance)
	}

	code, body, _ = tb.post(c, "/signup", url.Values{"username": {"alice"}, "password": {strongPassword}})
	if code != http.StatusBadRequest || !strings.Contains(body, "Username already taken") {
		t.Fatalf("duplicate: %d %s", code, body)
	}

	code, body, _ = tb.post(c, "/signup", url.Values{"username": {"  "}, "password": {strongPassword}})
	if code != http.StatusBadRequest || !strings.Contains(body, "Please fill in all fields.") {
		t.Fatalf("blank username: %d %s", code, body)
	}
}

func TestSignupHardened(t *testing.T) {
	tb := newTestBank(t, true)
	c := tb.client()

	code, body, _ := tb.post(c, "/signup", url.Values{
		"username": {"alice"}, "password": {strongPassword}, "confirm_password": {"Abcdefg1?"},
	})
	if code != http.StatusBadRequest || !strings.Contains(body, "Passwords do not match.") {
		t.Fatalf("mismatch: %d %s", code, body)
	}

	code, _, _ = tb.post(c, "/signup", url.Values{
		"username": {"alice"}, "password": {strongPassword}, "confirm_password": {strongPassword},
	})
	if code != http.StatusSeeOther {
		t.Fatalf("signup: status %d", code)
	}
	u, _ := tb.store.GetUser(context.Background(), "alice")
	if u.Password == strongPassword || !tb.hasher.Verify(u.Password, strongPassword) {
		t.Errorf("hardened signup should store a bcrypt hash, got %q", u.Password)
	}
}

func TestLoginBaselineJSON(t *testing.T) {
	tb := newTestBank(t, false)
	tb.addUser("alice", 100)
	c := tb.client()

	postJSON := func(body string) (int, map[string]string) {
		resp, err := c.Post(tb.srv.URL+"/login", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	if code, out := postJSON(`{"username":"alice"}`); code != http.StatusBadRequest || out["error"] != "Missing username or password" {
		t.Errorf("missing password: %d %v", code, out)
	}
	if code, out := postJSON(`{"username":"alice","password":"nope"}`); code != http.StatusUnauthorized || out["error"] != bank.ErrInvalidCredentials.Error() {
		t.Errorf("bad password: %d %v", code, out)
	}
	if code, out := postJSON(`{"username":"alice","password":"Abcdefg1!"}`); code != http.StatusOK || out["message"] != "Login successful" {
		t.Errorf("login: %d %v", code, out)
	}

	code, body, _ := tb.get(c, "/dashboard")
	if code != http.StatusOK || !strings.Contains(body, "Balance: <strong>100.00</strong>") {
		t.Errorf("dashboard after JSON login: %d\n%s", code, body)
	}
}

func TestDashboardRequiresSession(t *testing.T) {
	tb := newTestBank(t, false)
	c := tb.client()
	for _, path := range []string{"/dashboard", "/statement"} {
		code, _, resp := tb.get(c, path)
		if code != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
			t.Errorf("%s without session: %d %s", path, code, resp.Header.Get("Location"))
		}
	}
}

func TestTransfer(t *testing.T) {
	tb := newTestBank(t, false)
	tb.addUser("alice", 100)
	tb.addUser("bob", 50)
	c := tb.client()
	tb.login(c, "alice")

	code, body, _ := tb.post(c, "/dashboard", url.Values{"target_user": {"bob"}, "amount": {"30"}})
	if code != http.StatusOK || !strings.Contains(body, "Successfully transferred 30.0 to bob!") {
		t.Fatalf("transfer: %d\n%s", code, body)
	}
	if !strings.Contains(body, "Balance: <strong>70.00</strong>") {
		t.Errorf("dashboard should show the new balance:\n%s", body)
	}
	if tb.balance("alice") != "70" || tb.balance("bob") != "80" {
		t.Errorf("alice=%s bob=%s", tb.balance("alice"), tb.balance("bob"))
	}

	for _, tc := range []struct {
		amount, target, want string
	}{
		{"abc", "bob", "Invalid amount."},
		{"0.001", "bob", "Invalid amount."},
		{"1e-999999999", "bob", "Invalid amount."},
		{"0", "bob", "Transfer amount must be greater than 0."},
		{"70.01", "bob", "Insufficient balance."},
		{"5", "ghost", "does not exist."},
	} {
		code, body, _ := tb.post(c, "/dashboard", url.Values{"target_user": {tc.target}, "amount": {tc.amount}})
		if code != http.StatusBadRequest || !strings.Contains(body, tc.want) {
			t.Errorf("amount %q to %q: %d, want %q in\n%s", tc.amount, tc.target, code, tc.want, body)
		}
	}
	if tb.balance("alice") != "70" || tb.balance("bob") != "80" {
		t.Errorf("failed transfers moved money: alice=%s bob=%s", tb.balance("alice"), tb.balance("bob"))
	}
}

func TestAdminTransferNeedsExplanation(t *testing.T) {
	tb := newTestBank(t, false)
	tb.addUser("admin", 500)
	tb.addUser("bob", 0)
	c := tb.client()
	tb.login(c, "admin")

	_, body, _ := tb.get(c, "/dashboard")
	if !strings.Contains(body, `name="attack_explanation"`) {
		t.Error("admin dashboard should ask for an explanation")
	}

	code, body, _ := tb.post(c, "/dashboard", url.Values{"target_user": {"bob"}, "amount": {"10"}})
	if code != http.StatusBadRequest || !strings.Contains(body, "Admin must provide an explanation") {
		t.Fatalf("no explanation: %d\n%s", code, body)
	}

	code, _, _ = tb.post(c, "/dashboard", url.Values{
		"target_user": {"bob"}, "amount": {"10"}, "attack_explanation": {"default password"},
	})
	if code != http.StatusOK || tb.balance("bob") != "10" {
		t.Fatalf("explained transfer: %d, bob=%s", code, tb.balance("bob"))
	}
	b, err := os.ReadFile(tb.auditLog)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "Admin Explanation: default password") {
		t.Errorf("audit log = %q", b)
	}
}

func TestHardenedLogin(t *testing.T) {
	tb := newTestBank(t, true)
	tb.addUser("alice", 100)
	c := tb.client()

	_, body, _ := tb.get(c, "/login")
	answer := solve(t, body)
	wrong, _ := strconv.Atoi(answer)
	code, body, _ := tb.post(c, "/login", url.Values{
		"username": {"alice"}, "password": {strongPassword}, "captcha": {strconv.Itoa(wrong + 1)},
	})
	if code != http.StatusUnauthorized || !strings.Contains(body, "Incorrect CAPTCHA") {
		t.Fatalf("wrong captcha: %d\n%s", code, body)
	}

	// the failure page carries a new question
	code, body, _ = tb.post(c, "/login", url.Values{
		"username": {"alice"}, "password": {"Wrong1!pass"}, "captcha": {solve(t, body)},
	})
	if code != http.StatusUnauthorized || !strings.Contains(body, "Invalid username or password.") {
		t.Fatalf("wrong password: %d\n%s", code, body)
	}

	code, _, resp := tb.post(c, "/login", url.Values{
		"username": {"alice"}, "password": {strongPassword}, "captcha": {solve(t, body)},
	})
	if code != http.StatusSeeOther || resp.Header.Get("Location") != "/dashboard" {
		t.Fatalf("login: %d", code)
	}
	_, body, _ = tb.get(c, "/dashboard")
	if !strings.Contains(body, "Session expires at") {
		t.Errorf("hardened dashboard should show the session expiry")
	}

	code, body, _ = tb.post(tb.client(), "/login", url.Values{"username": {"alice"}, "password": {strongPassword}})
	if code != http.StatusBadRequest || !strings.Contains(body, "complete the CAPTCHA") {
		t.Errorf("missing captcha: %d\n%s", code, body)
	}
}

func TestHardenedLoginRateLimit(t *testing.T) {
	tb := newTestBank(t, true)
	c := tb.client()
	form := url.Values{"username": {"alice"}, "password": {"x"}, "captcha": {"1"}}
	for i := 0; i < 5; i++ {
		if code, _, _ := tb.post(c, "/login", form); code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d limited too early", i+1)
		}
	}
	code, body, _ := tb.post(c, "/login", form)
	if code != http.StatusTooManyRequests || !strings.Contains(body, "Too many login attempts") {
		t.Fatalf("sixth attempt: %d\n%s", code, body)
	}
}

func TestHardenedTransferClamp(t *testing.T) {
	tb := newTestBank(t, true)
	tb.addUser("alice", 20000)
	tb.addUser("bob", 0)
	c := tb.client()
	tb.login(c, "alice")

	code, body, _ := tb.post(c, "/dashboard", url.Values{"target_user": {"bob"}, "amount": {"15000"}})
	if code != http.StatusOK {
		t.Fatalf("status %d\n%s", code, body)
	}
	for _, want := range []string{
		"Maximum transfer limit is 10000. Amount adjusted to 10000.",
		"Successfully transferred 10000 to bob!",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in\n%s", want, body)
		}
	}
	if tb.balance("alice") != "10000" || tb.balance("bob") != "10000" {
		t.Errorf("alice=%s bob=%s", tb.balance("alice"), tb.balance("bob"))
	}
}

func TestForcedLogoutWhenUserVanishes(t *testing.T) {
	tb := newTestBank(t, false)
	tb.addUser("alice", 100)
	c := tb.client()
	tb.login(c, "alice")

	tb.store.gone["alice"] = true
	code, _, resp := tb.get(c, "/dashboard")
	if code != http.StatusSeeOther || resp.Header.Get("Location") != "/logout" {
		t.Fatalf("want redirect to /logout, got %d %s", code, resp.Header.Get("Location"))
	}
	code, _, resp = tb.get(c, "/logout")
	if code != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("logout: %d", code)
	}
	tb.store.gone["alice"] = false
	if code, _, _ := tb.get(c, "/dashboard"); code != http.StatusSeeOther {
		t.Errorf("session should be gone after logout, got %d", code)
	}
}

func TestStatement(t *testing.T) {
	tb := newTestBank(t, false)
	tb.addUser("alice", 100)
	tb.addUser("bob", 0)
	c := tb.client()
	tb.login(c, "alice")
	tb.post(c, "/dashboard", url.Values{"target_user": {"bob"}, "amount": {"12.5"}})

	_, body, _ := tb.get(c, "/statement?format=json")
	var transfers []models.Transfer
	if err := json.Unmarshal([]byte(body), &transfers); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if len(transfers) != 1 || transfers[0].To != "bob" || transfers[0].Amount.String() != "12.5" {
		t.Errorf("statement = %+v", transfers)
	}

	for format, contentType := range map[string]string{
		"pdf":  "application/pdf",
		"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	} {
		code, _, resp := tb.get(c, "/statement?format="+format)
		if code != http.StatusOK || resp.Header.Get("Content-Type") != contentType {
			t.Errorf("%s: %d %s", format, code, resp.Header.Get("Content-Type"))
		}
	}
	if code, _, _ := tb.get(c, "/statement?format=csv"); code != http.StatusBadRequest {
		t.Errorf("unknown format: %d", code)
	}
}
