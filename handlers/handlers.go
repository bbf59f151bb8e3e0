package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"secure-bank/auth"
	"secure-bank/bank"
	"secure-bank/models"
	"secure-bank/ratelimit"
	"secure-bank/report"
	"secure-bank/store"
)

//go:embed templates/*.html
var templateFS embed.FS

const recentTransfers = 10

var (
	errMissingFields      = errors.New("Please fill in all fields.")
	errMissingLoginFields = errors.New("Please fill in all fields and complete the CAPTCHA.")
	errTooManyAttempts    = errors.New("Too many login attempts. Please try again later.")
)

// Deps are the collaborators of the HTTP layer. Captchas and Limiter are
// nil in the baseline variant.
type Deps struct {
	Store     store.Store
	Transfers bank.Service
	Sessions  *auth.Sessions
	Hasher    auth.Hasher
	Captchas  *auth.Captchas
	Limiter   ratelimit.Limiter

	// Hardened turns on the signup confirmation check.
	Hardened   bool
	LoginDelay time.Duration
}

type Handler struct {
	Deps
	logger log.Logger
	tmpl   *template.Template
}

func New(deps Deps, logger log.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handler{Deps: deps, logger: logger, tmpl: tmpl}, nil
}

type transferRow struct {
	Date         string
	Type         string
	Counterparty string
	Amount       string
}

type page struct {
	Title     string
	Error     string
	Notice    string
	Message   string
	Username  string
	Balance   string
	ExpiresAt string
	IsAdmin   bool
	Hardened  bool
	Captcha   string
	Form      map[string]string
	Transfers []transferRow
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, p page) {
	p.Hardened = h.Hardened
	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, name, p); err != nil {
		_ = level.Error(h.logger).Log("msg", "render template", "template", name, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	_ = level.Error(h.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "home.html", page{Title: "Home", Username: h.Sessions.Username(r)})
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	p := page{Title: "Sign up"}
	if r.Method != http.MethodPost {
		h.render(w, http.StatusOK, "signup.html", p)
		return
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	confirm := r.PostFormValue("confirm_password")
	p.Form = map[string]string{"username": username}

	if err := h.checkSignup(r, username, password, confirm); err != nil {
		if !isUserError(err) {
			h.serverError(w, r, err)
			return
		}
		p.Error = err.Error()
		h.render(w, http.StatusBadRequest, "signup.html", p)
		return
	}

	credential, err := h.Hasher.Hash(password)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	if _, err := h.Store.CreateUser(r.Context(), username, credential); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			p.Error = bank.ErrUsernameTaken.Error()
			h.render(w, http.StatusBadRequest, "signup.html", p)
			return
		}
		h.serverError(w, r, err)
		return
	}

	_ = level.Info(h.logger).Log("msg", "new user created", "username", username)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handler) checkSignup(r *http.Request, username, password, confirm string) error {
	if username == "" || password == "" {
		return errMissingFields
	}
	if h.Hardened && confirm != "" && password != confirm {
		return bank.ErrPasswordMismatch
	}
	exists, err := h.Store.UserExists(r.Context(), username)
	if err != nil {
		return err
	}
	if exists {
		return bank.ErrUsernameTaken
	}
	if !bank.IsStrong(password) {
		return bank.ErrWeakPassword
	}
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	_ = level.Debug(h.logger).Log("msg", "login request", "method", r.Method, "ip", ip)

	if r.Method != http.MethodPost {
		p := page{Title: "Log in"}
		if r.URL.Query().Get("expired") != "" {
			p.Notice = bank.ErrSessionExpired.Error()
		}
		h.renderLogin(w, http.StatusOK, p)
		return
	}

	var req loginRequest
	asJSON := isJSON(r)
	if asJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
	} else {
		req = loginRequest{
			Username: r.PostFormValue("username"),
			Password: r.PostFormValue("password"),
			Captcha:  r.PostFormValue("captcha"),
		}
	}
	p := page{Title: "Log in", Form: map[string]string{"username": req.Username}}

	fail := func(status int, err error) {
		if asJSON {
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		p.Error = err.Error()
		h.renderLogin(w, status, p)
	}

	if h.Limiter != nil {
		allowed, err := h.Limiter.Allow(r.Context(), "login:"+ip)
		if err != nil {
			_ = level.Error(h.logger).Log("msg", "rate limiter unavailable", "err", err)
		} else if !allowed {
			_ = level.Warn(h.logger).Log("msg", "login rate limit exceeded", "ip", ip)
			fail(http.StatusTooManyRequests, errTooManyAttempts)
			return
		}
	}

	if req.Username == "" || req.Password == "" || (h.Captchas != nil && strings.TrimSpace(req.Captcha) == "") {
		_ = level.Warn(h.logger).Log("msg", "missing login credentials", "ip", ip)
		if asJSON {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing username or password"})
			return
		}
		err := errMissingFields
		if h.Captchas != nil {
			err = errMissingLoginFields
		}
		fail(http.StatusBadRequest, err)
		return
	}

	if h.Captchas != nil {
		if err := h.Captchas.Verify(w, r, req.Captcha); err != nil {
			_ = level.Warn(h.logger).Log("msg", "failed captcha", "username", req.Username, "ip", ip)
			fail(http.StatusUnauthorized, err)
			return
		}
	}

	u, err := h.Store.GetUser(r.Context(), req.Username)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		h.serverError(w, r, err)
		return
	}
	if u == nil || !h.Hasher.Verify(u.Password, req.Password) {
		_ = level.Warn(h.logger).Log("msg", "invalid login attempt", "username", req.Username, "ip", ip)
		h.slowDown(r)
		fail(http.StatusUnauthorized, bank.ErrInvalidCredentials)
		return
	}

	if _, err := h.Sessions.Start(w, u.Username); err != nil {
		h.serverError(w, r, err)
		return
	}
	_ = level.Info(h.logger).Log("msg", "user logged in", "username", u.Username, "ip", ip)
	if asJSON {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Login successful"})
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// renderLogin shows the login form with a fresh CAPTCHA when enabled.
func (h *Handler) renderLogin(w http.ResponseWriter, status int, p page) {
	if h.Captchas != nil {
		q, err := h.Captchas.New(w)
		if err != nil {
			_ = level.Error(h.logger).Log("msg", "generate captcha", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		p.Captcha = q
	}
	h.render(w, status, "login.html", p)
}

func (h *Handler) slowDown(r *http.Request) {
	if h.LoginDelay <= 0 {
		return
	}
	t := time.NewTimer(h.LoginDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
	}
}

// authenticate is the capability check every protected handler starts with.
// It redirects to the login page and returns nil when the caller has no
// valid session.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *auth.Identity {
	id, err := h.Sessions.Require(w, r)
	if err != nil {
		target := "/login"
		if errors.Is(err, bank.ErrSessionExpired) {
			_ = level.Info(h.logger).Log("msg", "session expired", "username", h.Sessions.Username(r))
			target = "/login?expired=1"
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
		return nil
	}
	return id
}

func (h *Handler) forceLogout(w http.ResponseWriter, r *http.Request, username string) {
	_ = level.Warn(h.logger).Log("msg", "session user not found, logging out", "username", username)
	http.Redirect(w, r, "/logout", http.StatusSeeOther)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id := h.authenticate(w, r)
	if id == nil {
		return
	}
	u, err := h.Store.GetUser(r.Context(), id.Username)
	if errors.Is(err, store.ErrUserNotFound) {
		h.forceLogout(w, r, id.Username)
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	account := bank.NewAccount(u)
	p := page{
		Title:    "Dashboard",
		Username: account.Username,
		IsAdmin:  account.IsAdmin(),
	}
	if !id.ExpiresAt.IsZero() {
		p.ExpiresAt = id.ExpiresAt.Format("15:04:05")
	}
	status := http.StatusOK

	if r.Method == http.MethodPost {
		req := bank.TransferRequest{
			Source:      account,
			Target:      strings.TrimSpace(r.PostFormValue("target_user")),
			Amount:      r.PostFormValue("amount"),
			Explanation: r.PostFormValue("attack_explanation"),
		}
		res, err := h.Transfers.Transfer(r.Context(), req)
		switch {
		case err == nil:
			p.Message = res.Message
			p.Notice = res.Notice
		case errors.Is(err, store.ErrUserNotFound):
			h.forceLogout(w, r, id.Username)
			return
		case isUserError(err):
			p.Error = err.Error()
			p.Form = map[string]string{"target_user": req.Target, "amount": req.Amount}
			status = http.StatusBadRequest
		default:
			h.serverError(w, r, err)
			return
		}
	}
	p.Balance = account.Balance.StringFixed(2)

	transfers, err := h.Store.ListTransfers(r.Context(), account.Username, recentTransfers)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	for _, t := range transfers {
		counterparty := t.To
		if t.Direction(account.Username) == "credit" {
			counterparty = t.From
		}
		p.Transfers = append(p.Transfers, transferRow{
			Date:         t.CreatedAt.Local().Format("2006-01-02 15:04"),
			Type:         t.Direction(account.Username),
			Counterparty: counterparty,
			Amount:       t.Amount.StringFixed(2),
		})
	}

	h.render(w, status, "dashboard.html", p)
}

// Statement exports every transfer of the caller as pdf, xlsx or json.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	id := h.authenticate(w, r)
	if id == nil {
		return
	}
	transfers, err := h.Store.ListTransfers(r.Context(), id.Username, 0)
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	var (
		buf         bytes.Buffer
		contentType string
		filename    string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "pdf":
		err = report.WritePDF(&buf, id.Username, transfers)
		contentType, filename = "application/pdf", "statement.pdf"
	case "xlsx":
		err = report.WriteXLSX(&buf, id.Username, transfers)
		contentType, filename = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "statement.xlsx"
	case "", "json":
		if transfers == nil {
			transfers = []models.Transfer{}
		}
		writeJSON(w, http.StatusOK, transfers)
		return
	default:
		http.Error(w, "Unknown format. Use pdf, xlsx or json", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	buf.WriteTo(w)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if username := h.Sessions.Username(r); username != "" {
		_ = level.Info(h.logger).Log("msg", "user logged out", "username", username)
	}
	h.Sessions.End(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// isUserError reports whether err is meant to be shown on the form.
func isUserError(err error) bool {
	for _, target := range []error{
		bank.ErrInvalidAmount,
		bank.ErrNonPositiveAmount,
		bank.ErrInsufficientFunds,
		bank.ErrTargetNotFound,
		bank.ErrMissingExplanation,
		bank.ErrSelfTransfer,
		bank.ErrWeakPassword,
		bank.ErrUsernameTaken,
		bank.ErrPasswordMismatch,
		errMissingFields,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
