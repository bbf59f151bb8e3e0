package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the bank server.
type Config struct {
	HTTPAddr string

	DBDriver string
	DBDSN    string

	RedisAddr string

	SessionSecret []byte
	CookieSecure  bool

	// Hardened switches on password hashing, CAPTCHA, login rate limiting,
	// session idle expiry and the transfer ceiling.
	Hardened       bool
	SessionIdle    time.Duration
	LoginRate      int
	LoginDelay     time.Duration
	TransferLimit  decimal.Decimal
	InitialBalance decimal.Decimal

	AuditLog string
	LogLevel string
}

var ErrUnknownDriver = errors.New("unknown database driver")

// Load parses args on top of the environment. Flags win over env vars.
func Load(args []string, stderr io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("secure-bank", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		httpAddr       = fs.String("http-addr", envString("HTTP_ADDR", ":5001"), "HTTP listen address")
		dbDriver       = fs.String("db-driver", envString("DB_DRIVER", "mysql"), "account store backend: mysql, pgx or memory")
		dbDSN          = fs.String("db-dsn", envString("DB_DSN", "root:@tcp(localhost:3306)/banking_db?parseTime=true"), "database DSN")
		redisAddr      = fs.String("redis-addr", envString("REDIS_ADDR", ""), "redis address for the login rate limiter, in-memory when empty")
		sessionSecret  = fs.String("session-secret", envString("SESSION_SECRET", ""), "session signing key, random when empty")
		cookieSecure   = fs.Bool("cookie-secure", envBool("COOKIE_SECURE", false), "mark cookies Secure (HTTPS only)")
		hardened       = fs.Bool("hardened", envBool("HARDENED", true), "run the hardened variant")
		sessionIdle    = fs.Duration("session-idle", envDuration("SESSION_IDLE", 5*time.Minute), "session idle timeout (hardened)")
		loginRate      = fs.Int("login-rate", envInt("LOGIN_RATE_LIMIT", 5), "login attempts per minute per address (hardened)")
		loginDelay     = fs.Duration("login-delay", envDuration("LOGIN_DELAY", 2*time.Second), "delay after a failed login (hardened)")
		transferLimit  = fs.String("transfer-limit", envString("TRANSFER_LIMIT", "10000"), "maximum amount of a single transfer (hardened)")
		initialBalance = fs.String("initial-balance", envString("INITIAL_BALANCE", "1000"), "balance of newly created accounts")
		auditLog       = fs.String("audit-log", envString("AUDIT_LOG", "attack_log.txt"), "append-only admin explanation log")
		logLevel       = fs.String("log-level", envString("LOG_LEVEL", "info"), "debug, info, warn or error")
	)
	fs.Usage = usageFor(fs, stderr, "secure-bank [flags]")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch *dbDriver {
	case "mysql", "pgx", "memory":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, *dbDriver)
	}

	limit, err := decimal.NewFromString(*transferLimit)
	if err != nil || !limit.IsPositive() {
		return nil, fmt.Errorf("invalid transfer limit %q", *transferLimit)
	}
	initial, err := decimal.NewFromString(*initialBalance)
	if err != nil || initial.IsNegative() {
		return nil, fmt.Errorf("invalid initial balance %q", *initialBalance)
	}
	if *loginRate <= 0 {
		return nil, fmt.Errorf("login rate must be positive, got %d", *loginRate)
	}

	secret := []byte(*sessionSecret)
	if len(secret) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(buf))
	}

	return &Config{
		HTTPAddr:       *httpAddr,
		DBDriver:       *dbDriver,
		DBDSN:          *dbDSN,
		RedisAddr:      *redisAddr,
		SessionSecret:  secret,
		CookieSecure:   *cookieSecure,
		Hardened:       *hardened,
		SessionIdle:    *sessionIdle,
		LoginRate:      *loginRate,
		LoginDelay:     *loginDelay,
		TransferLimit:  limit,
		InitialBalance: initial,
		AuditLog:       *auditLog,
		LogLevel:       *logLevel,
	}, nil
}

func usageFor(fs *flag.FlagSet, out io.Writer, short string) func() {
	return func() {
		fmt.Fprintf(out, "USAGE\n")
		fmt.Fprintf(out, "  %s\n", short)
		fmt.Fprintf(out, "\n")
		fmt.Fprintf(out, "FLAGS\n")
		w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
		fs.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(w, "\t-%s %s\t%s\n", f.Name, f.DefValue, f.Usage)
		})
		w.Flush()
		fmt.Fprintf(out, "\n")
	}
}

func envString(env, fallback string) string {
	e := os.Getenv(env)
	if e == "" {
		return fallback
	}
	return e
}

func envInt(env string, fallback int) int {
	e := os.Getenv(env)
	if e == "" {
		return fallback
	}
	v, err := strconv.Atoi(e)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(env string, fallback bool) bool {
	e := os.Getenv(env)
	if e == "" {
		return fallback
	}
	v, err := strconv.ParseBool(e)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(env string, fallback time.Duration) time.Duration {
	e := os.Getenv(env)
	if e == "" {
		return fallback
	}
	v, err := time.ParseDuration(e)
	if err != nil {
		return fallback
	}
	return v
}
