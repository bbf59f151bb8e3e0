package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/oklog/oklog/pkg/group"

	"secure-bank/audit"
	"secure-bank/auth"
	"secure-bank/bank"
	"secure-bank/config"
	"secure-bank/database"
	"secure-bank/handlers"
	"secure-bank/ratelimit"
	"secure-bank/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		logger = level.NewFilter(logger, levelOption(cfg.LogLevel))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	_ = level.Info(logger).Log("msg", "secure bank started", "hardened", cfg.Hardened, "store", cfg.DBDriver)
	defer func() {
		_ = level.Info(logger).Log("msg", "secure bank ended")
	}()

	ctx := context.Background()

	var accounts store.Store
	switch cfg.DBDriver {
	case "memory":
		accounts = store.NewMemoryStore(cfg.InitialBalance)
	default:
		dialect, err := database.DialectFor(cfg.DBDriver)
		if err != nil {
			_ = level.Error(logger).Log("during", "config", "err", err)
			os.Exit(1)
		}
		db, err := database.Connect(ctx, dialect, cfg.DBDSN, logger)
		if err != nil {
			_ = level.Error(logger).Log("during", "Connect", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		accounts = store.NewSQLStore(db, dialect, cfg.InitialBalance, logger)
	}

	deps := handlers.Deps{
		Store:    accounts,
		Hardened: cfg.Hardened,
	}
	opts := bank.Options{}
	if cfg.Hardened {
		deps.Hasher = auth.BcryptHasher{}
		deps.Sessions = auth.NewSessions(cfg.SessionSecret, cfg.SessionIdle, cfg.CookieSecure)
		deps.Captchas = auth.NewCaptchas(cfg.SessionSecret, cfg.CookieSecure)
		deps.LoginDelay = cfg.LoginDelay
		deps.Limiter = newLimiter(ctx, cfg, logger)
		opts.MaxTransfer = cfg.TransferLimit
	} else {
		deps.Hasher = auth.PlainHasher{}
		deps.Sessions = auth.NewSessions(cfg.SessionSecret, 0, cfg.CookieSecure)
	}
	deps.Transfers = bank.New(accounts, audit.NewFileLog(cfg.AuditLog, logger), opts, logger)

	h, err := handlers.New(deps, logger)
	if err != nil {
		_ = level.Error(logger).Log("during", "templates", "err", err)
		os.Exit(1)
	}
	httpHandler := handlers.NewRouter(h)

	var g group.Group
	{
		httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			_ = level.Error(logger).Log("transport", "HTTP", "during", "Listen", "err", err)
			os.Exit(1)
		}
		srv := &http.Server{
			Handler:           httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			_ = level.Info(logger).Log("transport", "HTTP", "addr", cfg.HTTPAddr)
			return srv.Serve(httpListener)
		}, func(error) {
			shutdown(srv, 5*time.Second, logger)
		})
	}
	{
		cancelInterrupt := make(chan struct{})
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-c:
				return fmt.Errorf("received signal %s", sig)
			case <-cancelInterrupt:
				return nil
			}
		}, func(error) {
			close(cancelInterrupt)
		})
	}
	_ = level.Error(logger).Log("exit", g.Run())
}

// shutdown drains srv, giving in-flight requests up to timeout.
func shutdown(srv *http.Server, timeout time.Duration, logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = level.Warn(logger).Log("transport", "HTTP", "during", "Shutdown", "err", err)
	}
}

// newLimiter shares login counters through Redis when configured and
// falls back to per-process counters otherwise.
func newLimiter(ctx context.Context, cfg *config.Config, logger log.Logger) ratelimit.Limiter {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(cfg.LoginRate, time.Minute)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = level.Warn(logger).Log("msg", "redis unavailable, using in-memory rate limiter", "addr", cfg.RedisAddr, "err", err)
		rdb.Close()
		return ratelimit.NewMemoryLimiter(cfg.LoginRate, time.Minute)
	}
	_ = level.Info(logger).Log("msg", "redis connected", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisLimiter(rdb, cfg.LoginRate, time.Minute)
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}
