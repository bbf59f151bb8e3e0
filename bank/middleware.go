package bank

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Middleware describes a service (as opposed to endpoint) middleware.
type Middleware func(Service) Service

// LoggingMiddleware logs every transfer attempt with its outcome.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return loggingMiddleware{logger, next}
	}
}

type loggingMiddleware struct {
	logger log.Logger
	next   Service
}

func (mw loggingMiddleware) Transfer(ctx context.Context, req TransferRequest) (res *TransferResult, err error) {
	defer func() {
		kv := []interface{}{"method", "Transfer", "from", req.Source.Username, "to", req.Target, "amount", req.Amount}
		if res != nil {
			kv = append(kv, "transferred", res.Amount.String(), "balance", req.Source.Balance.String())
			if res.Notice != "" {
				kv = append(kv, "notice", res.Notice)
			}
		}
		kv = append(kv, "err", err)
		if err != nil {
			_ = level.Warn(mw.logger).Log(kv...)
			return
		}
		_ = level.Info(mw.logger).Log(kv...)
	}()
	return mw.next.Transfer(ctx, req)
}
