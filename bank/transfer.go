package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"secure-bank/models"
	"secure-bank/store"
)

// TransferRequest is one submission of the transfer form.
type TransferRequest struct {
	// Source is the authenticated user's account as loaded for this request.
	Source      *Account
	Target      string
	Amount      string
	Explanation string
}

type TransferResult struct {
	ID      string
	Target  string
	Amount  decimal.Decimal
	Message string
	// Notice is a non-fatal advisory, set when the amount was clamped.
	Notice string
}

// Service describes the money movement use cases.
type Service interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// AuditLog receives admin explanations.
type AuditLog interface {
	Append(ctx context.Context, username, explanation string) error
}

type Options struct {
	// MaxTransfer clamps larger requests. Zero disables the ceiling.
	MaxTransfer decimal.Decimal
	Now         func() time.Time
}

// New returns a transfer Service with logging wired in.
func New(s store.Store, audit AuditLog, opts Options, logger log.Logger) Service {
	var svc Service
	{
		svc = NewTransferService(s, audit, opts)
		svc = LoggingMiddleware(logger)(svc)
	}
	return svc
}

func NewTransferService(s store.Store, audit AuditLog, opts Options) Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return transferService{store: s, audit: audit, opts: opts}
}

type transferService struct {
	store store.Store
	audit AuditLog
	opts  Options
}

// Bounds on what ParseAmount accepts. Exponents outside them would make
// decimal arithmetic rescale through enormous big.Ints.
const (
	maxAmountLen = 32
	minExponent  = -10
	maxExponent  = 15
)

// ParseAmount reads a decimal amount of whole cents. Finer amounts are
// refused rather than rounded.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxAmountLen {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if e := d.Exponent(); e < minExponent || e > maxExponent {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(2)) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// FormatAmount renders whole and one-decimal amounts with one decimal place
// ("30.0", "12.5") and anything finer as is ("12.25").
func FormatAmount(d decimal.Decimal) string {
	if d.Equal(d.Truncate(1)) {
		return d.StringFixed(1)
	}
	return d.String()
}

// Transfer checks the request in a fixed order, first failure wins, then
// moves the money inside a single store transaction.
func (ts transferService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	source := req.Source
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	var notice string
	if ceiling := ts.opts.MaxTransfer; ceiling.IsPositive() && amount.GreaterThan(ceiling) {
		amount = ceiling
		notice = fmt.Sprintf("Maximum transfer limit is %s. Amount adjusted to %s.", ceiling, ceiling)
	}

	if source.IsAdmin() {
		explanation := strings.TrimSpace(req.Explanation)
		if explanation == "" {
			return nil, ErrMissingExplanation
		}
		if err := ts.audit.Append(ctx, source.Username, req.Explanation); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
	}

	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if amount.GreaterThan(source.Balance) {
		return nil, ErrInsufficientFunds
	}
	if req.Target == source.Username {
		return nil, ErrSelfTransfer
	}

	record := &models.Transfer{
		ID:        uuid.NewString(),
		From:      source.Username,
		To:        req.Target,
		Amount:    amount,
		CreatedAt: ts.opts.Now().UTC(),
	}
	var after decimal.Decimal
	err = ts.store.WithTx(ctx, func(tx store.Tx) error {
		from, to, err := lockPair(ctx, tx, source.Username, req.Target)
		if err != nil {
			return err
		}
		if err := from.Withdraw(amount); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, from.Username, from.Balance); err != nil {
			return err
		}
		to.Deposit(amount)
		if err := tx.UpdateBalance(ctx, to.Username, to.Balance); err != nil {
			return err
		}
		after = from.Balance
		return tx.RecordTransfer(ctx, record)
	})
	if err != nil {
		return nil, err
	}
	source.Balance = after

	shown := FormatAmount(amount)
	if notice != "" {
		// a clamped amount is the ceiling itself, shown as given
		shown = amount.String()
	}

	return &TransferResult{
		ID:      record.ID,
		Target:  req.Target,
		Amount:  amount,
		Message: fmt.Sprintf("Successfully transferred %s to %s!", shown, req.Target),
		Notice:  notice,
	}, nil
}

// lockPair loads both accounts for update in username order so that two
// opposite transfers can't deadlock.
func lockPair(ctx context.Context, tx store.Tx, from, to string) (*Account, *Account, error) {
	first, second := from, to
	if to < from {
		first, second = to, from
	}
	accounts := make(map[string]*Account, 2)
	for _, username := range []string{first, second} {
		u, err := tx.GetUserForUpdate(ctx, username)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) && username == to {
				return nil, nil, &TargetNotFoundError{Username: to}
			}
			return nil, nil, err
		}
		accounts[username] = NewAccount(u)
	}
	return accounts[from], accounts[to], nil
}
