// Package store persists account records and the transfer ledger.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"secure-bank/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// Store is the account store keyed by username.
type Store interface {
	UserExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, username, credential string) (*models.User, error)
	GetUser(ctx context.Context, username string) (*models.User, error)
	UpdateBalance(ctx context.Context, username string, balance decimal.Decimal) error
	// ListTransfers returns the newest transfers involving username first.
	// limit <= 0 returns all of them.
	ListTransfers(ctx context.Context, username string, limit int) ([]models.Transfer, error)
	// WithTx runs fn in a single unit of work. Nothing fn wrote survives
	// when it returns an error.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the view of the store inside WithTx.
type Tx interface {
	// GetUserForUpdate loads the record and holds it until the unit of work ends.
	GetUserForUpdate(ctx context.Context, username string) (*models.User, error)
	UpdateBalance(ctx context.Context, username string, balance decimal.Decimal) error
	RecordTransfer(ctx context.Context, t *models.Transfer) error
}
