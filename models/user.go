package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Password string          `json:"-"`
	Balance  decimal.Decimal `json:"balance"`
}

// Transfer is the ledger row written for every completed transfer.
type Transfer struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Direction reports whether t moved money out of or into username's account.
func (t Transfer) Direction(username string) string {
	if t.From == username {
		return "debit"
	}
	return "credit"
}
