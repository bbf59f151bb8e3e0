package bank

import (
	"github.com/shopspring/decimal"

	"secure-bank/models"
)

// AdminUsername is the account that must justify every transfer it makes.
const AdminUsername = "admin"

// Account is the in-memory form of a fetched user record.
type Account struct {
	ID       int64
	Username string
	Balance  decimal.Decimal
}

func NewAccount(u *models.User) *Account {
	return &Account{ID: u.ID, Username: u.Username, Balance: u.Balance}
}

func (a *Account) IsAdmin() bool {
	return a.Username == AdminUsername
}

// Withdraw assumes amount > 0 was checked by the caller.
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if amount.GreaterThan(a.Balance) {
		return ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Deposit assumes amount > 0 was checked by the caller.
func (a *Account) Deposit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}
