package bank

import (
	"errors"
	"fmt"
)

// Domain errors. Their text is what the user sees on the form.
var (
	ErrInvalidAmount      = errors.New("Invalid amount.")
	ErrNonPositiveAmount  = errors.New("Transfer amount must be greater than 0.")
	ErrInsufficientFunds  = errors.New("Insufficient balance.")
	ErrTargetNotFound     = errors.New("Target user does not exist.")
	ErrMissingExplanation = errors.New("Admin must provide an explanation of how attackers got in.")
	ErrSelfTransfer       = errors.New("You cannot transfer to yourself.")

	ErrWeakPassword       = errors.New("Password too weak! Must be at least 8 characters and include uppercase, lowercase, digits, and special characters.")
	ErrUsernameTaken      = errors.New("Username already taken, please choose another.")
	ErrPasswordMismatch   = errors.New("Passwords do not match.")
	ErrInvalidCredentials = errors.New("Invalid username or password.")
	ErrCaptchaMismatch    = errors.New("Incorrect CAPTCHA. Try again.")
	ErrSessionExpired     = errors.New("Your session has expired. Please log in again.")
)

// TargetNotFoundError names the missing recipient. It matches ErrTargetNotFound.
type TargetNotFoundError struct {
	Username string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("User '%s' does not exist.", e.Username)
}

func (e *TargetNotFoundError) Is(target error) bool {
	return target == ErrTargetNotFound
}
