package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns a password into the credential kept in the store.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(credential, password string) bool
}

// BcryptHasher stores salted bcrypt hashes.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (h BcryptHasher) Verify(credential, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(credential), []byte(password)) == nil
}

// PlainHasher keeps passwords as entered. Baseline variant only.
type PlainHasher struct{}

func (PlainHasher) Hash(password string) (string, error) {
	return password, nil
}

func (PlainHasher) Verify(credential, password string) bool {
	return subtle.ConstantTimeCompare([]byte(credential), []byte(password)) == 1
}
