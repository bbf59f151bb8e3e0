package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"secure-bank/models"
)

// MemoryStore keeps everything in process. Used by tests and -db-driver=memory.
type MemoryStore struct {
	mu             sync.Mutex
	nextID         int64
	users          map[string]models.User
	transfers      []models.Transfer
	initialBalance decimal.Decimal
}

func NewMemoryStore(initialBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		users:          make(map[string]models.User),
		initialBalance: initialBalance,
	}
}

func (m *MemoryStore) UserExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, username, credential string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, ErrUsernameTaken
	}
	m.nextID++
	u := models.User{
		ID:       m.nextID,
		Username: username,
		Password: credential,
		Balance:  m.initialBalance,
	}
	m.users[username] = u
	return &u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(username)
}

func (m *MemoryStore) UpdateBalance(_ context.Context, username string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBalance(username, balance)
}

// SetBalance seeds a balance directly, for tests and fixtures.
func (m *MemoryStore) SetBalance(username string, balance decimal.Decimal) error {
	return m.UpdateBalance(context.Background(), username, balance)
}

func (m *MemoryStore) ListTransfers(_ context.Context, username string, limit int) ([]models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transfer
	for _, t := range m.transfers {
		if t.From == username || t.To == username {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithTx holds the store lock for the duration of fn and restores the
// previous state if fn fails.
func (m *MemoryStore) WithTx(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[string]models.User, len(m.users))
	for k, v := range m.users {
		users[k] = v
	}
	transfers := len(m.transfers)

	if err := fn(memoryTx{m}); err != nil {
		m.users = users
		m.transfers = m.transfers[:transfers]
		return err
	}
	return nil
}

func (m *MemoryStore) get(username string) (*models.User, error) {
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryStore) setBalance(username string, balance decimal.Decimal) error {
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Balance = balance
	m.users[username] = u
	return nil
}

// memoryTx runs with the parent lock already held.
type memoryTx struct {
	m *MemoryStore
}

func (t memoryTx) GetUserForUpdate(_ context.Context, username string) (*models.User, error) {
	return t.m.get(username)
}

func (t memoryTx) UpdateBalance(_ context.Context, username string, balance decimal.Decimal) error {
	return t.m.setBalance(username, balance)
}

func (t memoryTx) RecordTransfer(_ context.Context, tr *models.Transfer) error {
	t.m.transfers = append(t.m.transfers, *tr)
	return nil
}
