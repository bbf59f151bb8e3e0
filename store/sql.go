package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"
	"github.com/shopspring/decimal"

	"secure-bank/database"
	"secure-bank/models"
)

const (
	queryExists    = "SELECT COUNT(1) FROM users WHERE username = ?"
	queryInsert    = "INSERT INTO users (username, password, balance) VALUES (?, ?, ?)"
	querySelect    = "SELECT id, username, password, balance FROM users WHERE username = ?"
	queryLock      = "SELECT id, username, password, balance FROM users WHERE username = ? FOR UPDATE"
	queryUpdate    = "UPDATE users SET balance = ? WHERE username = ?"
	queryRecord    = "INSERT INTO transfers (id, from_user, to_user, amount, created_at) VALUES (?, ?, ?, ?, ?)"
	queryTransfers = "SELECT id, from_user, to_user, amount, created_at FROM transfers WHERE from_user = ? OR to_user = ? ORDER BY created_at DESC"
)

// SQLStore is the Store backed by MySQL or Postgres.
type SQLStore struct {
	db             *sql.DB
	dialect        database.Dialect
	initialBalance decimal.Decimal
	logger         log.Logger
}

func NewSQLStore(db *sql.DB, dialect database.Dialect, initialBalance decimal.Decimal, logger log.Logger) *SQLStore {
	return &SQLStore{
		db:             db,
		dialect:        dialect,
		initialBalance: initialBalance,
		logger:         log.With(logger, "store", dialect.Driver),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) UserExists(ctx context.Context, username string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(queryExists), username).Scan(&n); err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, username, credential string) (*models.User, error) {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(queryInsert), username, credential, s.initialBalance)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	_ = level.Debug(s.logger).Log("msg", "user created", "username", username)
	return s.GetUser(ctx, username)
}

func (s *SQLStore) GetUser(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.dialect.Rebind(querySelect), username))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, err
}

func (s *SQLStore) UpdateBalance(ctx context.Context, username string, balance decimal.Decimal) error {
	return updateBalance(ctx, s.db, s.dialect, username, balance)
}

func (s *SQLStore) ListTransfers(ctx context.Context, username string, limit int) ([]models.Transfer, error) {
	q := queryTransfers
	args := []any{username, username}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("list transfers: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return transfers, nil
}

func (s *SQLStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect database.Dialect
}

func (t *sqlTx) GetUserForUpdate(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, t.dialect.Rebind(queryLock), username))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return u, err
}

func (t *sqlTx) UpdateBalance(ctx context.Context, username string, balance decimal.Decimal) error {
	return updateBalance(ctx, t.tx, t.dialect, username, balance)
}

func (t *sqlTx) RecordTransfer(ctx context.Context, tr *models.Transfer) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.Rebind(queryRecord), tr.ID, tr.From, tr.To, tr.Amount, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateBalance(ctx context.Context, db execer, d database.Dialect, username string, balance decimal.Decimal) error {
	res, err := db.ExecContext(ctx, d.Rebind(queryUpdate), balance, username)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	// MySQL counts unchanged rows as unaffected.
	if n, err := res.RowsAffected(); err == nil && n == 0 && d.Numbered {
		return ErrUserNotFound
	}
	return nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
