package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	Driver string
	// Numbered placeholders ($1, $2...) instead of "?".
	Numbered bool
	Schema   []string
}

var MySQL = Dialect{
	Driver: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INT AUTO_INCREMENT PRIMARY KEY,
			username VARCHAR(64) NOT NULL UNIQUE,
			password VARCHAR(255) NOT NULL,
			balance DECIMAL(15, 2) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id CHAR(36) PRIMARY KEY,
			from_user VARCHAR(64) NOT NULL,
			to_user VARCHAR(64) NOT NULL,
			amount DECIMAL(15, 2) NOT NULL,
			created_at DATETIME NOT NULL,
			INDEX idx_transfers_from (from_user),
			INDEX idx_transfers_to (to_user)
		)`,
	},
}

var Postgres = Dialect{
	Driver:   "pgx",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(64) NOT NULL UNIQUE,
			password VARCHAR(255) NOT NULL,
			balance NUMERIC(15, 2) NOT NULL CHECK (balance >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id UUID PRIMARY KEY,
			from_user VARCHAR(64) NOT NULL,
			to_user VARCHAR(64) NOT NULL,
			amount NUMERIC(15, 2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_from ON transfers (from_user)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_to ON transfers (to_user)`,
	},
}

// DialectFor returns the dialect registered under the given driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case MySQL.Driver:
		return MySQL, nil
	case Postgres.Driver:
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("no SQL dialect for driver %q", driver)
}

// Rebind rewrites "?" placeholders into the dialect's own form.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Connect opens and pings the database, then applies the schema.
func Connect(ctx context.Context, d Dialect, dsn string, logger log.Logger) (*sql.DB, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Driver, err)
	}
	if err = Migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	_ = level.Info(logger).Log("msg", "database connection established", "driver", d.Driver)
	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
