// Package pg is the Postgres implementation of the permit, user, catalog and
// audit stores, on pgx through database/sql.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/permit"
)

type Store struct {
	db *sql.DB
}

var (
	_ permit.Store   = (*Store)(nil)
	_ permit.Catalog = (*Store)(nil)
	_ auth.UserStore = (*Store)(nil)
	_ audit.Appender = (*Store)(nil)
)

// Open creates a pooled connection to dsn. It does not dial; use Ping.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
