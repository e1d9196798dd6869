// Package postgres implements the metadata store over Postgres: raw SQL
// string constants executed through a *pgxpool.Pool, no ORM, duplicate-key
// errors translated to store.ErrDuplicate rather than propagated as
// failures.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

// pgUniqueViolation is Postgres's SQLSTATE for a unique-constraint
// violation; see https://www.postgresql.org/docs/current/errcodes-appendix.html.
const pgUniqueViolation = "23505"

// Store implements store.Store against a Postgres database reachable
// through pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an already-connected pool. Callers are expected to run
// EnsureSchema against the database once at startup; the schema is a
// single idempotent DDL string since this store has no migration history
// to replay.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates every table and index Schema declares, if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// asDuplicate translates a pgx unique-violation error into
// store.ErrDuplicate. Any other error is wrapped and returned as-is.
func asDuplicate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return store.ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}

// noRows translates pgx.ErrNoRows into store.ErrNotFound.
func noRows(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
