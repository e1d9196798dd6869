// Package ctxlock provides a Postgres advisory-lock-backed mutual
// exclusion primitive for a single long-lived holder: the monitor
// controller only ever needs one named lock ("pypi-monitor") held for the
// lifetime of a tick.
package ctxlock

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker hands out Postgres advisory locks keyed by an arbitrary string,
// pulling connections from pool.
type Locker struct {
	pool *pgxpool.Pool
}

// New constructs a Locker over pool.
func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// keyify hashes key down to the int64 pg_advisory_lock takes.
func keyify(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Unlock releases a lock acquired by Lock.
type Unlock func(ctx context.Context) error

// Lock blocks until the named advisory lock is acquired (or ctx is done),
// holding a dedicated connection for the lock's duration. The returned
// Unlock must be called to release both the lock and the connection.
func (l *Locker) Lock(ctx context.Context, key string) (Unlock, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("ctxlock: acquiring connection: %w", err)
	}
	k := keyify(key)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, k); err != nil {
		conn.Release()
		return nil, fmt.Errorf("ctxlock: locking %q: %w", key, err)
	}
	return func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, k)
		return err
	}, nil
}
