package postgres

import (
	"context"
)

const maxSerialQuery = `SELECT max(serial) FROM serial`

// LocalSerial implements store.Store.LocalSerial. A NULL max (no rows
// committed yet) is the "local serial absent" precondition that selects
// bootstrap mode.
func (s *Store) LocalSerial(ctx context.Context) (int64, bool, error) {
	var serial *int64
	if err := s.pool.QueryRow(ctx, maxSerialQuery).Scan(&serial); err != nil {
		return 0, false, err
	}
	if serial == nil {
		return 0, false, nil
	}
	return *serial, true, nil
}

const insertSerialQuery = `INSERT INTO serial (serial) VALUES ($1)`

// CommitSerial implements store.Store.CommitSerial.
func (s *Store) CommitSerial(ctx context.Context, serial int64) error {
	_, err := s.pool.Exec(ctx, insertSerialQuery, serial)
	return asDuplicate("commit serial", err)
}
