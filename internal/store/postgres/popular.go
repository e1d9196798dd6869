package postgres

import (
	"context"
	"encoding/json"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

const insertPopularQuery = `INSERT INTO popular (last_update, rows) VALUES ($1, $2)`

// InsertPopularitySnapshot implements store.Store.InsertPopularitySnapshot.
// A duplicate last_update is absorbed, since the publisher only refreshes
// its snapshot once a month.
func (s *Store) InsertPopularitySnapshot(ctx context.Context, snap store.PopularitySnapshot) error {
	rows, err := json.Marshal(snap.Rows)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertPopularQuery, snap.LastUpdate, rows)
	return asDuplicate("insert popularity snapshot", err)
}

const latestPopularQuery = `SELECT last_update, rows FROM popular ORDER BY last_update DESC LIMIT 1`

// LatestPopularity implements store.Store.LatestPopularity.
func (s *Store) LatestPopularity(ctx context.Context) (store.PopularitySnapshot, bool, error) {
	var snap store.PopularitySnapshot
	var rows []byte
	err := s.pool.QueryRow(ctx, latestPopularQuery).Scan(&snap.LastUpdate, &rows)
	if err != nil {
		if noRows("latest popularity", err) == store.ErrNotFound {
			return store.PopularitySnapshot{}, false, nil
		}
		return store.PopularitySnapshot{}, false, err
	}
	if err := json.Unmarshal(rows, &snap.Rows); err != nil {
		return store.PopularitySnapshot{}, false, err
	}
	return snap, true, nil
}
