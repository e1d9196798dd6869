package postgres

import (
	"context"
	"encoding/json"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

const upsertResultQuery = `
INSERT INTO result (filename, project_name, version, url, analyzed_at, metrics, issues)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (filename) DO UPDATE SET
    project_name = EXCLUDED.project_name,
    version      = EXCLUDED.version,
    url          = EXCLUDED.url,
    analyzed_at  = EXCLUDED.analyzed_at,
    metrics      = EXCLUDED.metrics,
    issues       = EXCLUDED.issues
`

// UpsertResult implements store.Store.UpsertResult.
func (s *Store) UpsertResult(ctx context.Context, r store.Result) error {
	url, err := json.Marshal(r.URL)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertResultQuery,
		r.Filename, r.ProjectName, r.Version, url, r.AnalyzedAt, r.Metrics, r.Issues,
	)
	return err
}

const hasResultQuery = `SELECT EXISTS(SELECT 1 FROM result WHERE filename = $1)`

// HasResult implements store.Store.HasResult.
func (s *Store) HasResult(ctx context.Context, filename string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, hasResultQuery, filename).Scan(&exists)
	return exists, err
}
