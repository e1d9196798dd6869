package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

// BulkInsertReleases lands every release in one transaction via
// microbatchInsert, used by the bootstrap full crawl where a round trip
// per release would dominate wall-clock time. It is not part of the
// store.Store interface: callers type-assert for it and fall back to
// per-item InsertRelease when it is unavailable (e.g. against a test
// double).
func (s *Store) BulkInsertReleases(ctx context.Context, releases []store.Release) error {
	if len(releases) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		mb := newMicrobatchInsert(tx, 500, 0)
		for _, r := range releases {
			files, err := json.Marshal(r.Files)
			if err != nil {
				return err
			}
			if err := mb.Queue(ctx, insertReleaseConflictQuery,
				r.ProjectName, r.Version, r.Info, files,
				r.Removed, r.RemovedSerial, r.RemovedAt,
				r.Suspicion, r.Reasons, r.Analyzed, r.AnalyzedFiles,
			); err != nil {
				return err
			}
		}
		return mb.Done(ctx)
	})
}

const insertReleaseConflictQuery = `
INSERT INTO release (project_name, version, info, files, removed, removed_serial, removed_at, suspicion, reasons, analyzed, analyzed_files)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (project_name, version) DO NOTHING
`
