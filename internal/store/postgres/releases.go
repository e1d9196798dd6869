package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

const insertReleaseQuery = `
INSERT INTO release (project_name, version, info, files, removed, removed_serial, removed_at, suspicion, reasons, analyzed, analyzed_files)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// InsertRelease implements store.Store.InsertRelease.
func (s *Store) InsertRelease(ctx context.Context, r store.Release) error {
	files, err := json.Marshal(r.Files)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertReleaseQuery,
		r.ProjectName, r.Version, r.Info, files,
		r.Removed, r.RemovedSerial, r.RemovedAt,
		r.Suspicion, r.Reasons, r.Analyzed, r.AnalyzedFiles,
	)
	return asDuplicate("insert release", err)
}

const markReleaseRemovedQuery = `
UPDATE release SET removed = true, removed_serial = $3, removed_at = $4 WHERE project_name = $1 AND version = $2
`

// MarkReleaseRemoved implements store.Store.MarkReleaseRemoved.
func (s *Store) MarkReleaseRemoved(ctx context.Context, project, version string, serial int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, markReleaseRemovedQuery, project, version, serial, at)
	return err
}

const markReleaseAnalyzedQuery = `UPDATE release SET analyzed = true WHERE project_name = $1 AND version = $2`
const appendAnalyzedFileQuery = `
UPDATE release SET analyzed = true, analyzed_files = array_append(analyzed_files, $3)
WHERE project_name = $1 AND version = $2 AND NOT ($3 = ANY(analyzed_files))
`

// MarkAnalyzed implements store.Store.MarkAnalyzed: when filename is
// given, it is added to the release's analyzed_files set; the release's
// analyzed flag is set in either case.
func (s *Store) MarkAnalyzed(ctx context.Context, project, version, filename string) error {
	if filename == "" {
		_, err := s.pool.Exec(ctx, markReleaseAnalyzedQuery, project, version)
		return err
	}
	_, err := s.pool.Exec(ctx, appendAnalyzedFileQuery, project, version, filename)
	return err
}
