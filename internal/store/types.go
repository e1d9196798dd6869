// Package store declares the metadata-store operations the monitor
// controller, scorer, and workers depend on, and the domain types they
// exchange. internal/store/postgres provides the concrete implementation;
// this package stays free of any driver import so internal/scorer and tests
// can depend on it without pulling in pgx.
package store

import (
	"encoding/json"
	"time"
)

// FileDescriptor describes one release artifact's download URL and
// metadata.
type FileDescriptor struct {
	Filename   string            `json:"filename"`
	URL        string            `json:"url"`
	Size       int64             `json:"size"`
	UploadTime string            `json:"upload_time"`
	Digests    map[string]string `json:"digests"`
}

// Removal is the three-field removal triple; the invariant is that all
// three fields are set together or null together.
type Removal struct {
	Removed        bool       `json:"removed"`
	RemovedSerial  *int64     `json:"removed_serial,omitempty"`
	RemovedAt      *time.Time `json:"removed_at,omitempty"`
}

// Project is the persisted snapshot of one registry project, keyed by its
// case-sensitive name.
type Project struct {
	Name        string          `json:"name"`
	Info        json.RawMessage `json:"info"`
	Owners      []string        `json:"owners"`
	Maintainers []string        `json:"maintainers"`
	Removal
	Suspicion int      `json:"suspicion"`
	Reasons   []string `json:"reasons"`
	Analyzed  bool     `json:"analyzed"`
}

// Release is the persisted snapshot of one (project, version) pair.
type Release struct {
	ProjectName string           `json:"project_name"`
	Version     string           `json:"version"`
	Info        json.RawMessage  `json:"info"`
	Files       []FileDescriptor `json:"files"`
	Removal
	Suspicion     int      `json:"suspicion"`
	Reasons       []string `json:"reasons"`
	Analyzed      bool     `json:"analyzed"`
	AnalyzedFiles []string `json:"analyzed_files"`
}

// Result is one artifact's taint-analysis findings, upserted by filename.
type Result struct {
	Filename    string          `json:"filename"`
	ProjectName string          `json:"project_name"`
	Version     string          `json:"version"`
	URL         FileDescriptor  `json:"url"`
	AnalyzedAt  time.Time       `json:"analyzed_at"`
	Metrics     json.RawMessage `json:"metrics"`
	Issues      json.RawMessage `json:"issues"`
}

// Alias is one (project, version, import_name) tuple, recorded whenever a
// release's import name differs from its project name.
type Alias struct {
	ProjectName string `json:"project_name"`
	Version     string `json:"version"`
	ImportName  string `json:"import_name"`
}

// PopularEntry is one row of a popularity snapshot.
type PopularEntry struct {
	Project       string `json:"project"`
	DownloadCount int64  `json:"download_count"`
}

// PopularitySnapshot is a timestamped ranked list of download counts.
type PopularitySnapshot struct {
	LastUpdate time.Time      `json:"last_update"`
	Rows       []PopularEntry `json:"rows"`
}
