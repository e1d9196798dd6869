package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by an Insert/InsertX method when the underlying
// unique constraint rejects the row. Callers generally treat this as
// success, not failure; it is exported so a caller that needs to
// distinguish "already there" from "newly inserted" still can.
var ErrDuplicate = errors.New("store: duplicate key")

// ErrNotFound is returned by a FindX method when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the full set of typed metadata-store operations the controller,
// workers, and scorer use. It is implemented by
// internal/store/postgres.Store.
type Store interface {
	// InsertProject inserts a new project row. A duplicate (name, removed,
	// removed_serial) is reported as ErrDuplicate, not a hard failure.
	InsertProject(ctx context.Context, p Project) error
	// UpdateProjectInfo overwrites a project's info/suspicion/reasons in
	// place, used on the "update path" of a re-fetched project.
	UpdateProjectInfo(ctx context.Context, name string, info []byte, suspicion int, reasons []string) error
	// FindProject looks up a project by name and removed discriminator.
	FindProject(ctx context.Context, name string, removed bool) (Project, error)
	// MarkProjectRemoved sets the removal triple on a project and,
	// atomically, on all of its releases: a release whose parent project
	// is removed is itself removed.
	MarkProjectRemoved(ctx context.Context, name string, serial int64, at time.Time) error
	// AddOwner / RemoveOwner / AddMaintainer / RemoveMaintainer /
	// MoveOwnerToMaintainer / MoveMaintainerToOwner implement the owner
	// and maintainer changelog actions.
	AddOwner(ctx context.Context, project, user string) error
	RemoveOwner(ctx context.Context, project, user string) error
	AddMaintainer(ctx context.Context, project, user string) error
	RemoveMaintainer(ctx context.Context, project, user string) error
	MoveOwnerToMaintainer(ctx context.Context, project, user string) error
	MoveMaintainerToOwner(ctx context.Context, project, user string) error

	// InsertRelease inserts a new release row, inheriting suspicion/reasons
	// from its parent project at ingest time.
	InsertRelease(ctx context.Context, r Release) error
	// MarkReleaseRemoved marks a single (project, version) removed.
	MarkReleaseRemoved(ctx context.Context, project, version string, serial int64, at time.Time) error
	// MarkAnalyzed flags a release (and the given filename, if non-empty)
	// as analyzed.
	MarkAnalyzed(ctx context.Context, project, version, filename string) error

	// UpsertResult inserts or replaces a Result keyed by filename.
	UpsertResult(ctx context.Context, r Result) error
	// HasResult reports whether a Result already exists for filename, used
	// by the analyzer worker's at-most-once check, unless cover forces
	// re-analysis.
	HasResult(ctx context.Context, filename string) (bool, error)

	// InsertAlias records a (project, version, import_name) tuple. A
	// duplicate key is absorbed silently.
	InsertAlias(ctx context.Context, a Alias) error
	// AliasOwner returns the project name that registered name as an
	// import_name, excluding exceptFor itself.
	AliasOwner(ctx context.Context, importName, exceptFor string) (owner string, ok bool, err error)

	// LocalSerial returns the maximum ingested serial, or ok=false if none
	// has been committed yet (the precondition that selects bootstrap
	// mode).
	LocalSerial(ctx context.Context) (serial int64, ok bool, err error)
	// CommitSerial records a newly-committed local_serial. It is only
	// called after a full successful changelog replay (or bootstrap
	// pass).
	CommitSerial(ctx context.Context, serial int64) error

	// InsertPopularitySnapshot records a new popularity snapshot.
	InsertPopularitySnapshot(ctx context.Context, snap PopularitySnapshot) error
	// LatestPopularity returns the most recently stored snapshot, or
	// ok=false if none exists yet.
	LatestPopularity(ctx context.Context) (snap PopularitySnapshot, ok bool, err error)

	// UpsertPrivateName records a configured private-registry project name.
	UpsertPrivateName(ctx context.Context, name string) error
	// RemovedProjectExists / PrivateProjectExists back the scorer's
	// use-after-free and dependency-confusion rules.
	RemovedProjectExists(ctx context.Context, name string) (bool, error)
	PrivateProjectExists(ctx context.Context, name string) (bool, error)
}
