package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

const insertProjectQuery = `
INSERT INTO project (name, info, owners, maintainers, removed, removed_serial, removed_at, suspicion, reasons, analyzed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

// InsertProject implements store.Store.InsertProject.
func (s *Store) InsertProject(ctx context.Context, p store.Project) error {
	log := zerolog.Ctx(ctx).With().Str("component", "store/postgres.InsertProject").Str("project", p.Name).Logger()
	_, err := s.pool.Exec(ctx, insertProjectQuery,
		p.Name, p.Info, p.Owners, p.Maintainers,
		p.Removed, p.RemovedSerial, p.RemovedAt,
		p.Suspicion, p.Reasons, p.Analyzed,
	)
	if err := asDuplicate("insert project", err); err != nil {
		if err == store.ErrDuplicate {
			log.Debug().Msg("project already present, ignoring")
		}
		return err
	}
	return nil
}

const updateProjectInfoQuery = `
UPDATE project SET info = $2, suspicion = $3, reasons = $4 WHERE name = $1
`

// UpdateProjectInfo implements store.Store.UpdateProjectInfo.
func (s *Store) UpdateProjectInfo(ctx context.Context, name string, info []byte, suspicion int, reasons []string) error {
	_, err := s.pool.Exec(ctx, updateProjectInfoQuery, name, info, suspicion, reasons)
	if err != nil {
		return asDuplicate("update project info", err)
	}
	return nil
}

const findProjectQuery = `
SELECT name, info, owners, maintainers, removed, removed_serial, removed_at, suspicion, reasons, analyzed
FROM project WHERE name = $1 AND removed = $2
`

// FindProject implements store.Store.FindProject.
func (s *Store) FindProject(ctx context.Context, name string, removed bool) (store.Project, error) {
	var p store.Project
	row := s.pool.QueryRow(ctx, findProjectQuery, name, removed)
	err := row.Scan(&p.Name, &p.Info, &p.Owners, &p.Maintainers,
		&p.Removed, &p.RemovedSerial, &p.RemovedAt,
		&p.Suspicion, &p.Reasons, &p.Analyzed)
	if err != nil {
		return store.Project{}, noRows("find project", err)
	}
	return p, nil
}

const markProjectRemovedQuery = `UPDATE project SET removed = true, removed_serial = $2, removed_at = $3 WHERE name = $1`
const markProjectReleasesRemovedQuery = `UPDATE release SET removed = true, removed_serial = $2, removed_at = $3 WHERE project_name = $1 AND removed = false`

// MarkProjectRemoved implements store.Store.MarkProjectRemoved: the
// project and all of its releases are marked removed in the same
// transaction, so a release is never observable as live under a removed
// project.
func (s *Store) MarkProjectRemoved(ctx context.Context, name string, serial int64, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, markProjectRemovedQuery, name, serial, at); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, markProjectReleasesRemovedQuery, name, serial, at); err != nil {
			return err
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// arraySetOp appends or removes user from a project's owners/maintainers
// text[] column. Postgres's array_append/array_remove are used directly
// rather than a read-modify-write round trip, so concurrent writers
// serialize inside the database. The column/op pair only ever comes from
// the four call sites below (never user input), so goqu.L's literal SQL
// fragment is safe to build with fmt.Sprintf here; goqu still owns
// placeholder numbering and argument binding for the two real values.
func (s *Store) arraySetOp(ctx context.Context, column, op, project, user string) error {
	psql := goqu.Dialect("postgres")
	expr := goqu.L(fmt.Sprintf("array_%s(%s, ?)", op, column), user)
	query, args, err := psql.Update("project").
		Set(goqu.Record{column: expr}).
		Where(goqu.Ex{"name": project}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building %s %s query: %w", op, column, err)
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

// AddOwner implements store.Store.AddOwner.
func (s *Store) AddOwner(ctx context.Context, project, user string) error {
	return s.arraySetOp(ctx, "owners", "append", project, user)
}

// RemoveOwner implements store.Store.RemoveOwner.
func (s *Store) RemoveOwner(ctx context.Context, project, user string) error {
	return s.arraySetOp(ctx, "owners", "remove", project, user)
}

// AddMaintainer implements store.Store.AddMaintainer.
func (s *Store) AddMaintainer(ctx context.Context, project, user string) error {
	return s.arraySetOp(ctx, "maintainers", "append", project, user)
}

// RemoveMaintainer implements store.Store.RemoveMaintainer.
func (s *Store) RemoveMaintainer(ctx context.Context, project, user string) error {
	return s.arraySetOp(ctx, "maintainers", "remove", project, user)
}

const moveOwnerToMaintainerQuery = `
UPDATE project SET owners = array_remove(owners, $2), maintainers = array_append(maintainers, $2) WHERE name = $1
`

// MoveOwnerToMaintainer implements store.Store.MoveOwnerToMaintainer: the
// "change Owner X" action, moving X from owners to maintainers in one
// statement so the sets never observably overlap.
func (s *Store) MoveOwnerToMaintainer(ctx context.Context, project, user string) error {
	_, err := s.pool.Exec(ctx, moveOwnerToMaintainerQuery, project, user)
	return err
}

const moveMaintainerToOwnerQuery = `
UPDATE project SET maintainers = array_remove(maintainers, $2), owners = array_append(owners, $2) WHERE name = $1
`

// MoveMaintainerToOwner implements store.Store.MoveMaintainerToOwner: the
// "change Maintainer X" action. The registry documents this action's
// direction ambiguously; it is applied symmetrically to "change Owner X",
// and internal/monitor logs each occurrence (see actions.go).
func (s *Store) MoveMaintainerToOwner(ctx context.Context, project, user string) error {
	_, err := s.pool.Exec(ctx, moveMaintainerToOwnerQuery, project, user)
	return err
}

const removedProjectExistsQuery = `SELECT EXISTS(SELECT 1 FROM project WHERE name = $1 AND removed = true)`

// RemovedProjectExists implements store.Store.RemovedProjectExists.
func (s *Store) RemovedProjectExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, removedProjectExistsQuery, name).Scan(&exists)
	return exists, err
}
