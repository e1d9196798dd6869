package postgres

import (
	"context"

	"github.com/pyreposcan/pyreposcan/internal/store"
)

const insertAliasQuery = `
INSERT INTO alias (project_name, version, import_name) VALUES ($1, $2, $3)
`

// InsertAlias implements store.Store.InsertAlias. A duplicate (project,
// version, import_name) is absorbed as store.ErrDuplicate.
func (s *Store) InsertAlias(ctx context.Context, a store.Alias) error {
	_, err := s.pool.Exec(ctx, insertAliasQuery, a.ProjectName, a.Version, a.ImportName)
	return asDuplicate("insert alias", err)
}

const aliasOwnerQuery = `
SELECT project_name FROM alias WHERE import_name = $1 AND project_name <> $2 LIMIT 1
`

// AliasOwner implements store.Store.AliasOwner: an alias whose
// import_name matches but whose owning project differs from exceptFor.
func (s *Store) AliasOwner(ctx context.Context, importName, exceptFor string) (string, bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, aliasOwnerQuery, importName, exceptFor).Scan(&owner)
	if err != nil {
		if noRows("alias owner", err) == store.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return owner, true, nil
}
