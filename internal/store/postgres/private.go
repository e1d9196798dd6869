package postgres

import "context"

const upsertPrivateNameQuery = `INSERT INTO private_project (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`

// UpsertPrivateName implements store.Store.UpsertPrivateName.
func (s *Store) UpsertPrivateName(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, upsertPrivateNameQuery, name)
	return err
}

const privateProjectExistsQuery = `SELECT EXISTS(SELECT 1 FROM private_project WHERE name = $1)`

// PrivateProjectExists implements store.Store.PrivateProjectExists.
func (s *Store) PrivateProjectExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, privateProjectExistsQuery, name).Scan(&exists)
	return exists, err
}
