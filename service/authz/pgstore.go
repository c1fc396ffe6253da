package authz

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PgStore 基于 pgx 连接池的 Store 实现
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pg ping")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) GetUserByID(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, is_active FROM cw_users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query user")
	}
	return &u, nil
}

func (s *PgStore) GetUserByName(ctx context.Context, username string) (*User, string, error) {
	var u User
	var hashed string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, is_active, hashed_password FROM cw_users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.Active, &hashed)
	if err == pgx.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "query user by name")
	}
	return &u, hashed, nil
}

func (s *PgStore) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	var w Workspace
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, name FROM cw_workspaces WHERE id = $1`,
		workspaceID,
	).Scan(&w.ID, &w.ProjectID, &w.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query workspace")
	}
	return &w, nil
}

func (s *PgStore) HasProjectAccess(ctx context.Context, projectID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM projects p
			WHERE p.id = $1 AND (p.owner_id = $2 OR p.is_public)
			UNION
			SELECT 1 FROM project_collaborators c
			WHERE c.project_id = $1 AND c.user_id = $2
		)`,
		projectID, userID,
	).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "query project access")
	}
	return ok, nil
}
