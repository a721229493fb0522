package tokenstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the table used by Postgres. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS entityauth_tokens (
  namespace     text PRIMARY KEY,
  access_token  text NOT NULL DEFAULT '',
  refresh_token text NOT NULL DEFAULT '',
  updated_at    timestamptz NOT NULL DEFAULT now()
)`

// Postgres stores one token row per namespace.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgres creates a Postgres-backed store. Call EnsureSchema once before use
// unless migrations own the table.
func NewPostgres(pool *pgxpool.Pool, namespace string) *Postgres {
	if namespace == "" {
		namespace = "default"
	}
	return &Postgres{pool: pool, namespace: namespace}
}

// EnsureSchema applies Schema.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return storageErr("ensure schema", err)
}

func (s *Postgres) LoadAccessToken(ctx context.Context) (string, error) {
	a, _, err := s.load(ctx)
	return a, storageErr("load access token", err)
}

func (s *Postgres) LoadRefreshToken(ctx context.Context) (string, error) {
	_, r, err := s.load(ctx)
	return r, storageErr("load refresh token", err)
}

func (s *Postgres) SaveAccessToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entityauth_tokens (namespace, access_token, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (namespace) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    updated_at = EXCLUDED.updated_at
	`, s.namespace, token)
	return storageErr("save access token", err)
}

func (s *Postgres) SaveRefreshToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entityauth_tokens (namespace, refresh_token, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (namespace) DO UPDATE
		SET refresh_token = EXCLUDED.refresh_token,
		    updated_at = EXCLUDED.updated_at
	`, s.namespace, token)
	return storageErr("save refresh token", err)
}

func (s *Postgres) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM entityauth_tokens WHERE namespace = $1`, s.namespace)
	return storageErr("clear", err)
}

func (s *Postgres) load(ctx context.Context) (string, string, error) {
	var access, refresh string
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token
		FROM entityauth_tokens
		WHERE namespace = $1
	`, s.namespace).Scan(&access, &refresh)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}
