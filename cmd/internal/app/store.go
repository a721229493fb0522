package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/security/seal"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

// OpenTokenStore builds the configured token store. The returned func releases
// whatever connection the store holds and is always non-nil on success.
func OpenTokenStore(ctx context.Context, s config.Settings, log *slog.Logger) (tokenstore.Store, func(), error) {
	ts := s.TokenStore
	ns := s.PersistenceNamespace

	switch ts.Kind {
	case config.StoreMemory, "":
		log.Info("tokenstore.open", "kind", "memory")
		return tokenstore.NewMemory("", ""), func() {}, nil

	case config.StoreFile:
		path := ts.Path
		if path == "" {
			p, err := tokenstore.DefaultFilePath(ns)
			if err != nil {
				return nil, nil, fmt.Errorf("token file path: %w", err)
			}
			path = p
		}
		sc, err := seal.FromEnv()
		if err != nil {
			return nil, nil, err
		}
		st, err := tokenstore.NewSealedFile(path, ts.Passphrase, sc)
		if err != nil {
			return nil, nil, err
		}
		log.Info("tokenstore.open", "kind", "file", "path", path)
		return st, func() {}, nil

	case config.StoreRedis:
		st, err := tokenstore.OpenRedis(ctx, ts.RedisURL, ns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("tokenstore.open", "kind", "redis")
		return st, func() {
			if err := st.Close(); err != nil {
				log.Warn("tokenstore.close.fail", "kind", "redis", "err", err)
			}
		}, nil

	case config.StorePostgres:
		pool, err := NewDBPool(ctx, ts.DatabaseURL, ts.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		st := tokenstore.NewPostgres(pool, ns)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("tokenstore.open", "kind", "postgres", "max_conns", ts.DBMaxConns)
		return st, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown tokenStore.kind %q", config.ErrInvalid, ts.Kind)
	}
}
