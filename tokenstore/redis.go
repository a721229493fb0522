package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "entityauth:"

// Redis stores tokens as plain string keys, one pair per namespace.
type Redis struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisTTL expires saved tokens after d. Zero keeps them forever.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// OpenRedis parses url (redis://...), connects, and pings.
func OpenRedis(ctx context.Context, url, namespace string, opts ...RedisOption) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, storageErr("parse redis url", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("ping redis", err)
	}
	return NewRedis(client, namespace, opts...), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string, opts ...RedisOption) *Redis {
	r := &Redis{client: client, namespace: namespace}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(kind string) string { return redisKeyPrefix + namespaced(r.namespace, kind) }

func (r *Redis) LoadAccessToken(ctx context.Context) (string, error) {
	return r.load(ctx, "load access token", keyAccess)
}

func (r *Redis) LoadRefreshToken(ctx context.Context) (string, error) {
	return r.load(ctx, "load refresh token", keyRefresh)
}

func (r *Redis) SaveAccessToken(ctx context.Context, token string) error {
	return r.save(ctx, "save access token", keyAccess, token)
}

func (r *Redis) SaveRefreshToken(ctx context.Context, token string) error {
	return r.save(ctx, "save refresh token", keyRefresh, token)
}

func (r *Redis) Clear(ctx context.Context) error {
	return storageErr("clear", r.client.Del(ctx, r.key(keyAccess), r.key(keyRefresh)).Err())
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) load(ctx context.Context, op, kind string) (string, error) {
	v, err := r.client.Get(ctx, r.key(kind)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storageErr(op, err)
	}
	return v, nil
}

func (r *Redis) save(ctx context.Context, op, kind, token string) error {
	if token == "" {
		return storageErr(op, r.client.Del(ctx, r.key(kind)).Err())
	}
	return storageErr(op, r.client.Set(ctx, r.key(kind), token, r.ttl).Err())
}
