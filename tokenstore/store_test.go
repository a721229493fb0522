package tokenstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityauth/EntityKit-sub003/internal/ids"
	"github.com/entityauth/EntityKit-sub003/security/seal"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

func fastSeal() seal.Config {
	return seal.Config{Params: seal.Params{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16}}
}

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, s tokenstore.Store) {
	t.Helper()
	ctx := context.Background()

	a, err := s.LoadAccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, a, "fresh store has no access token")

	require.NoError(t, s.SaveAccessToken(ctx, "a1"))
	require.NoError(t, s.SaveRefreshToken(ctx, "r1"))

	a, err = s.LoadAccessToken(ctx)
	require.NoError(t, err)
	r, err := s.LoadRefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", a)
	assert.Equal(t, "r1", r)

	// Saving "" deletes only that token.
	require.NoError(t, s.SaveAccessToken(ctx, ""))
	a, err = s.LoadAccessToken(ctx)
	require.NoError(t, err)
	r, err = s.LoadRefreshToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, a)
	assert.Equal(t, "r1", r)

	require.NoError(t, s.Clear(ctx))
	r, err = s.LoadRefreshToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, r)

	// Clearing an empty store is fine.
	require.NoError(t, s.Clear(ctx))
}

func TestMemory(t *testing.T) {
	exerciseStore(t, tokenstore.NewMemory("", ""))
}

func TestMemory_FailWrites(t *testing.T) {
	m := tokenstore.NewMemory("a", "r")
	boom := errors.New("disk full")
	m.FailWrites(boom)

	err := m.SaveAccessToken(context.Background(), "x")
	assert.ErrorIs(t, err, tokenstore.ErrStorage)
	assert.ErrorIs(t, err, boom)

	a, _ := m.LoadAccessToken(context.Background())
	assert.Equal(t, "a", a)

	m.FailWrites(nil)
	assert.NoError(t, m.Clear(context.Background()))
}

func TestSealedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dev.tokens")
	s, err := tokenstore.NewSealedFile(path, "correct horse", fastSeal())
	require.NoError(t, err)

	exerciseStore(t, s)
}

func TestSealedFile_EncryptsAtRestAndRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dev.tokens")

	s, err := tokenstore.NewSealedFile(path, "correct horse", fastSeal())
	require.NoError(t, err)
	require.NoError(t, s.SaveRefreshToken(ctx, "refresh-secret"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "refresh-secret")
	assert.True(t, strings.HasPrefix(string(raw), "$esl1$"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	wrong, err := tokenstore.NewSealedFile(path, "battery staple", fastSeal())
	require.NoError(t, err)
	_, err = wrong.LoadRefreshToken(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrStorage)
	assert.ErrorIs(t, err, seal.ErrDecrypt)
}

func TestSealedFile_RequiresPassphrase(t *testing.T) {
	_, err := tokenstore.NewSealedFile(filepath.Join(t.TempDir(), "x"), "", fastSeal())
	assert.ErrorIs(t, err, seal.ErrEmptyPassphrase)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseStore(t, tokenstore.NewRedis(client, "app"))
}

func TestRedis_NamespacesAndTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	s, err := tokenstore.OpenRedis(ctx, "redis://"+mr.Addr(), "tenant-a", tokenstore.WithRedisTTL(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SaveAccessToken(ctx, "a1"))

	got, err := mr.Get("entityauth:tenant-a:access_token")
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
	assert.Equal(t, time.Hour, mr.TTL("entityauth:tenant-a:access_token"))

	mr.FastForward(2 * time.Hour)
	a, err := s.LoadAccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, a)
}

func TestRedis_UnreachableIsStorageError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := tokenstore.NewRedis(client, "app")
	mr.Close()

	_, err := s.LoadAccessToken(context.Background())
	assert.ErrorIs(t, err, tokenstore.ErrStorage)
}

func TestOpenRedis_BadURL(t *testing.T) {
	_, err := tokenstore.OpenRedis(context.Background(), "http://nope", "app")
	assert.ErrorIs(t, err, tokenstore.ErrStorage)
}

// Postgres integration is opt-in via ENTITYAUTH_TEST_DATABASE_URL.
func TestPostgres(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("ENTITYAUTH_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: ENTITYAUTH_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := tokenstore.NewPostgres(pool, "it-"+strings.ToLower(ids.New()))
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { _ = s.Clear(context.Background()) })

	exerciseStore(t, s)
}
