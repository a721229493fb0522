// Package authstate owns the current token pair and broadcasts every change.
package authstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/entityauth/EntityKit-sub003/internal/pubsub"
	"github.com/entityauth/EntityKit-sub003/security/token"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

// TokenPair is an immutable access/refresh pair. Empty strings mean absent.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// IsZero reports whether both tokens are absent.
func (p TokenPair) IsZero() bool { return p.AccessToken == "" && p.RefreshToken == "" }

// LogValue keeps raw tokens out of structured logs.
func (p TokenPair) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_fp", token.Fingerprint(p.AccessToken)),
		slog.String("refresh_fp", token.Fingerprint(p.RefreshToken)),
	)
}

// State serializes token mutations against a Store and publishes them in admission order.
type State struct {
	log   *slog.Logger
	store tokenstore.Store

	mu      sync.Mutex
	current TokenPair

	bus *pubsub.Broadcaster[TokenPair]
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *State) {
		if log != nil {
			s.log = log
		}
	}
}

// WithInitial seeds the in-memory pair without touching the store.
func WithInitial(p TokenPair) Option {
	return func(s *State) { s.current = p }
}

// New constructs a State over store.
func New(store tokenstore.Store, opts ...Option) *State {
	s := &State{
		log:   slog.Default(),
		store: store,
		bus:   pubsub.New[TokenPair](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load hydrates memory from the store. It does not publish.
func (s *State) Load(ctx context.Context) (TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, err := s.store.LoadAccessToken(ctx)
	if err != nil {
		return TokenPair{}, wrapStorage("load access token", err)
	}
	refresh, err := s.store.LoadRefreshToken(ctx)
	if err != nil {
		return TokenPair{}, wrapStorage("load refresh token", err)
	}

	s.current = TokenPair{AccessToken: access, RefreshToken: refresh}
	return s.current, nil
}

// Current returns the committed pair.
func (s *State) Current() TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update persists both tokens, replaces the pair and publishes it.
// On a store failure nothing is published and memory keeps the previous pair.
func (s *State) Update(ctx context.Context, access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, TokenPair{AccessToken: access, RefreshToken: refresh})
}

// UpdateAccess replaces the access token and keeps the persisted refresh token.
func (s *State) UpdateAccess(ctx context.Context, access string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The store is the source of truth for the refresh token here, not memory.
	refresh, err := s.store.LoadRefreshToken(ctx)
	if err != nil {
		return wrapStorage("load refresh token", err)
	}
	return s.commitLocked(ctx, TokenPair{AccessToken: access, RefreshToken: refresh})
}

// Clear wipes store and memory and publishes the empty pair.
func (s *State) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		s.log.Warn("auth.tokens.clear.fail", "err", err)
		return wrapStorage("clear", err)
	}
	s.current = TokenPair{}
	s.bus.Publish(s.current)
	s.log.Debug("auth.tokens.clear")
	return nil
}

// Subscribe returns an ordered stream with one value per committed mutation.
func (s *State) Subscribe() *pubsub.Subscription[TokenPair] {
	return s.bus.Subscribe()
}

// Close ends every subscription.
func (s *State) Close() { s.bus.Close() }

func (s *State) commitLocked(ctx context.Context, next TokenPair) error {
	if err := s.store.SaveAccessToken(ctx, next.AccessToken); err != nil {
		s.log.Warn("auth.tokens.save.fail", "kind", "access", "err", err)
		return wrapStorage("save access token", err)
	}
	if err := s.store.SaveRefreshToken(ctx, next.RefreshToken); err != nil {
		s.log.Warn("auth.tokens.save.fail", "kind", "refresh", "err", err)
		// Roll the access token back so the store does not hold a half-written pair.
		if rerr := s.store.SaveAccessToken(ctx, s.current.AccessToken); rerr != nil {
			s.log.Error("auth.tokens.rollback.fail", "kind", "access", "err", rerr)
		}
		return wrapStorage("save refresh token", err)
	}

	s.current = next
	s.bus.Publish(next)
	s.log.Debug("auth.tokens.update", "tokens", next)
	return nil
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *tokenstore.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &tokenstore.StorageError{Op: op, Err: err}
}
