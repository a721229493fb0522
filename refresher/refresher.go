// Package refresher coalesces concurrent token refreshes into one in-flight call.
package refresher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/metrics"
	"github.com/entityauth/EntityKit-sub003/security/token"
)

const flightKey = "refresh"

// Result is what a refresh service returns. An empty RefreshToken means the
// server did not rotate it and the stored one stays valid.
type Result struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Service performs the refresh network call.
type Service interface {
	Refresh(ctx context.Context, refreshToken string) (Result, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, refreshToken string) (Result, error)

func (f ServiceFunc) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	return f(ctx, refreshToken)
}

// Refresher guarantees at most one refresh in flight per instance.
type Refresher struct {
	log     *slog.Logger
	state   *authstate.State
	service Service
	metrics metrics.Recorder

	group singleflight.Group
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Refresher) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Refresher) { r.metrics = metrics.OrNop(m) }
}

// New constructs a Refresher that commits results to state.
func New(state *authstate.State, service Service, opts ...Option) *Refresher {
	r := &Refresher{
		log:     slog.Default(),
		state:   state,
		service: service,
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Refresh joins the in-flight refresh or starts one, and returns the committed pair.
// The shared call runs detached from any single caller's cancellation.
func (r *Refresher) Refresh(ctx context.Context) (authstate.TokenPair, error) {
	return r.refresh(ctx, "")
}

// RetryAfterRefreshing refreshes (coalesced) and then runs the caller's own op.
// Every caller of a batch sees the same refresh outcome; each op runs once.
func (r *Refresher) RetryAfterRefreshing(ctx context.Context, op func(context.Context) ([]byte, error)) ([]byte, error) {
	return r.RetryAfterRefreshingToken(ctx, "", op)
}

// RetryAfterRefreshingToken is RetryAfterRefreshing for a request that was
// rejected while carrying stale. When the committed access token already
// differs from stale, a concurrent refresh has finished and op is replayed
// without another network refresh.
func (r *Refresher) RetryAfterRefreshingToken(ctx context.Context, stale string, op func(context.Context) ([]byte, error)) ([]byte, error) {
	if _, err := r.refresh(ctx, stale); err != nil {
		return nil, err
	}
	return op(ctx)
}

func (r *Refresher) refresh(ctx context.Context, stale string) (authstate.TokenPair, error) {
	if cur, ok := r.superseded(stale); ok {
		return cur, nil
	}

	ch := r.group.DoChan(flightKey, func() (any, error) {
		if cur, ok := r.superseded(stale); ok {
			return cur, nil
		}
		return r.refreshOnce(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.RefreshJoined()
		}
		if res.Err != nil {
			return authstate.TokenPair{}, res.Err
		}
		return res.Val.(authstate.TokenPair), nil
	case <-ctx.Done():
		return authstate.TokenPair{}, ctx.Err()
	}
}

func (r *Refresher) superseded(stale string) (authstate.TokenPair, bool) {
	if stale == "" {
		return authstate.TokenPair{}, false
	}
	cur := r.state.Current()
	if cur.AccessToken == "" || cur.AccessToken == stale {
		return authstate.TokenPair{}, false
	}
	return cur, true
}

func (r *Refresher) refreshOnce(ctx context.Context) (authstate.TokenPair, error) {
	start := time.Now()

	refreshTok := r.state.Current().RefreshToken
	if refreshTok == "" {
		r.metrics.ObserveRefresh(metrics.RefreshMissing, time.Since(start))
		r.log.Info("auth.refresh.skip", "reason", "no refresh token")
		return authstate.TokenPair{}, ErrRefreshTokenMissing
	}

	r.log.Debug("auth.refresh.start", "refresh_fp", token.Fingerprint(refreshTok))

	res, err := r.service.Refresh(ctx, refreshTok)
	if err != nil {
		r.metrics.ObserveRefresh(metrics.RefreshFailed, time.Since(start))
		r.log.Warn("auth.refresh.fail", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return authstate.TokenPair{}, err
	}
	if res.AccessToken == "" {
		r.metrics.ObserveRefresh(metrics.RefreshFailed, time.Since(start))
		return authstate.TokenPair{}, &RefreshError{Err: errEmptyAccessToken}
	}

	if res.RefreshToken != "" {
		err = r.state.Update(ctx, res.AccessToken, res.RefreshToken)
	} else {
		err = r.state.UpdateAccess(ctx, res.AccessToken)
	}
	if err != nil {
		r.metrics.ObserveRefresh(metrics.RefreshFailed, time.Since(start))
		r.log.Warn("auth.refresh.persist.fail", "err", err)
		return authstate.TokenPair{}, err
	}

	r.metrics.ObserveRefresh(metrics.RefreshOK, time.Since(start))
	pair := r.state.Current()
	r.log.Info("auth.refresh.ok",
		"access_fp", token.Fingerprint(pair.AccessToken),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return pair, nil
}
