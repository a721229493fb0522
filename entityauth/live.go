package entityauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/entityauth/EntityKit-sub003/apiclient"
	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/metrics"
	"github.com/entityauth/EntityKit-sub003/realtime"
	"github.com/entityauth/EntityKit-sub003/refresher"
	"github.com/entityauth/EntityKit-sub003/service"
	"github.com/entityauth/EntityKit-sub003/tokenstore"
)

// LiveOptions tune Open. The zero value is usable.
type LiveOptions struct {
	Logger      *slog.Logger
	Metrics     metrics.Recorder
	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	RefreshSkew time.Duration

	// DisableRealtime skips the websocket coordinator.
	DisableRealtime bool
	ReconnectEvery  time.Duration

	OnInvalidate func(reason string)
	OnError      func(op string, err error)
}

// Open builds a Facade over the HTTP services and, unless disabled, the
// websocket realtime coordinator. Tokens are loaded from store first.
// Close on the returned Facade releases the coordinator and token state.
func Open(ctx context.Context, cfg *config.Provider, store tokenstore.Store, o LiveOptions) (*Facade, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: Config", ErrMissingDependency)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: Store", ErrMissingDependency)
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	rec := metrics.OrNop(o.Metrics)

	state := authstate.New(store, authstate.WithLogger(log))
	if _, err := state.Load(ctx); err != nil {
		return nil, err
	}

	api, err := apiclient.New(cfg, state,
		apiclient.WithLogger(log),
		apiclient.WithHTTPClient(o.HTTPClient),
		apiclient.WithTimeout(o.HTTPTimeout),
		apiclient.WithMetrics(rec),
	)
	if err != nil {
		state.Close()
		return nil, err
	}

	auth := service.NewAuth(api)
	ref := refresher.New(state, auth, refresher.WithLogger(log), refresher.WithMetrics(rec))
	api.SetRefresher(ref)

	deps := Dependencies{
		Config:        cfg,
		State:         state,
		Refresher:     ref,
		Auth:          auth,
		Organizations: service.NewOrganizations(api),
		Users:         service.NewUsers(api),
		Entities:      service.NewEntities(api),
		Invitations:   service.NewInvitations(api),
	}

	var coord *realtime.Coordinator
	if !o.DisableRealtime {
		dialer := realtime.NewWSDialer(
			func() string { return state.Current().AccessToken },
			realtime.WithWSLogger(log),
			realtime.WithWSHTTPClient(o.HTTPClient),
			realtime.WithWSHeaders(func() http.Header { return apiclient.IdentityHeaders(cfg.Current()) }),
			realtime.WithReconnectEvery(o.ReconnectEvery),
		)
		coord = realtime.New(cfg, dialer, realtime.WithLogger(log), realtime.WithMetrics(rec))
		deps.Realtime = coord
	}

	f, err := New(deps,
		WithLogger(log),
		WithMetrics(rec),
		WithRefreshSkew(refreshSkewOrDefault(o.RefreshSkew)),
		WithInvalidationHandler(o.OnInvalidate),
		WithErrorObserver(o.OnError),
	)
	if err != nil {
		if coord != nil {
			coord.Close()
		}
		state.Close()
		return nil, err
	}

	f.closers = append(f.closers, state.Close)
	if coord != nil {
		f.closers = append(f.closers, coord.Close)
	}
	return f, nil
}

func refreshSkewOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRefreshSkew
	}
	return d
}
