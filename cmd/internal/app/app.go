// Package app wires the entityauth command: settings, logging, token storage,
// metrics and the live auth facade.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/entityauth"
	"github.com/entityauth/EntityKit-sub003/metrics"
)

// Options tunes how New builds the facade.
type Options struct {
	// Realtime starts the push coordinator after sign-in. One-shot commands leave it off.
	Realtime bool
}

// App owns one facade and everything it was built from.
type App struct {
	settings config.Settings
	log      Logger

	provider *config.Provider
	registry *prometheus.Registry
	facade   *entityauth.Facade

	closeStore func()
}

// New opens the token store and builds a wired facade. Close releases both.
func New(ctx context.Context, s config.Settings, log Logger, o Options) (*App, error) {
	provider, err := config.NewProvider(s.Configuration)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheus(reg)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := OpenTokenStore(ctx, s, log)
	if err != nil {
		return nil, err
	}

	f, err := entityauth.Open(ctx, provider, store, entityauth.LiveOptions{
		Logger:          log,
		Metrics:         rec,
		HTTPTimeout:     s.HTTPTimeout,
		RefreshSkew:     s.RefreshSkew,
		DisableRealtime: !o.Realtime,
		OnInvalidate: func(reason string) {
			log.Warn("session.invalidated", "reason", reason)
		},
		OnError: func(op string, err error) {
			log.Warn("session.op.fail", "op", op, "err", err)
		},
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &App{
		settings:   s,
		log:        log,
		provider:   provider,
		registry:   reg,
		facade:     f,
		closeStore: closeStore,
	}, nil
}

// Facade returns the wired facade.
func (a *App) Facade() *entityauth.Facade { return a.facade }

// Provider returns the live configuration provider.
func (a *App) Provider() *config.Provider { return a.provider }

// Close stops the facade, then releases the token store.
func (a *App) Close() {
	a.facade.Close()
	a.closeStore()
}

// ServeMetrics runs the metrics listener on settings.MetricsAddr until ctx ends.
// An empty address disables it.
func (a *App) ServeMetrics(ctx context.Context) error {
	addr := a.settings.MetricsAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.registry, a.facade)

	srv := &http.Server{
		Addr:              addr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.log.Info("metrics.start", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("metrics.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("metrics.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("metrics.stopped")
	return nil
}
