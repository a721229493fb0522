package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entityauth/EntityKit-sub003/entityauth"
	"github.com/entityauth/EntityKit-sub003/metrics"
)

func registerHTTP(mux *http.ServeMux, log Logger, reg prometheus.Gatherer, f *entityauth.Facade) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Ready once a session is established.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if phase := f.Phase(); phase != entityauth.PhaseAuthenticated {
			log.Debug("readyz.not_ready", "phase", phase.String())
			http.Error(w, "not authenticated: "+phase.String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", metrics.HandlerFor(reg))
}
