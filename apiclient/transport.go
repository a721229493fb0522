package apiclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/entityauth/EntityKit-sub003/metrics"
)

// loggingTransport logs and measures each round trip. It never logs headers.
type loggingTransport struct {
	next    http.RoundTripper
	log     *slog.Logger
	metrics metrics.Recorder
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	t.metrics.ObserveRequest(r.Method, status, elapsed)

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
		"request_id", r.Header.Get(HeaderRequestID),
	}
	if err != nil {
		t.log.Warn("api.request.fail", append(attrs, "err", err)...)
		return resp, err
	}
	t.log.Debug("api.request", attrs...)
	return resp, nil
}
