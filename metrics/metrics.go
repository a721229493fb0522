// Package metrics records SDK-level counters. The zero-cost Nop recorder is the default.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	RefreshOK      = "ok"
	RefreshFailed  = "failed"
	RefreshMissing = "missing"
)

// Recorder receives SDK events. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveRequest(method string, status int, d time.Duration)
	ObserveRefresh(result string, d time.Duration)
	RefreshJoined()
	Invalidated(reason string)
	RealtimeEvent(kind string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveRequest(string, int, time.Duration) {}
func (Nop) ObserveRefresh(string, time.Duration)      {}
func (Nop) RefreshJoined()                            {}
func (Nop) Invalidated(string)                        {}
func (Nop) RealtimeEvent(string)                      {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	refreshJoined   prometheus.Counter
	invalidations   *prometheus.CounterVec
	realtimeEvents  *prometheus.CounterVec
}

// NewPrometheus builds the collectors and registers them on reg (prometheus.DefaultRegisterer when nil).
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityauth",
			Name:      "api_requests_total",
			Help:      "API requests by method and status class.",
		}, []string{"method", "status_class"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "entityauth",
			Name:      "api_request_duration_seconds",
			Help:      "API request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityauth",
			Name:      "token_refresh_total",
			Help:      "Token refresh network calls by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "entityauth",
			Name:      "token_refresh_duration_seconds",
			Help:      "Token refresh latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entityauth",
			Name:      "token_refresh_joined_total",
			Help:      "Callers that joined an in-flight refresh instead of starting one.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityauth",
			Name:      "session_invalidations_total",
			Help:      "Invalidate-and-clear runs by reason.",
		}, []string{"reason"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityauth",
			Name:      "realtime_events_total",
			Help:      "Realtime events emitted by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		p.requests, p.requestDuration, p.refreshes, p.refreshDuration,
		p.refreshJoined, p.invalidations, p.realtimeEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveRequest(method string, status int, d time.Duration) {
	p.requests.WithLabelValues(method, StatusClass(status)).Inc()
	p.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (p *Prometheus) ObserveRefresh(result string, d time.Duration) {
	p.refreshes.WithLabelValues(result).Inc()
	p.refreshDuration.Observe(d.Seconds())
}

func (p *Prometheus) RefreshJoined() { p.refreshJoined.Inc() }

func (p *Prometheus) Invalidated(reason string) { p.invalidations.WithLabelValues(reason).Inc() }

func (p *Prometheus) RealtimeEvent(kind string) { p.realtimeEvents.WithLabelValues(kind).Inc() }

// StatusClass maps an HTTP status to "2xx".."5xx"; 0 (transport failure) maps to "error".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor exposes a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
