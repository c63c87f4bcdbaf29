package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the server. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	PairingEvents     *prometheus.CounterVec
	UnlockAttempts    *prometheus.CounterVec
	SandboxRejections prometheus.Counter
	RateLimited       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

// New registers the collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PairingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropshelf",
			Subsystem: "pairing",
			Name:      "events_total",
			Help:      "Pairing handshake transitions by flow and outcome.",
		}, []string{"flow", "outcome"}), // flow: login, join, transfer
		UnlockAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropshelf",
			Subsystem: "access",
			Name:      "unlock_attempts_total",
			Help:      "Private tenant unlock attempts by result.",
		}, []string{"result"}),
		SandboxRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dropshelf",
			Subsystem: "access",
			Name:      "sandbox_rejections_total",
			Help:      "Caller paths rejected by the path sandbox.",
		}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropshelf",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"limiter"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropshelf",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
