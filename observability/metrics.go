package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EntryPointMetrics records activity on the escrow contract's RPC entry
// points: request counts segmented by method and outcome, error counts by
// stable error code, and handler latency.
type EntryPointMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	entryPointOnce sync.Once
	entryPointReg  *EntryPointMetrics
)

// EntryPoints returns the lazily-initialised entry-point metrics registry.
func EntryPoints() *EntryPointMetrics {
	entryPointOnce.Do(func() {
		entryPointReg = &EntryPointMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "caspero",
				Subsystem: "escrow",
				Name:      "requests_total",
				Help:      "Total JSON-RPC entry point requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "caspero",
				Subsystem: "escrow",
				Name:      "errors_total",
				Help:      "Total JSON-RPC entry point errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "caspero",
				Subsystem: "escrow",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC entry point handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(entryPointReg.requests, entryPointReg.errors, entryPointReg.latency)
	})
	return entryPointReg
}

// Observe records one handled request.
func (m *EntryPointMetrics) Observe(method, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(took.Seconds())
}

// ObserveError records one failed request with its stable error code.
func (m *EntryPointMetrics) ObserveError(method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(method, code).Inc()
}
