// ============================================================================
// Beaver-Relay Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose relay metrics for Prometheus monitoring
//
// Metric Categories:
//
//   1. Send Counters - Cumulative, monotonically increasing:
//      - relay_sends_total: Total envelopes appended to an inbox
//      - relay_sends_suppressed_total: Total sends suppressed by cooldown
//      - relay_sends_duplicate_total: Total sends that were no-op duplicates
//      - relay_acks_total: Total first-time acks recorded
//      - relay_delivery_retries_total: Total delivery-guard retries scheduled
//      - relay_dead_letters_total: Total require_ack envelopes dead-lettered
//
//   2. Performance Metrics (Histogram) - Distribution stats:
//      - relay_rehydrate_duration_seconds: Full rehydrate pass duration
//      - relay_lock_wait_seconds: Time blocked acquiring an advisory lock,
//        labeled by resource
//
// HTTP Endpoint:
//   Exposed via /metrics, opt-in only (`doctor check --serve-metrics`),
//   never required for correctness. Served off a private registry so
//   repeated invocations within one process never collide on prometheus's
//   default global registry.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects relay-domain Prometheus metrics.
type Collector struct {
	sendsTotal           prometheus.Counter
	sendsSuppressedTotal prometheus.Counter
	sendsDuplicateTotal  prometheus.Counter
	acksTotal            prometheus.Counter
	retriesTotal         prometheus.Counter
	deadLettersTotal     prometheus.Counter

	rehydrateDuration prometheus.Histogram
	lockWaitSeconds   *prometheus.HistogramVec
}

// NewCollector creates a new metrics collector registered against a fresh,
// private registry.
func NewCollector() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	c := &Collector{
		sendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sends_total",
			Help: "Total number of envelopes appended to an inbox",
		}),
		sendsSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sends_suppressed_total",
			Help: "Total number of sends suppressed by the nudge cooldown",
		}),
		sendsDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sends_duplicate_total",
			Help: "Total number of sends that were no-ops due to a duplicate message id",
		}),
		acksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_acks_total",
			Help: "Total number of first-time acks recorded",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_delivery_retries_total",
			Help: "Total number of delivery-guard retries scheduled",
		}),
		deadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Total number of require_ack envelopes dead-lettered",
		}),
		rehydrateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_rehydrate_duration_seconds",
			Help:    "Wall-clock duration of a full rehydrate pass",
			Buckets: prometheus.DefBuckets,
		}),
		lockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_lock_wait_seconds",
			Help:    "Time spent blocked acquiring an advisory file lock, by resource",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
	}

	reg.MustRegister(
		c.sendsTotal,
		c.sendsSuppressedTotal,
		c.sendsDuplicateTotal,
		c.acksTotal,
		c.retriesTotal,
		c.deadLettersTotal,
		c.rehydrateDuration,
		c.lockWaitSeconds,
	)

	return c, reg
}

// RecordSend records one successful inbox append.
func (c *Collector) RecordSend() {
	c.sendsTotal.Inc()
}

// RecordSuppressed records one cooldown-suppressed send.
func (c *Collector) RecordSuppressed() {
	c.sendsSuppressedTotal.Inc()
}

// RecordDuplicate records one duplicate-id no-op send.
func (c *Collector) RecordDuplicate() {
	c.sendsDuplicateTotal.Inc()
}

// RecordAck records one first-time ack.
func (c *Collector) RecordAck() {
	c.acksTotal.Inc()
}

// RecordRetry records one delivery-guard retry.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Inc()
}

// RecordDeadLetter records one dead-lettered envelope.
func (c *Collector) RecordDeadLetter() {
	c.deadLettersTotal.Inc()
}

// ObserveRehydrate records one rehydrate pass's duration in seconds.
func (c *Collector) ObserveRehydrate(seconds float64) {
	c.rehydrateDuration.Observe(seconds)
}

// ObserveLockWait records time spent blocked acquiring resource's lock.
func (c *Collector) ObserveLockWait(resource string, seconds float64) {
	c.lockWaitSeconds.WithLabelValues(resource).Observe(seconds)
}

// ServeOnce binds addr and serves reg's /metrics until stop fires, used by
// `doctor check --serve-metrics` for one opt-in scrape window.
func ServeOnce(addr string, reg *prometheus.Registry, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-stop:
		return srv.Close()
	}
}
