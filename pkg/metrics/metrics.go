// Package metrics exposes Prometheus metrics for the access engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing, so
// components can be wired without observability in tests.
type Metrics struct {
	registry *prometheus.Registry

	admissionsTotal  *prometheus.CounterVec
	revocationsTotal *prometheus.CounterVec

	sessionsActive prometheus.Gauge

	coaExchangesTotal *prometheus.CounterVec

	syncCyclesTotal      prometheus.Counter
	syncRevocationsTotal prometheus.Counter
	syncSweptTotal       prometheus.Counter
	syncCycleSeconds     prometheus.Histogram
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgrant_admissions_total",
				Help: "Admission attempts by backend and result",
			},
			[]string{"backend", "result"},
		),

		revocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgrant_revocations_total",
				Help: "Revocation attempts by backend and result",
			},
			[]string{"backend", "result"},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netgrant_sessions_active",
				Help: "Sessions currently tracked in the store",
			},
		),

		coaExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netgrant_coa_exchanges_total",
				Help: "RADIUS CoA and Disconnect exchanges by reply code",
			},
			[]string{"code"},
		),

		syncCyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netgrant_sync_cycles_total",
				Help: "Completed synchronizer cycles",
			},
		),

		syncRevocationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netgrant_sync_revocations_total",
				Help: "Sessions revoked because the identity provider no longer lists the user",
			},
		),

		syncSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netgrant_sync_swept_total",
				Help: "Sessions swept because they carried no expiry",
			},
		),

		syncCycleSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "netgrant_sync_cycle_seconds",
				Help:    "Synchronizer cycle duration",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
	}

	m.registry.MustRegister(
		m.admissionsTotal,
		m.revocationsTotal,
		m.sessionsActive,
		m.coaExchangesTotal,
		m.syncCyclesTotal,
		m.syncRevocationsTotal,
		m.syncSweptTotal,
		m.syncCycleSeconds,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordAdmission counts one admission attempt against a backend.
func (m *Metrics) RecordAdmission(backend string, ok bool) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(backend, result(ok)).Inc()
}

// RecordRevocation counts one revocation attempt against a backend.
func (m *Metrics) RecordRevocation(backend string, ok bool) {
	if m == nil {
		return
	}
	m.revocationsTotal.WithLabelValues(backend, result(ok)).Inc()
}

// SetActiveSessions reports the current session count from a store scan.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordCoAExchange counts one CoA or Disconnect exchange by reply code name.
func (m *Metrics) RecordCoAExchange(code string) {
	if m == nil {
		return
	}
	m.coaExchangesTotal.WithLabelValues(code).Inc()
}

// RecordSyncCycle records one completed synchronizer cycle.
func (m *Metrics) RecordSyncCycle(d time.Duration, revoked, swept int) {
	if m == nil {
		return
	}
	m.syncCyclesTotal.Inc()
	m.syncRevocationsTotal.Add(float64(revoked))
	m.syncSweptTotal.Add(float64(swept))
	m.syncCycleSeconds.Observe(d.Seconds())
}
