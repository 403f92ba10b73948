package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records authentication and directory metrics with Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisionsTotal      *prometheus.CounterVec
	directoryAttempts   *prometheus.CounterVec
	directoryDuration   *prometheus.HistogramVec
	cacheLookupsTotal   *prometheus.CounterVec
	cacheEntries        prometheus.Gauge
	degradedActivations prometheus.Counter
	syncWritesTotal     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// Pass a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoteauth_decisions_total",
			Help: "Authorization decisions by final state, source and error kind",
		}, []string{"state", "source", "kind"}),
		directoryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoteauth_directory_attempts_total",
			Help: "Directory resolution attempts by outcome",
		}, []string{"outcome"}),
		directoryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remoteauth_directory_duration_seconds",
			Help:    "Duration of directory resolution attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		cacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoteauth_cache_lookups_total",
			Help: "Resolution cache lookups by result (hit, miss, expired)",
		}, []string{"result"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remoteauth_cache_entries",
			Help: "Current number of cached resolutions",
		}),
		degradedActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remoteauth_degraded_mode_activations_total",
			Help: "Requests authorized from a stale resolution because the directory was unreachable",
		}),
		syncWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoteauth_sync_writes_total",
			Help: "Local user synchronization writes by result (applied, superseded, revoked)",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.decisionsTotal,
		m.directoryAttempts,
		m.directoryDuration,
		m.cacheLookupsTotal,
		m.cacheEntries,
		m.degradedActivations,
		m.syncWritesTotal,
	)
	return m
}

// RecordDecision counts a final gate decision.
func (m *Metrics) RecordDecision(state, source, kind string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(state, source, kind).Inc()
}

// ObserveDirectoryAttempt records one directory round trip.
func (m *Metrics) ObserveDirectoryAttempt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.directoryAttempts.WithLabelValues(outcome).Inc()
	m.directoryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordCacheLookup counts a cache lookup result.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries reports the current cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// RecordDegraded counts a degraded-mode fallback.
func (m *Metrics) RecordDegraded() {
	if m == nil {
		return
	}
	m.degradedActivations.Inc()
}

// RecordSyncWrite counts a local user write.
func (m *Metrics) RecordSyncWrite(result string) {
	if m == nil {
		return
	}
	m.syncWritesTotal.WithLabelValues(result).Inc()
}
