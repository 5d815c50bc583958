package wf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for engine monitoring.
//
// Metrics exposed (all namespaced with "duraflow_"):
//
//  1. ticks_total (counter): Engine ticks executed, labeled by final status.
//  2. cas_conflicts_total (counter): CAS conflicts absorbed by retry loops,
//     labeled by operation.
//  3. activities_completed_total / activities_failed_total (counters).
//  4. activity_retries_total (counter): Retry backoffs scheduled.
//  5. lease_extensions_total (counter): Successful heartbeat extensions.
//  6. tick_latency_ms (histogram): Tick duration including CAS retries.
//  7. decider_commands_total (counter): Commands applied, labeled by type.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := wf.NewMetrics(registry)
//	engine := wf.New(store, deciders, wf.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: prometheus collectors handle their own synchronization.
type Metrics struct {
	ticks           *prometheus.CounterVec
	casConflicts    *prometheus.CounterVec
	activitiesDone  prometheus.Counter
	activitiesFail  prometheus.Counter
	activityRetries prometheus.Counter
	leaseExtensions prometheus.Counter
	tickLatency     prometheus.Histogram
	deciderCommands *prometheus.CounterVec
}

// NewMetrics creates engine metrics registered on the given registerer.
// Pass prometheus.DefaultRegisterer to use the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ticks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_ticks_total",
			Help: "Engine ticks executed, labeled by resulting workflow status.",
		}, []string{"status"}),
		casConflicts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_cas_conflicts_total",
			Help: "CAS conflicts absorbed by engine retry loops.",
		}, []string{"op"}),
		activitiesDone: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duraflow_activities_completed_total",
			Help: "Activities completed successfully.",
		}),
		activitiesFail: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duraflow_activities_failed_total",
			Help: "Activities that exhausted their retries.",
		}),
		activityRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duraflow_activity_retries_total",
			Help: "Retry backoffs scheduled for failed activities.",
		}),
		leaseExtensions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "duraflow_lease_extensions_total",
			Help: "Successful lease heartbeat extensions.",
		}),
		tickLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "duraflow_tick_latency_ms",
			Help:    "Tick duration in milliseconds, including CAS retries.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		deciderCommands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "duraflow_decider_commands_total",
			Help: "Decider commands applied, labeled by command type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) observeTick(status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(string(status)).Inc()
	m.tickLatency.Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) observeConflict(op string) {
	if m == nil {
		return
	}
	m.casConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) observeActivityDone() {
	if m == nil {
		return
	}
	m.activitiesDone.Inc()
}

func (m *Metrics) observeActivityFailed() {
	if m == nil {
		return
	}
	m.activitiesFail.Inc()
}

func (m *Metrics) observeActivityRetry() {
	if m == nil {
		return
	}
	m.activityRetries.Inc()
}

func (m *Metrics) observeLeaseExtension() {
	if m == nil {
		return
	}
	m.leaseExtensions.Inc()
}

func (m *Metrics) observeCommand(t CommandType) {
	if m == nil {
		return
	}
	m.deciderCommands.WithLabelValues(string(t)).Inc()
}
