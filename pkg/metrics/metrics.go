// Package metrics exposes ctdbd's Prometheus surface: package-level
// collector vars, an init() registering them, and a Handler() for wiring
// into an HTTP mux. The gauges and histograms cover the daemon's hot
// paths — lock waits, call hop counts, freeze and recovery duration,
// reqid table occupancy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodesConnected tracks cluster membership by connectivity.
	NodesConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctdb_nodes_total",
			Help: "Total number of nodes by connectivity status",
		},
		[]string{"status"},
	)

	// DatabasesAttached counts attached databases by priority.
	DatabasesAttached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctdb_databases_attached",
			Help: "Number of attached databases by priority",
		},
		[]string{"priority"},
	)

	// ReqIDsInFlight is the reqid registry's current occupancy.
	ReqIDsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctdb_reqids_in_flight",
			Help: "Number of reqid slots currently allocated",
		},
	)

	// LockWaiters is the lock coordinator's current pending-request count.
	LockWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctdb_lock_pending",
			Help: "Number of chain-lock requests currently queued",
		},
	)

	// LockAcquireDuration is how long a chain lock request waited before
	// being granted, by lock type. The buckets surface tail behavior:
	// sub-ms through 64s, with everything slower falling into +Inf.
	LockAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctdb_lock_acquire_duration_seconds",
			Help:    "Time spent waiting to acquire a chain lock",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"type"},
	)

	// CallHopCount observes, for every REQ_CALL a node receives, the
	// call's hop number at that node (1 at the first node it reaches).
	CallHopCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctdb_call_hop_count",
			Help:    "Hop number of each REQ_CALL at the node receiving it",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
		},
	)

	// CallDuration is a REQ_CALL's end-to-end latency as observed by the
	// node that originated it.
	CallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctdb_call_duration_seconds",
			Help:    "End-to-end REQ_CALL latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FreezeDuration is how long a priority stayed frozen.
	FreezeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctdb_freeze_duration_seconds",
			Help:    "Time a database priority spent frozen",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// RecoveryDuration is a full recovery run's wall-clock time, from
	// freeze through thaw.
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctdb_recovery_duration_seconds",
			Help:    "Time taken by a full recovery run",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// RecoveriesTotal counts completed recovery runs.
	RecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctdb_recoveries_total",
			Help: "Total number of completed recovery runs",
		},
	)

	// VacuumDeletesTotal counts records a vacuum pass reclaimed.
	VacuumDeletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctdb_vacuum_deletes_total",
			Help: "Total number of empty records reclaimed by the vacuum pass",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesConnected)
	prometheus.MustRegister(DatabasesAttached)
	prometheus.MustRegister(ReqIDsInFlight)
	prometheus.MustRegister(LockWaiters)
	prometheus.MustRegister(LockAcquireDuration)
	prometheus.MustRegister(CallHopCount)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(FreezeDuration)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(VacuumDeletesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
