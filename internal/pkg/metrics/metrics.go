// Package metrics holds the Prometheus collectors of the distribution engine.
// Every method is safe on a nil *Engine so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snowball"

// Engine records distribution pipeline metrics.
type Engine struct {
	jobs          *prometheus.CounterVec
	batches       prometheus.Counter
	rows          *prometheus.CounterVec
	lockBusy      prometheus.Counter
	eventsFailed  *prometheus.CounterVec
	batchDuration prometheus.Histogram
	notifyFailed  *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewEngine registers the engine metrics on the provided registerer.
func NewEngine(reg prometheus.Registerer) *Engine {
	if reg == nil {
		return nil
	}
	m := &Engine{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Queue jobs handled, by result.",
		}, []string{"result"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Batches committed under a repository lock.",
		}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Upload rows by final outcome.",
		}, []string{"outcome"}),
		lockBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that found the repository busy.",
		}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Events that ended failed or were cut short, by reason.",
		}, []string{"reason"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent inside the repository lock per batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notification deliveries that failed, by sink.",
		}, []string{"sink"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs in the durable queue, by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.jobs, m.batches, m.rows, m.lockBusy, m.eventsFailed, m.batchDuration, m.notifyFailed, m.queueDepth)
	return m
}

// JobProcessed counts a handled job ("ok", "retry", "deferred", "dead").
func (m *Engine) JobProcessed(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(normalizeLabel(result)).Inc()
}

// BatchCommitted records one committed batch and its lock hold time.
func (m *Engine) BatchCommitted(d time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.batchDuration.Observe(d.Seconds())
}

// Rows adds n rows with the given outcome.
func (m *Engine) Rows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(normalizeLabel(outcome)).Add(float64(n))
}

// LockBusy counts a contended lock acquisition.
func (m *Engine) LockBusy() {
	if m == nil {
		return
	}
	m.lockBusy.Inc()
}

// EventFailed is the operator-visible failure signal.
func (m *Engine) EventFailed(reason string) {
	if m == nil {
		return
	}
	m.eventsFailed.WithLabelValues(normalizeLabel(reason)).Inc()
}

// NotificationFailed counts a failed delivery on sink.
func (m *Engine) NotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.notifyFailed.WithLabelValues(normalizeLabel(sink)).Inc()
}

// QueueDepth sets the gauge for one queue state.
func (m *Engine) QueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(state)).Set(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
