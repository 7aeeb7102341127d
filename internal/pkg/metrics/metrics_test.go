package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngine(reg)

	m.JobProcessed("ok")
	m.JobProcessed("ok")
	m.JobProcessed("")
	m.Rows("added", 40)
	m.Rows("rejected", 0)
	m.EventFailed("lock_timeout")
	m.BatchCommitted(20 * time.Millisecond)
	m.LockBusy()
	m.QueueDepth("ready", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("unknown")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.rows.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsFailed.WithLabelValues("lock_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockBusy))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("ready")))
	// zero-row adds do not create a series
	assert.Equal(t, 1, testutil.CollectAndCount(m.rows))
}

func TestNilEngineIsNoop(t *testing.T) {
	var m *Engine
	assert.Nil(t, NewEngine(nil))
	assert.NotPanics(t, func() {
		m.JobProcessed("ok")
		m.BatchCommitted(time.Second)
		m.Rows("added", 1)
		m.LockBusy()
		m.EventFailed("system_error")
		m.NotificationFailed("ses")
		m.QueueDepth("ready", 1)
	})
}
