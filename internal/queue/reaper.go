package queue

import (
	"context"
	"time"

	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/pkg/metrics"
)

// DefaultReapInterval is how often expired deliveries are reclaimed.
const DefaultReapInterval = 30 * time.Second

// Reaper periodically redelivers jobs whose worker died or stalled past the
// visibility timeout, and publishes queue depths.
type Reaper struct {
	q        *Queue
	interval time.Duration
	metrics  *metrics.Engine
}

// NewReaper creates a reaper.
func NewReaper(q *Queue, interval time.Duration, m *metrics.Engine) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{q: q, interval: interval, metrics: m}
}

// Start begins the reap loop. It blocks until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	logger.Info("reaper starting", "component", "queue", "queue", r.q.Name(), "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reaper stopping", "component", "queue")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reaps one batch and refreshes the depth gauges.
func (r *Reaper) RunOnce(ctx context.Context) int {
	n, err := r.q.Reap(ctx)
	if err != nil {
		logger.Error("reap failed", "component", "queue", "error", err)
		return 0
	}
	if n > 0 {
		logger.Warn("redelivering expired jobs", "component", "queue", "count", n)
	}

	if stats, err := r.q.Stats(ctx); err == nil {
		r.metrics.QueueDepth("ready", stats.Ready)
		r.metrics.QueueDepth("delayed", stats.Delayed)
		r.metrics.QueueDepth("processing", stats.Processing)
		r.metrics.QueueDepth("dead", stats.Dead)
	}
	return n
}
