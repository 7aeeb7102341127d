package analytics

import (
	"context"
	"time"

	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// DefaultScheduleInterval is how often active repositories are recomputed.
const DefaultScheduleInterval = 15 * time.Minute

// refreshParallelism bounds concurrent recomputations per tick.
const refreshParallelism = 4

// Scheduler periodically refreshes the cached metrics of repositories that
// saw upload activity since the previous tick.
type Scheduler struct {
	engine     *Engine
	store      Store
	interval   time.Duration
	windowDays int
	lastRun    time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(engine *Engine, interval time.Duration, windowDays int) *Scheduler {
	if interval <= 0 {
		interval = DefaultScheduleInterval
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Scheduler{engine: engine, store: engine.store, interval: interval, windowDays: windowDays}
}

// Start runs the refresh loop. It blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	logger.Info("analytics scheduler starting", "component", "analytics", "interval", s.interval)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("analytics scheduler stopping", "component", "analytics")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every repository active since the last run and returns
// how many were refreshed.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.engine.now()
	since := s.lastRun
	if since.IsZero() {
		since = now.Add(-s.interval)
	}

	repos, err := s.store.ActiveRepositories(ctx, since)
	if err != nil {
		logger.Error("list active repositories failed", "component", "analytics", "error", err)
		return 0
	}
	s.lastRun = now

	refreshed := make([]bool, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)
	for i, id := range repos {
		i, id := i, id
		g.Go(func() error {
			if _, err := s.engine.Refresh(gctx, id, s.windowDays); err != nil {
				logger.Warn("analytics refresh failed", "component", "analytics", "repository_id", id, "error", err)
				return nil
			}
			refreshed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range refreshed {
		if ok {
			n++
		}
	}
	if n > 0 {
		logger.Info("analytics refreshed", "component", "analytics", "repositories", n)
	}
	return n
}
