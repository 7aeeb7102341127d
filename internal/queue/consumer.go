package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/pkg/metrics"
	"github.com/ignite/snowball-engine/internal/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// settleTimeout bounds queue bookkeeping after the job context is gone.
const settleTimeout = 5 * time.Second

// Handler processes one delivery. Returning nil acks the job; a
// *DeferError reschedules it for free; Permanent(err) dead-letters it at
// once; any other error is retried with backoff until attempts run out.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// DeadLetterHook runs before a job is dead-lettered, e.g. to mark the
// domain record failed.
type DeadLetterHook func(ctx context.Context, d *Delivery, cause error)

// ConsumerConfig configures the worker pool.
type ConsumerConfig struct {
	Concurrency       int
	ProcessingTimeout time.Duration
	PollWait          time.Duration
	Retry             retry.Policy
}

// Consumer runs a bounded pool of workers over a Queue.
type Consumer struct {
	q        *Queue
	cfg      ConsumerConfig
	metrics  *metrics.Engine
	mu       sync.RWMutex
	handlers map[string]Handler
	onDead   []DeadLetterHook
}

// NewConsumer creates a consumer; handlers are added with Register.
func NewConsumer(q *Queue, cfg ConsumerConfig, m *metrics.Engine) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Exponential(3, 3*time.Second, 5*time.Minute)
	}
	return &Consumer{q: q, cfg: cfg, metrics: m, handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type.
func (c *Consumer) Register(jobType string, h Handler) {
	c.mu.Lock()
	c.handlers[jobType] = h
	c.mu.Unlock()
}

// OnDeadLetter adds a hook.
func (c *Consumer) OnDeadLetter(hook DeadLetterHook) {
	c.mu.Lock()
	c.onDead = append(c.onDead, hook)
	c.mu.Unlock()
}

// Run blocks until ctx is canceled, processing jobs with Concurrency
// workers. It returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("consumer starting", "component", "queue", "queue", c.q.Name(),
		"concurrency", c.cfg.Concurrency, "timeout", c.cfg.ProcessingTimeout)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error { return c.loop(gctx, worker) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("consumer stopped", "component", "queue", "queue", c.q.Name())
	return err
}

func (c *Consumer) loop(ctx context.Context, worker int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d, err := c.q.Dequeue(ctx, c.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("dequeue failed", "component", "queue", "worker", worker, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}
		c.Process(ctx, d)
	}
}

// Process runs one delivery through its handler and settles it.
func (c *Consumer) Process(ctx context.Context, d *Delivery) {
	if c.cfg.Retry.MaxAttempts > 0 && d.Attempt > c.cfg.Retry.MaxAttempts {
		c.deadLetter(ctx, d, fmt.Errorf("redelivered beyond %d attempts", c.cfg.Retry.MaxAttempts))
		return
	}

	c.mu.RLock()
	h, ok := c.handlers[d.Job.Type]
	c.mu.RUnlock()
	if !ok {
		c.deadLetter(ctx, d, fmt.Errorf("%w: %s", ErrUnknownJobType, d.Job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
	start := time.Now()
	err := safeHandle(jobCtx, h, d)
	cancel()

	settleCtx, done := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer done()

	var deferErr *DeferError
	switch {
	case err == nil:
		if err := c.q.Ack(settleCtx, d); err != nil {
			logger.Warn("ack failed", "component", "queue", "job_id", d.Job.ID, "error", err)
		}
		c.metrics.JobProcessed("ok")
		logger.Debug("job done", "component", "queue", "job_id", d.Job.ID, "took", time.Since(start))

	case errors.As(err, &deferErr):
		if err := c.q.Defer(settleCtx, d, deferErr.Delay); err != nil {
			logger.Warn("defer failed", "component", "queue", "job_id", d.Job.ID, "error", err)
		}
		c.metrics.JobProcessed("deferred")
		logger.Info("job deferred", "component", "queue", "job_id", d.Job.ID,
			"delay", deferErr.Delay, "reason", deferErr.Reason, "deferrals", d.Deferrals+1)

	case ctx.Err() != nil:
		// Shutdown interrupted the handler; hand the job back without
		// charging the attempt.
		if err := c.q.Defer(settleCtx, d, 0); err != nil {
			logger.Warn("requeue on shutdown failed", "component", "queue", "job_id", d.Job.ID, "error", err)
		}

	case IsPermanent(err):
		c.deadLetter(settleCtx, d, err)

	case c.cfg.Retry.Exhausted(d.Attempt):
		c.deadLetter(settleCtx, d, err)

	default:
		delay := c.cfg.Retry.Delay(d.Attempt)
		if err := c.q.Retry(settleCtx, d, delay); err != nil {
			logger.Warn("retry failed", "component", "queue", "job_id", d.Job.ID, "error", err)
		}
		c.metrics.JobProcessed("retry")
		logger.Warn("job failed, retrying", "component", "queue", "job_id", d.Job.ID,
			"attempt", d.Attempt, "delay", delay, "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d *Delivery, cause error) {
	logger.Error("job dead-lettered", "component", "queue", "job_id", d.Job.ID,
		"type", d.Job.Type, "attempt", d.Attempt, "error", cause)

	c.mu.RLock()
	hooks := append([]DeadLetterHook(nil), c.onDead...)
	c.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, d, cause)
	}

	if err := c.q.DeadLetter(ctx, d, cause); err != nil {
		logger.Warn("dead-letter failed", "component", "queue", "job_id", d.Job.ID, "error", err)
	}
	c.metrics.JobProcessed("dead")
}

func safeHandle(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "component", "queue", "job_id", d.Job.ID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
