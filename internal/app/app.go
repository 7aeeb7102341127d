// Package app wires the engine's components from configuration. Both the
// worker process and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/snowball-engine/internal/analytics"
	"github.com/ignite/snowball-engine/internal/archive"
	"github.com/ignite/snowball-engine/internal/config"
	"github.com/ignite/snowball-engine/internal/dedup"
	"github.com/ignite/snowball-engine/internal/distribution"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/guard"
	"github.com/ignite/snowball-engine/internal/ingest"
	"github.com/ignite/snowball-engine/internal/notify"
	"github.com/ignite/snowball-engine/internal/pkg/distlock"
	"github.com/ignite/snowball-engine/internal/pkg/httpretry"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/pkg/metrics"
	"github.com/ignite/snowball-engine/internal/pkg/retry"
	"github.com/ignite/snowball-engine/internal/queue"
	"github.com/ignite/snowball-engine/internal/repository/memory"
	"github.com/ignite/snowball-engine/internal/repository/postgres"
	"github.com/ignite/snowball-engine/internal/service/snowball"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Store is everything the engine persists. The memory and PostgreSQL
// stores both satisfy it.
type Store interface {
	distribution.Store
	analytics.Store
	snowball.Store
	CreateRepository(ctx context.Context, r *domain.Repository) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// App holds the wired components of one process.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Registry  *prometheus.Registry
	Metrics   *metrics.Engine
	Store     Store
	Guard     *guard.Guard
	Queue     *queue.Queue
	Analytics *analytics.Engine
	Notifier  *notify.Dispatcher
	Worker    *distribution.Worker
	Consumer  *queue.Consumer
	Reaper    *queue.Reaper
	Scheduler *analytics.Scheduler
	Service   *snowball.Service
}

// New connects to the backing services and builds every component. Close
// releases what New opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewEngine(a.Registry)

	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Postgres.URL, postgres.PoolOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Store = postgres.New(db)
	} else {
		logger.Warn("no postgres url configured, using the in-memory store", "component", "app")
		a.Store = memory.New()
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	g, err := guard.New(a.Redis, guard.Limits{
		DailyUploads:     cfg.Guard.DailyUploads,
		MaxRowsPerUpload: cfg.Guard.MaxRowsPerUpload,
		MinAccountAge:    cfg.Guard.MinAccountAge,
		MinKarma:         cfg.Guard.MinKarma,
	}, guard.Rules{
		BlockedDomains:  cfg.Guard.BlockedDomains,
		BlockedPatterns: cfg.Guard.BlockedPatterns,
	})
	if err != nil {
		return err
	}
	a.Guard = g

	a.Queue = queue.New(a.Redis, queue.Options{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})
	cache := dedup.New(a.Redis, cfg.Engine.DedupCacheTTL)
	defaults := cfg.Engine.RepositoryDefaults()
	a.Analytics = analytics.NewEngine(a.Store, a.Redis, cfg.Analytics.CacheTTL).WithDefaults(defaults)

	sinks := []notify.Sink{notify.NewRedisPublisher(a.Redis, cfg.Notify.Channel)}
	if cfg.Notify.SES.Enabled {
		mailer, err := notify.NewSESMailer(ctx, notify.SESConfig{
			Region:        cfg.Notify.SES.Region,
			AccessKey:     cfg.Notify.SES.AccessKey,
			SecretKey:     cfg.Notify.SES.SecretKey,
			FromEmail:     cfg.Notify.SES.FromEmail,
			RatePerSecond: cfg.Notify.SES.RatePerSecond,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, mailer)
	}
	if hook := cfg.Notify.Webhook; hook.URL != "" {
		client := httpretry.New(&http.Client{Timeout: hook.Timeout},
			retry.Policy{MaxAttempts: hook.MaxAttempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: true})
		sinks = append(sinks, notify.NewWebhook(hook.URL, hook.Secret, client))
	}
	a.Notifier = notify.NewDispatcher(a.Metrics, sinks...)

	a.Worker = distribution.New(distribution.Deps{
		Store:     a.Store,
		Locker:    distlock.NewRedisLocker(a.Redis),
		Guard:     g,
		Progress:  a.Queue,
		Dedup:     cache,
		Analytics: a.Analytics,
		Notifier:  a.Notifier,
		Metrics:   a.Metrics,
	}, distribution.Config{
		BatchSize:           cfg.Engine.BatchSize,
		LockTTL:             cfg.Engine.LockTTL,
		LockRetry:           retry.Exponential(cfg.Engine.LockMaxAttempts, cfg.Engine.LockRetryBase, cfg.Engine.LockRetryMax),
		Defaults:            defaults,
		AnalyticsWindowDays: cfg.Analytics.WindowDays,
	})

	a.Consumer = queue.NewConsumer(a.Queue, queue.ConsumerConfig{
		Concurrency:       cfg.Queue.Concurrency,
		ProcessingTimeout: cfg.Engine.ProcessingTimeout,
		PollWait:          cfg.Queue.PollWait,
		Retry:             retry.Exponential(cfg.Queue.Attempts, cfg.Queue.BaseDelay, cfg.Queue.MaxDelay),
	}, a.Metrics)
	a.Consumer.Register(distribution.JobType, a.Worker)
	a.Consumer.OnDeadLetter(a.Worker.OnDeadLetter)
	a.Reaper = queue.NewReaper(a.Queue, cfg.Queue.ReapInterval, a.Metrics)
	a.Scheduler = analytics.NewScheduler(a.Analytics, cfg.Analytics.ScheduleInterval, cfg.Analytics.WindowDays)

	deps := snowball.Deps{
		Store:     a.Store,
		Validator: ingest.NewValidator(ingest.Options{MaxBytes: cfg.Engine.MaxFileBytes, MaxRows: cfg.Engine.MaxRows}),
		Guard:     g,
		Queue:     a.Queue,
		Dedup:     cache,
		Analytics: a.Analytics,
	}
	if cfg.Archive.Enabled {
		arc, err := archive.NewS3Archive(ctx, archive.Options{
			Bucket:  cfg.Archive.Bucket,
			Region:  cfg.Archive.Region,
			Profile: cfg.Archive.AWSProfile,
			Prefix:  cfg.Archive.Prefix,
		})
		if err != nil {
			return err
		}
		deps.Archive = arc
	}
	a.Service = snowball.NewService(deps, snowball.Config{
		Defaults:            defaults,
		AnalyticsWindowDays: cfg.Analytics.WindowDays,
	})
	return nil
}

// Run processes jobs until ctx is canceled: the consumer pool, the reaper
// and the analytics scheduler.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Consumer.Run(gctx) })
	g.Go(func() error {
		a.Reaper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.Scheduler.Start(gctx)
		return nil
	})
	return g.Wait()
}

// Close waits briefly for in-flight notifications, then closes connections.
func (a *App) Close() error {
	var err error
	if a.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.Notifier.Wait(ctx))
		cancel()
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.DB != nil {
		err = multierr.Append(err, a.DB.Close())
	}
	return err
}
