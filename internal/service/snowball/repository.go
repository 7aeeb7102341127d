package snowball

import (
	"context"
	"time"

	"github.com/ignite/snowball-engine/internal/analytics"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/guard"
	"github.com/ignite/snowball-engine/internal/queue"
)

// Store defines the data access the intake service needs.
type Store interface {
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)

	// MemberGeneration returns the generation of an active member, or
	// domain.ErrNotFound.
	MemberGeneration(ctx context.Context, repositoryID, address string) (int, error)

	CreateEvent(ctx context.Context, ev *domain.SnowballEvent) error
	GetEvent(ctx context.Context, id string) (*domain.SnowballEvent, error)
	UpdateEvent(ctx context.Context, ev *domain.SnowballEvent) error
}

// Guard is the pre-flight quota check.
type Guard interface {
	Preflight(ctx context.Context, req guard.Request) error
	RefundUpload(ctx context.Context, uploaderID string) error
}

// Queue accepts jobs and reports their progress.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (string, error)
	GetProgress(ctx context.Context, jobID string) (*queue.Progress, error)
}

// Archive stores raw uploads.
type Archive interface {
	Put(ctx context.Context, checksum, fileName string, data []byte) (string, error)
}

// DedupCache is the best-effort membership cache.
type DedupCache interface {
	Known(ctx context.Context, repositoryID string, addresses []string) (map[string]bool, error)
}

// Analytics serves growth metrics.
type Analytics interface {
	ComputeMetrics(ctx context.Context, repositoryID string, windowDays int) (*analytics.Metrics, error)
	Report(ctx context.Context, repositoryID string, windowDays int) (*analytics.Report, error)
}
