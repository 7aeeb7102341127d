// Package distribution applies queued uploads to repositories: batch by
// batch, each batch committed atomically under the repository lock.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/snowball-engine/internal/analytics"
	"github.com/ignite/snowball-engine/internal/dedup"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/guard"
	"github.com/ignite/snowball-engine/internal/ingest"
	"github.com/ignite/snowball-engine/internal/notify"
	"github.com/ignite/snowball-engine/internal/pkg/distlock"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/pkg/metrics"
	"github.com/ignite/snowball-engine/internal/pkg/retry"
	"github.com/ignite/snowball-engine/internal/queue"
)

// DefaultBatchSize is the number of candidates committed per lock window.
const DefaultBatchSize = 100

// errEventClosed stops the batch loop after the event was made terminal.
var errEventClosed = errors.New("distribution: event closed")

// Store is the persistence the worker needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*domain.SnowballEvent, error)
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	// FindCompletedByHash returns a completed event other than excludeEventID
	// with the same content, or domain.ErrNotFound.
	FindCompletedByHash(ctx context.Context, repositoryID, contentHash, excludeEventID string) (*domain.SnowballEvent, error)
	// ExistingAddresses returns which of addresses are active members.
	ExistingAddresses(ctx context.Context, repositoryID string, addresses []string) (map[string]bool, error)
	CommitBatch(ctx context.Context, c *domain.BatchCommit) (*domain.BatchResult, error)
	// MarkProcessing moves a pending event to processing if its cursor is
	// still at cursor. It reports whether the row changed.
	MarkProcessing(ctx context.Context, id string, cursor int, at time.Time) (bool, error)
	UpdateEvent(ctx context.Context, ev *domain.SnowballEvent) error
}

// Guard is the per-batch policy check.
type Guard interface {
	Screen(ctx context.Context, emails []string) (map[string]domain.Reason, error)
	CheckBatch(ctx context.Context, uploaderID, repositoryID string, want, dailyAddLimit int) (int, error)
	RefundAdds(ctx context.Context, repositoryID string, n int) error
}

// ProgressSink receives per-batch progress and keeps the delivery leased
// while batches commit.
type ProgressSink interface {
	SetProgress(ctx context.Context, jobID string, p queue.Progress) error
	Touch(ctx context.Context, d *queue.Delivery) error
}

// Analyzer recomputes growth metrics after an event finishes and drops
// cached metrics when membership changes.
type Analyzer interface {
	Refresh(ctx context.Context, repositoryID string, windowDays int) (*analytics.Metrics, error)
	Invalidate(ctx context.Context, repositoryID string, windowDays int)
}

// Notifier delivers outcome notifications without blocking.
type Notifier interface {
	Publish(ctx context.Context, n notify.Notification)
}

// Config tunes the worker.
type Config struct {
	BatchSize           int
	LockTTL             time.Duration
	LockRetry           retry.Policy
	Defaults            domain.RepositorySettings
	AnalyticsWindowDays int
}

// Deps are the worker's collaborators. Progress, Dedup, Analytics, Notifier
// and Metrics are optional.
type Deps struct {
	Store     Store
	Locker    distlock.Locker
	Guard     Guard
	Progress  ProgressSink
	Dedup     *dedup.Cache
	Analytics Analyzer
	Notifier  Notifier
	Metrics   *metrics.Engine
}

// Worker handles process-snowball jobs.
type Worker struct {
	store     Store
	locker    distlock.Locker
	guard     Guard
	progress  ProgressSink
	dedup     *dedup.Cache
	analytics Analyzer
	notifier  Notifier
	metrics   *metrics.Engine
	cfg       Config
	now       func() time.Time
}

// New creates a worker.
func New(deps Deps, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockRetry.MaxAttempts <= 0 {
		cfg.LockRetry = retry.Exponential(8, 250*time.Millisecond, 15*time.Second)
	}
	if cfg.Defaults.MaxGenerationDepth <= 0 {
		cfg.Defaults.MaxGenerationDepth = 5
	}
	return &Worker{
		store:     deps.Store,
		locker:    deps.Locker,
		guard:     deps.Guard,
		progress:  deps.Progress,
		dedup:     deps.Dedup,
		analytics: deps.Analytics,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one delivery. Validation and policy outcomes become row
// outcomes; only infrastructure failures are returned for retry.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) error {
	p, err := DecodePayload(d.Job)
	if err != nil {
		return queue.Permanent(err)
	}

	ev, err := w.store.GetEvent(ctx, p.EventID)
	if errors.Is(err, domain.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("distribution: event %s: %w", p.EventID, err))
	}
	if err != nil {
		return fmt.Errorf("distribution: load event: %w", err)
	}
	if ev.Status.Terminal() {
		logger.Info("event already finished, skipping", "component", "distribution",
			"event_id", ev.ID, "status", string(ev.Status))
		return nil
	}
	if ev.RepositoryID != p.RepositoryID || ev.Cursor > len(p.Emails) {
		return queue.Permanent(fmt.Errorf("distribution: job does not match event %s", ev.ID))
	}

	repo, err := w.store.GetRepository(ctx, ev.RepositoryID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && repo.Deleted()) {
		w.rejectRemaining(ev, p, domain.ReasonRepoUnavailable)
		return w.fail(ctx, ev, domain.ReasonRepoUnavailable, w.cfg.Defaults.MaxGenerationDepth)
	}
	if err != nil {
		return fmt.Errorf("distribution: load repository: %w", err)
	}
	settings := repo.Settings.Merge(w.cfg.Defaults)

	if ev.ContentHash != "" {
		prior, err := w.store.FindCompletedByHash(ctx, ev.RepositoryID, ev.ContentHash, ev.ID)
		switch {
		case err == nil:
			logger.Info("content already applied, short-circuiting", "component", "distribution",
				"event_id", ev.ID, "prior_event_id", prior.ID)
			w.resolveRemaining(ev, p, domain.OutcomeDuplicate, domain.ReasonDuplicateUpload)
			return w.complete(ctx, ev, settings)
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("distribution: idempotency check: %w", err)
		}
	}

	if ev.Status == domain.EventPending {
		now := w.now()
		changed, err := w.store.MarkProcessing(ctx, ev.ID, ev.Cursor, now)
		if err != nil {
			return fmt.Errorf("distribution: mark processing: %w", err)
		}
		if !changed {
			// Another delivery got there first; continue from its state.
			if ev, err = w.store.GetEvent(ctx, ev.ID); err != nil {
				return fmt.Errorf("distribution: reload event: %w", err)
			}
			if ev.Status.Terminal() {
				return nil
			}
		} else {
			ev.Status, ev.UpdatedAt = domain.EventProcessing, now
		}
	}

	if ev.Generation > settings.MaxGenerationDepth {
		w.rejectRemaining(ev, p, domain.ReasonGenerationLimit)
		return w.fail(ctx, ev, domain.ReasonGenerationLimit, settings.MaxGenerationDepth)
	}

	for ev.Cursor < len(p.Emails) {
		next, err := w.processBatch(ctx, d, ev, p, settings)
		if errors.Is(err, errEventClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		ev = next
	}
	return w.complete(ctx, ev, settings)
}

// processBatch commits the next batch and returns the advanced event.
func (w *Worker) processBatch(ctx context.Context, d *queue.Delivery, ev *domain.SnowballEvent, p *Payload, settings domain.RepositorySettings) (*domain.SnowballEvent, error) {
	end := min(ev.Cursor+w.cfg.BatchSize, len(p.Emails))
	batch := p.Emails[ev.Cursor:end]

	addresses := make([]string, len(batch))
	for i, c := range batch {
		addresses[i] = c.Email
	}
	blocked, err := w.guard.Screen(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("distribution: screen: %w", err)
	}

	token, err := w.locker.Acquire(ctx, ev.RepositoryID, w.cfg.LockTTL)
	if errors.Is(err, distlock.ErrBusy) {
		return nil, w.lockBusy(ctx, d, ev, p, settings)
	}
	if err != nil {
		return nil, fmt.Errorf("distribution: lock: %w", err)
	}

	held, stop := distlock.Hold(ctx, w.locker, ev.RepositoryID, token, w.cfg.LockTTL)
	start := time.Now()
	res, commit, err := w.commitLocked(held, ev, batch, blocked, settings)
	stop()
	if _, relErr := w.locker.Release(context.WithoutCancel(ctx), ev.RepositoryID, token); relErr != nil {
		logger.Warn("lock release failed", "component", "distribution", "repository_id", ev.RepositoryID, "error", relErr)
	}

	if errors.Is(err, domain.ErrCursorMismatch) {
		// Another delivery committed this batch first; continue from the
		// persisted cursor.
		fresh, loadErr := w.store.GetEvent(ctx, ev.ID)
		if loadErr != nil {
			return nil, fmt.Errorf("distribution: reload event: %w", loadErr)
		}
		if fresh.Status.Terminal() {
			return nil, errEventClosed
		}
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}

	w.metrics.BatchCommitted(time.Since(start))
	counts := make(map[domain.Outcome]int)
	for _, o := range res.Event.Outcomes[len(res.Event.Outcomes)-len(commit.Outcomes):] {
		counts[o.Outcome]++
	}
	for outcome, n := range counts {
		w.metrics.Rows(string(outcome), n)
	}

	if err := w.dedup.Mark(ctx, ev.RepositoryID, res.Inserted); err != nil {
		logger.Warn("dedup cache write failed", "component", "distribution", "event_id", ev.ID, "error", err)
	}
	if w.analytics != nil && len(res.Inserted) > 0 {
		w.analytics.Invalidate(ctx, ev.RepositoryID, w.cfg.AnalyticsWindowDays)
	}

	// Lock retries are budgeted per batch.
	d.Deferrals = 0
	if w.progress != nil {
		if err := w.progress.Touch(ctx, d); err != nil {
			logger.Warn("delivery lease not extended", "component", "distribution", "event_id", ev.ID, "error", err)
		}
		pr := queue.Progress{Processed: res.Event.Cursor, Total: len(p.Emails), Stage: "distributing", UpdatedAt: w.now()}
		if err := w.progress.SetProgress(ctx, d.Job.ID, pr); err != nil {
			logger.Warn("progress update failed", "component", "distribution", "event_id", ev.ID, "error", err)
		}
	}

	logger.Debug("batch committed", "component", "distribution", "event_id", ev.ID,
		"cursor", res.Event.Cursor, "inserted", len(res.Inserted), "total_members", res.Stats.TotalEmails)
	return res.Event, nil
}

// commitLocked runs inside the repository lock. It re-reads repository
// state so decisions never rest on a snapshot taken before the lock.
func (w *Worker) commitLocked(ctx context.Context, ev *domain.SnowballEvent, batch []ingest.Candidate, blocked map[string]domain.Reason, settings domain.RepositorySettings) (*domain.BatchResult, *domain.BatchCommit, error) {
	repo, err := w.store.GetRepository(ctx, ev.RepositoryID)
	if err != nil {
		return nil, nil, fmt.Errorf("distribution: reload repository: %w", err)
	}

	var candidates []string
	for _, c := range batch {
		if _, ok := blocked[c.Email]; !ok {
			candidates = append(candidates, c.Email)
		}
	}
	existing, err := w.store.ExistingAddresses(ctx, ev.RepositoryID, candidates)
	if err != nil {
		return nil, nil, fmt.Errorf("distribution: read members: %w", err)
	}

	netNew := 0
	for _, a := range candidates {
		if !existing[a] {
			netNew++
		}
	}

	granted := 0
	var denial domain.Reason
	if netNew > 0 {
		granted, err = w.guard.CheckBatch(ctx, ev.UploaderID, ev.RepositoryID, netNew, settings.DailyAddLimit)
		if reason, denied := guard.DenialReason(err); denied {
			denial = domain.ReasonDailyLimit
			if reason == guard.ReasonUploaderBlocked {
				denial = domain.ReasonUploaderBlocked
			}
			granted, err = 0, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("distribution: add budget: %w", err)
		}
	}

	status := domain.VerificationPending
	if settings.AutoApproveEnabled() && analytics.QualityScore(repo.Stats, settings.QualityWeights) >= settings.QualityThreshold {
		status = domain.VerificationVerified
	}

	now := w.now()
	commit := &domain.BatchCommit{
		EventID:        ev.ID,
		RepositoryID:   ev.RepositoryID,
		ExpectedCursor: ev.Cursor,
		NextCursor:     ev.Cursor + len(batch),
		Now:            now,
	}
	for _, c := range batch {
		o := domain.RowOutcome{Row: c.RowIndex, Email: c.Email}
		switch reason, isBlocked := blocked[c.Email]; {
		case isBlocked:
			o.Outcome, o.Reason = domain.OutcomeRejected, reason
		case existing[c.Email]:
			o.Outcome, o.Reason = domain.OutcomeDuplicate, domain.ReasonAlreadyMember
		case denial != "":
			o.Outcome, o.Reason = domain.OutcomeRejected, denial
		case granted == 0:
			o.Outcome, o.Reason = domain.OutcomeRejected, domain.ReasonDailyLimit
		default:
			granted--
			o.Outcome = domain.OutcomeAdded
			if status == domain.VerificationPending {
				o.Reason = domain.ReasonPendingReview
			}
			commit.Members = append(commit.Members, newMember(ev, c, status, settings, now))
		}
		commit.Outcomes = append(commit.Outcomes, o)
	}

	res, err := w.store.CommitBatch(ctx, commit)
	if err != nil {
		w.refund(ev.RepositoryID, len(commit.Members))
		return nil, commit, fmt.Errorf("distribution: commit batch: %w", err)
	}
	if unused := len(commit.Members) - len(res.Inserted); unused > 0 {
		w.refund(ev.RepositoryID, unused)
	}
	return res, commit, nil
}

func (w *Worker) refund(repositoryID string, n int) {
	if n <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.guard.RefundAdds(ctx, repositoryID, n); err != nil {
		logger.Warn("add budget refund failed", "component", "distribution", "repository_id", repositoryID, "error", err)
	}
}

func newMember(ev *domain.SnowballEvent, c ingest.Candidate, status domain.VerificationStatus, settings domain.RepositorySettings, now time.Time) domain.Member {
	m := domain.Member{
		ID:                 uuid.NewString(),
		RepositoryID:       ev.RepositoryID,
		Address:            c.Email,
		Name:               c.Name,
		Company:            c.Company,
		Tags:               c.Tags,
		AddedBy:            ev.UploaderID,
		AddedAt:            now,
		Source:             domain.SourceCSV,
		VerificationStatus: status,
		OptIn:              c.Subscribed == nil || *c.Subscribed,
		SnowballGeneration: ev.Generation,
		EventID:            ev.ID,
	}
	if settings.DoubleOptInEnabled() {
		m.OptIn = false
	}
	if ev.Generation > 0 {
		m.Source = domain.SourceSnowball
		if ev.UploaderEmail != "" {
			parent := ev.UploaderEmail
			m.ParentEmail = &parent
		}
	}
	return m
}

// lockBusy defers the job, or fails the event once lock retries for the
// current batch run out. d.Deferrals restarts at zero after every commit.
func (w *Worker) lockBusy(ctx context.Context, d *queue.Delivery, ev *domain.SnowballEvent, p *Payload, settings domain.RepositorySettings) error {
	w.metrics.LockBusy()
	attempt := d.Deferrals + 1
	if w.cfg.LockRetry.Exhausted(attempt) {
		logger.Warn("repository lock retries exhausted", "component", "distribution",
			"event_id", ev.ID, "repository_id", ev.RepositoryID, "attempts", attempt)
		w.rejectRemaining(ev, p, domain.ReasonLockTimeout)
		if err := w.fail(ctx, ev, domain.ReasonLockTimeout, settings.MaxGenerationDepth); err != nil {
			return err
		}
		return errEventClosed
	}
	return queue.Defer(w.cfg.LockRetry.Delay(attempt), "repository locked")
}

// OnDeadLetter closes the event of a job the queue gave up on. It is
// registered as a queue.DeadLetterHook.
func (w *Worker) OnDeadLetter(ctx context.Context, d *queue.Delivery, cause error) {
	if d.Job.Type != JobType {
		return
	}
	p, err := DecodePayload(d.Job)
	if err != nil {
		logger.Error("dead-lettered job has no usable payload", "component", "distribution", "job_id", d.Job.ID, "error", err)
		return
	}
	ev, err := w.store.GetEvent(ctx, p.EventID)
	if err != nil {
		logger.Error("dead-lettered job event unavailable", "component", "distribution", "event_id", p.EventID, "error", err)
		return
	}
	if ev.Status.Terminal() {
		return
	}
	if ev.Cursor > len(p.Emails) {
		ev.Cursor = len(p.Emails)
	}

	logger.Error("event failed after retries", "component", "distribution",
		"event_id", ev.ID, "repository_id", ev.RepositoryID, "cause", cause)
	w.rejectRemaining(ev, p, domain.ReasonSystemError)
	if err := w.fail(ctx, ev, domain.ReasonSystemError, w.cfg.Defaults.MaxGenerationDepth); err != nil {
		logger.Error("failed to record event failure", "component", "distribution", "event_id", ev.ID, "error", err)
	}
}

func (w *Worker) rejectRemaining(ev *domain.SnowballEvent, p *Payload, reason domain.Reason) {
	w.resolveRemaining(ev, p, domain.OutcomeRejected, reason)
}

// resolveRemaining gives every unprocessed candidate the same outcome.
func (w *Worker) resolveRemaining(ev *domain.SnowballEvent, p *Payload, outcome domain.Outcome, reason domain.Reason) {
	rest := p.Emails[ev.Cursor:]
	outs := make([]domain.RowOutcome, len(rest))
	for i, c := range rest {
		outs[i] = domain.RowOutcome{Row: c.RowIndex, Email: c.Email, Outcome: outcome, Reason: reason}
	}
	ev.Outcomes = append(ev.Outcomes, outs...)
	ev.Stats.RecordAll(outs)
	ev.Cursor = len(p.Emails)
	if len(outs) > 0 {
		w.metrics.Rows(string(outcome), len(outs))
	}
}

func (w *Worker) complete(ctx context.Context, ev *domain.SnowballEvent, settings domain.RepositorySettings) error {
	ev.Finalize(w.now())
	if err := w.store.UpdateEvent(ctx, ev); err != nil {
		return fmt.Errorf("distribution: finalize event: %w", err)
	}
	logger.Info("event finished", "component", "distribution", "event_id", ev.ID,
		"status", string(ev.Status), "added", ev.Stats.Added,
		"duplicates", ev.Stats.Duplicates, "rejected", ev.Stats.Rejected)
	w.announce(ctx, ev, settings.MaxGenerationDepth)
	return nil
}

func (w *Worker) fail(ctx context.Context, ev *domain.SnowballEvent, reason domain.Reason, maxDepth int) error {
	ev.Abort(reason, w.now())
	if err := w.store.UpdateEvent(ctx, ev); err != nil {
		return fmt.Errorf("distribution: record failure: %w", err)
	}
	w.metrics.EventFailed(string(reason))
	logger.Error("event aborted", "component", "distribution", "event_id", ev.ID,
		"repository_id", ev.RepositoryID, "status", string(ev.Status), "reason", string(reason))
	w.announce(ctx, ev, maxDepth)
	return nil
}

// announce refreshes analytics and publishes the outcome. Neither can
// affect the event.
func (w *Worker) announce(ctx context.Context, ev *domain.SnowballEvent, maxDepth int) {
	potential := ev.NextGenPotential(maxDepth)

	coefficient := 0.0
	if w.analytics != nil && ev.Stats.Added > 0 {
		m, err := w.analytics.Refresh(ctx, ev.RepositoryID, w.cfg.AnalyticsWindowDays)
		if err != nil {
			logger.Warn("analytics refresh failed", "component", "distribution", "repository_id", ev.RepositoryID, "error", err)
		} else {
			coefficient = m.ViralCoefficient
		}
	}

	if w.notifier != nil {
		w.notifier.Publish(ctx, notify.ForEvent(ev, potential, coefficient))
	}
}
