package snowball

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ignite/snowball-engine/internal/analytics"
	"github.com/ignite/snowball-engine/internal/distribution"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/guard"
	"github.com/ignite/snowball-engine/internal/ingest"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/queue"
)

// UploadRequest is one CSV submitted to a repository. Identity checks have
// already passed; AccountAge and Karma are only compared against limits.
type UploadRequest struct {
	RepositoryID  string `validate:"required"`
	UploaderID    string `validate:"required"`
	UploaderEmail string `validate:"omitempty,email"`
	FileName      string
	File          io.Reader `validate:"required"`
	ParentEventID string
	AccountAge    time.Duration
	Karma         int
	Priority      int `validate:"gte=-100,lte=100"`
}

// Receipt is returned for an accepted upload.
type Receipt struct {
	EventID             string             `json:"eventId"`
	Status              domain.EventStatus `json:"status"`
	Generation          int                `json:"generation"`
	TotalRows           int                `json:"totalRows"`
	Candidates          int                `json:"candidates"`
	Rejected            int                `json:"rejected"`
	InFileDuplicates    int                `json:"inFileDuplicates"`
	EstimatedDuplicates int                `json:"estimatedDuplicates"`
	ContentHash         string             `json:"contentHash"`
	ArchiveKey          string             `json:"archiveKey,omitempty"`
}

// StatusStats is the counter block of the status view.
type StatusStats struct {
	TotalEmails int `json:"totalEmails"`
	Processed   int `json:"processed"`
	Added       int `json:"added"`
	Rejected    int `json:"rejected"`
	Duplicates  int `json:"duplicates"`
}

// SnowballEffect is the forward-looking block of the status view.
type SnowballEffect struct {
	NextGenPotential int     `json:"nextGenPotential"`
	ViralCoefficient float64 `json:"viralCoefficient"`
}

// EventView is what the UI polls for an upload.
type EventView struct {
	EventID        string              `json:"eventId"`
	RepositoryID   string              `json:"repositoryId"`
	Status         domain.EventStatus  `json:"status"`
	FailureReason  domain.Reason       `json:"failureReason,omitempty"`
	Generation     int                 `json:"generation"`
	Stats          StatusStats         `json:"stats"`
	SnowballEffect SnowballEffect      `json:"snowballEffect"`
	Progress       *queue.Progress     `json:"progress,omitempty"`
	Outcomes       []domain.RowOutcome `json:"outcomes,omitempty"`
}

// Config holds the engine-wide settings the service applies.
type Config struct {
	Defaults            domain.RepositorySettings
	AnalyticsWindowDays int
}

// Deps are the service's collaborators. Archive, Dedup and Analytics are
// optional.
type Deps struct {
	Store     Store
	Validator *ingest.Validator
	Guard     Guard
	Queue     Queue
	Archive   Archive
	Dedup     DedupCache
	Analytics Analytics
}

// Service accepts uploads and serves their read models. It is safe for
// concurrent use.
type Service struct {
	store     Store
	ingest    *ingest.Validator
	guard     Guard
	queue     Queue
	archive   Archive
	dedup     DedupCache
	analytics Analytics
	cfg       Config
	validate  *validator.Validate
	now       func() time.Time
	newID     func() string
}

// NewService wires a service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Validator == nil {
		deps.Validator = ingest.NewValidator(ingest.Options{})
	}
	if cfg.Defaults.MaxGenerationDepth <= 0 {
		cfg.Defaults.MaxGenerationDepth = 5
	}
	if cfg.AnalyticsWindowDays <= 0 {
		cfg.AnalyticsWindowDays = 30
	}
	return &Service{
		store:     deps.Store,
		ingest:    deps.Validator,
		guard:     deps.Guard,
		queue:     deps.Queue,
		archive:   deps.Archive,
		dedup:     deps.Dedup,
		analytics: deps.Analytics,
		cfg:       cfg,
		validate:  validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Submit validates an upload, records a pending event and queues it. Every
// rejection returned here happens before an event exists.
func (s *Service) Submit(ctx context.Context, req UploadRequest) (*Receipt, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var raw bytes.Buffer
	res, err := s.ingest.Parse(io.TeeReader(req.File, &raw))
	if err != nil {
		return nil, err
	}

	if err := s.guard.Preflight(ctx, guard.Request{
		UploaderID:     req.UploaderID,
		RepositoryID:   req.RepositoryID,
		CandidateCount: len(res.Records),
		AccountAge:     req.AccountAge,
		Karma:          req.Karma,
	}); err != nil {
		return nil, err
	}
	accepted := false
	defer func() {
		if accepted {
			return
		}
		if err := s.guard.RefundUpload(context.WithoutCancel(ctx), req.UploaderID); err != nil {
			logger.Warn("upload refund failed", "component", "snowball", "uploader_id", req.UploaderID, "error", err)
		}
	}()

	repo, err := s.store.GetRepository(ctx, req.RepositoryID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && repo.Deleted()) {
		return nil, ErrRepositoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	settings := repo.Settings.Merge(s.cfg.Defaults)

	generation, parentID, err := s.resolveGeneration(ctx, req, repo.ID)
	if err != nil {
		return nil, err
	}
	if generation > settings.MaxGenerationDepth {
		return nil, fmt.Errorf("%w (generation %d, max %d)", ErrGenerationLimit, generation, settings.MaxGenerationDepth)
	}

	var archiveKey string
	if s.archive != nil {
		archiveKey, err = s.archive.Put(ctx, res.Checksum, req.FileName, raw.Bytes())
		if err != nil {
			logger.Warn("upload archive failed", "component", "snowball", "checksum", res.Checksum, "error", err)
		}
	}

	now := s.now()
	ev := &domain.SnowballEvent{
		ID:            s.newID(),
		RepositoryID:  repo.ID,
		UploaderID:    req.UploaderID,
		UploaderEmail: ingest.NormalizeEmail(req.UploaderEmail),
		File: domain.FileInfo{
			Name:       req.FileName,
			Size:       res.Size,
			Checksum:   res.Checksum,
			ArchiveKey: archiveKey,
		},
		ContentHash:    res.ContentHash,
		Generation:     generation,
		ParentEventID:  parentID,
		Outcomes:       append([]domain.RowOutcome(nil), res.Errors...),
		Stats:          domain.EventStats{TotalEmails: len(res.Records) + len(res.Errors)},
		Status:         domain.EventPending,
		CandidateCount: len(res.Records),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ev.Stats.RecordAll(res.Errors)

	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	job, err := distribution.NewJob(distribution.Payload{
		EventID:      ev.ID,
		RepositoryID: repo.ID,
		Emails:       res.Records,
		Priority:     req.Priority,
	})
	if err == nil {
		_, err = s.queue.Enqueue(ctx, job, 0)
	}
	if err != nil {
		s.abandon(ctx, ev, res.Records)
		return nil, fmt.Errorf("enqueue event: %w", err)
	}
	accepted = true

	receipt := &Receipt{
		EventID:             ev.ID,
		Status:              ev.Status,
		Generation:          generation,
		TotalRows:           ev.Stats.TotalEmails,
		Candidates:          len(res.Records),
		Rejected:            ev.Stats.Rejected,
		InFileDuplicates:    ev.Stats.Duplicates,
		EstimatedDuplicates: s.estimateDuplicates(ctx, repo.ID, res.Records),
		ContentHash:         res.ContentHash,
		ArchiveKey:          archiveKey,
	}
	logger.Info("upload accepted", "component", "snowball",
		"event_id", ev.ID, "repository_id", repo.ID, "uploader_email", ev.UploaderEmail,
		"generation", generation, "candidates", len(res.Records), "rejected", receipt.Rejected)
	return receipt, nil
}

// resolveGeneration places the upload in the lineage: one past its parent
// event, else one past the uploader's own membership, else a seed upload.
func (s *Service) resolveGeneration(ctx context.Context, req UploadRequest, repositoryID string) (int, *string, error) {
	if req.ParentEventID != "" {
		parent, err := s.store.GetEvent(ctx, req.ParentEventID)
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil, ErrEventNotFound
		}
		if err != nil {
			return 0, nil, fmt.Errorf("load parent event: %w", err)
		}
		if parent.RepositoryID != repositoryID {
			return 0, nil, ErrParentMismatch
		}
		id := parent.ID
		return parent.Generation + 1, &id, nil
	}

	if req.UploaderEmail == "" {
		return 0, nil, nil
	}
	gen, err := s.store.MemberGeneration(ctx, repositoryID, ingest.NormalizeEmail(req.UploaderEmail))
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("uploader membership: %w", err)
	}
	return gen + 1, nil, nil
}

// abandon fails an event whose job could not be queued, so it never sits
// pending forever.
func (s *Service) abandon(ctx context.Context, ev *domain.SnowballEvent, records []ingest.Candidate) {
	outs := make([]domain.RowOutcome, len(records))
	for i, c := range records {
		outs[i] = domain.RowOutcome{Row: c.RowIndex, Email: c.Email, Outcome: domain.OutcomeRejected, Reason: domain.ReasonSystemError}
	}
	ev.Outcomes = append(ev.Outcomes, outs...)
	ev.Stats.RecordAll(outs)
	ev.Abort(domain.ReasonSystemError, s.now())
	if err := s.store.UpdateEvent(context.WithoutCancel(ctx), ev); err != nil {
		logger.Error("failed to abandon event", "component", "snowball", "event_id", ev.ID, "error", err)
	}
}

// estimateDuplicates counts candidates the dedup cache already knows. It is
// a hint for the uploader; the worker decides against the store.
func (s *Service) estimateDuplicates(ctx context.Context, repositoryID string, records []ingest.Candidate) int {
	if s.dedup == nil || len(records) == 0 {
		return 0
	}
	addrs := make([]string, len(records))
	for i, c := range records {
		addrs[i] = c.Email
	}
	known, err := s.dedup.Known(ctx, repositoryID, addrs)
	if err != nil {
		logger.Debug("dedup estimate unavailable", "component", "snowball", "repository_id", repositoryID, "error", err)
		return 0
	}
	return len(known)
}

// EventStatus returns the polled view of one event.
func (s *Service) EventStatus(ctx context.Context, eventID string) (*EventView, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	view := &EventView{
		EventID:       ev.ID,
		RepositoryID:  ev.RepositoryID,
		Status:        ev.Status,
		FailureReason: ev.FailureReason,
		Generation:    ev.Generation,
		Stats: StatusStats{
			TotalEmails: ev.Stats.TotalEmails,
			Processed:   ev.Stats.Processed,
			Added:       ev.Stats.Added,
			Rejected:    ev.Stats.Rejected,
			Duplicates:  ev.Stats.Duplicates,
		},
		Outcomes: ev.Outcomes,
	}

	maxDepth := s.cfg.Defaults.MaxGenerationDepth
	if repo, err := s.store.GetRepository(ctx, ev.RepositoryID); err == nil {
		maxDepth = repo.Settings.Merge(s.cfg.Defaults).MaxGenerationDepth
	}
	view.SnowballEffect.NextGenPotential = ev.NextGenPotential(maxDepth)

	if s.analytics != nil {
		m, err := s.analytics.ComputeMetrics(ctx, ev.RepositoryID, s.cfg.AnalyticsWindowDays)
		if err != nil {
			logger.Warn("viral coefficient unavailable", "component", "snowball", "repository_id", ev.RepositoryID, "error", err)
		} else {
			view.SnowballEffect.ViralCoefficient = m.ViralCoefficient
		}
	}

	if !ev.Status.Terminal() && s.queue != nil {
		p, err := s.queue.GetProgress(ctx, ev.ID)
		if err != nil {
			logger.Debug("progress unavailable", "component", "snowball", "event_id", ev.ID, "error", err)
		}
		view.Progress = p
	}
	return view, nil
}

// GrowthReport returns the repository growth view over windowDays (the
// configured window when zero).
func (s *Service) GrowthReport(ctx context.Context, repositoryID string, windowDays int) (*analytics.Report, error) {
	if s.analytics == nil {
		return nil, errors.New("analytics not configured")
	}
	if windowDays <= 0 {
		windowDays = s.cfg.AnalyticsWindowDays
	}
	r, err := s.analytics.Report(ctx, repositoryID, windowDays)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrRepositoryNotFound
	}
	return r, err
}
