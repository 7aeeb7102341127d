package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
)

const eventColumns = `
	id, repository_id, uploader_id, uploader_email, file, content_hash, generation,
	parent_event_id, outcomes, stats, status, failure_reason, candidate_count,
	row_cursor, batches_committed, created_at, updated_at, processed_at`

func scanEvent(row scanner) (*domain.SnowballEvent, error) {
	ev := &domain.SnowballEvent{}
	var file, outcomes, stats []byte
	var failure string
	err := row.Scan(
		&ev.ID, &ev.RepositoryID, &ev.UploaderID, &ev.UploaderEmail, &file, &ev.ContentHash, &ev.Generation,
		&ev.ParentEventID, &outcomes, &stats, &ev.Status, &failure, &ev.CandidateCount,
		&ev.Cursor, &ev.BatchesCommitted, &ev.CreatedAt, &ev.UpdatedAt, &ev.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.FailureReason = domain.Reason(failure)
	if err := json.Unmarshal(file, &ev.File); err != nil {
		return nil, fmt.Errorf("decode file: %w", err)
	}
	if err := json.Unmarshal(outcomes, &ev.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	if err := json.Unmarshal(stats, &ev.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return ev, nil
}

func encodeOutcomes(outcomes []domain.RowOutcome) ([]byte, error) {
	if outcomes == nil {
		outcomes = []domain.RowOutcome{}
	}
	return json.Marshal(outcomes)
}

// CreateEvent inserts an event.
func (s *Store) CreateEvent(ctx context.Context, ev *domain.SnowballEvent) error {
	file, err := json.Marshal(ev.File)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}
	outcomes, err := encodeOutcomes(ev.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	stats, err := json.Marshal(ev.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snowball_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, ev.ID, ev.RepositoryID, ev.UploaderID, ev.UploaderEmail, file, ev.ContentHash, ev.Generation,
		ev.ParentEventID, outcomes, stats, ev.Status, string(ev.FailureReason), ev.CandidateCount,
		ev.Cursor, ev.BatchesCommitted, ev.CreatedAt, ev.UpdatedAt, ev.ProcessedAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// GetEvent returns an event.
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.SnowballEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM snowball_events WHERE id = $1`, id))
}

// UpdateEvent overwrites the mutable fields of an event.
func (s *Store) UpdateEvent(ctx context.Context, ev *domain.SnowballEvent) error {
	outcomes, err := encodeOutcomes(ev.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	stats, err := json.Marshal(ev.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE snowball_events
		SET outcomes = $2, stats = $3, status = $4, failure_reason = $5,
		    row_cursor = $6, batches_committed = $7, updated_at = $8, processed_at = $9
		WHERE id = $1
	`, ev.ID, outcomes, stats, ev.Status, string(ev.FailureReason),
		ev.Cursor, ev.BatchesCommitted, ev.UpdatedAt, ev.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkProcessing moves a pending event to processing when its cursor still
// matches. Only status columns are written, so committed progress is never
// rolled back by a stale copy.
func (s *Store) MarkProcessing(ctx context.Context, id string, cursor int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snowball_events
		SET status = 'processing', updated_at = $3
		WHERE id = $1 AND row_cursor = $2 AND status = 'pending'
	`, id, cursor, at)
	if err != nil {
		return false, fmt.Errorf("mark event processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindCompletedByHash returns the oldest completed event with the same
// content, excluding one event ID.
func (s *Store) FindCompletedByHash(ctx context.Context, repositoryID, contentHash, excludeEventID string) (*domain.SnowballEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM snowball_events
		WHERE repository_id = $1 AND content_hash = $2 AND id <> $3 AND status = 'completed'
		ORDER BY created_at
		LIMIT 1
	`, repositoryID, contentHash, excludeEventID))
}
