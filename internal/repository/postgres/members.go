package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/lib/pq"
)

// ExistingAddresses returns which addresses are active members.
func (s *Store) ExistingAddresses(ctx context.Context, repositoryID string, addresses []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(addresses) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM snowball_members
		WHERE repository_id = $1 AND removed_at IS NULL AND address = ANY($2)
	`, repositoryID, pq.Array(addresses))
	if err != nil {
		return nil, fmt.Errorf("existing addresses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		out[a] = true
	}
	return out, rows.Err()
}

// MemberGeneration returns the generation of an active member.
func (s *Store) MemberGeneration(ctx context.Context, repositoryID, address string) (int, error) {
	var gen int
	err := s.db.QueryRowContext(ctx, `
		SELECT snowball_generation FROM snowball_members
		WHERE repository_id = $1 AND address = $2 AND removed_at IS NULL
	`, repositoryID, address).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("member generation: %w", err)
	}
	return gen, nil
}

// CommitBatch applies a batch in one transaction: member inserts, repository
// stats and event progress. The event row is locked first so a stale cursor
// is detected before anything is written.
func (s *Store) CommitBatch(ctx context.Context, c *domain.BatchCommit) (*domain.BatchResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ev, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM snowball_events WHERE id = $1 FOR UPDATE`, c.EventID))
	if err != nil {
		return nil, err
	}
	if ev.Cursor != c.ExpectedCursor {
		return nil, domain.ErrCursorMismatch
	}

	inserted := make([]string, 0, len(c.Members))
	set := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO snowball_members (
				id, repository_id, address, name, company, tags, added_by, added_at,
				source, verification_status, opt_in, engagement_score,
				snowball_generation, parent_email, event_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (repository_id, address) WHERE removed_at IS NULL DO NOTHING
		`, m.ID, c.RepositoryID, m.Address, m.Name, m.Company, pq.Array(tags), m.AddedBy, m.AddedAt,
			m.Source, m.VerificationStatus, m.OptIn, m.EngagementScore,
			m.SnowballGeneration, m.ParentEmail, nullable(m.EventID))
		if err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, m.Address)
			set[m.Address] = true
		}
	}

	stats, err := refreshStats(ctx, tx, c.RepositoryID, c.Now)
	if err != nil {
		return nil, err
	}

	outcomes := c.Reconcile(set)
	ev.Apply(c, outcomes)
	appended, err := encodeOutcomes(outcomes)
	if err != nil {
		return nil, fmt.Errorf("encode outcomes: %w", err)
	}
	evStats, err := json.Marshal(ev.Stats)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE snowball_events
		SET outcomes = outcomes || $2::jsonb, stats = $3, status = $4,
		    row_cursor = $5, batches_committed = $6, updated_at = $7
		WHERE id = $1
	`, ev.ID, appended, evStats, ev.Status, ev.Cursor, ev.BatchesCommitted, ev.UpdatedAt); err != nil {
		return nil, fmt.Errorf("advance event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &domain.BatchResult{Event: ev, Stats: stats, Inserted: inserted}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
