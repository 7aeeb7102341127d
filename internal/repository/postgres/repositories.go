package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/lib/pq"
)

// CreateRepository inserts a repository.
func (s *Store) CreateRepository(ctx context.Context, r *domain.Repository) error {
	settings, err := json.Marshal(r.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	hashtags := r.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snowball_repositories (
			id, name, topic, hashtags, owner_id, settings, stats, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.Name, r.Topic, pq.Array(hashtags), r.OwnerID, settings, stats, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

// GetRepository returns a repository, soft-deleted ones included.
func (s *Store) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	return getRepository(ctx, s.db, id)
}

func getRepository(ctx context.Context, q querier, id string) (*domain.Repository, error) {
	r := &domain.Repository{}
	var settings, stats []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, name, topic, hashtags, owner_id, settings, stats,
		       deleted_at, created_at, updated_at
		FROM snowball_repositories
		WHERE id = $1
	`, id).Scan(
		&r.ID, &r.Name, &r.Topic, pq.Array(&r.Hashtags), &r.OwnerID, &settings, &stats,
		&r.DeletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	if err := json.Unmarshal(settings, &r.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal(stats, &r.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return r, nil
}

// refreshStats recomputes repository stats from active members.
func refreshStats(ctx context.Context, q querier, repositoryID string, now time.Time) (domain.RepositoryStats, error) {
	var c domain.MemberCounts
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE verification_status = 'verified'),
		       COUNT(*) FILTER (WHERE verification_status <> 'rejected'),
		       COUNT(*) FILTER (WHERE snowball_generation = 0),
		       COUNT(*) FILTER (WHERE added_at >= $2),
		       COALESCE(SUM(engagement_score), 0)
		FROM snowball_members
		WHERE repository_id = $1 AND removed_at IS NULL
	`, repositoryID, now.Add(-domain.GrowthWindow)).Scan(
		&c.Total, &c.Verified, &c.Active, &c.Generation0, &c.AddedSince, &c.EngagementSum,
	)
	if err != nil {
		return domain.RepositoryStats{}, fmt.Errorf("count members: %w", err)
	}

	stats := c.Stats(now)
	data, err := json.Marshal(stats)
	if err != nil {
		return domain.RepositoryStats{}, fmt.Errorf("encode stats: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE snowball_repositories SET stats = $2, updated_at = $3 WHERE id = $1
	`, repositoryID, data, now); err != nil {
		return domain.RepositoryStats{}, fmt.Errorf("update repository stats: %w", err)
	}
	return stats, nil
}
