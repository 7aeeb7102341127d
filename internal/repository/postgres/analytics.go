package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
)

// GenerationCounts returns active members per generation.
func (s *Store) GenerationCounts(ctx context.Context, repositoryID string) ([]domain.GenerationCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snowball_generation, COUNT(*)
		FROM snowball_members
		WHERE repository_id = $1 AND removed_at IS NULL
		GROUP BY snowball_generation
		ORDER BY snowball_generation
	`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("generation counts: %w", err)
	}
	defer rows.Close()

	var out []domain.GenerationCount
	for rows.Next() {
		var g domain.GenerationCount
		if err := rows.Scan(&g.Generation, &g.Members); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SourceCounts returns active members per source.
func (s *Store) SourceCounts(ctx context.Context, repositoryID string) (map[domain.MemberSource]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*)
		FROM snowball_members
		WHERE repository_id = $1 AND removed_at IS NULL
		GROUP BY source
	`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.MemberSource]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out[domain.MemberSource(src)] = n
	}
	return out, rows.Err()
}

// SnowballAdds counts snowball members added since t.
func (s *Store) SnowballAdds(ctx context.Context, repositoryID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snowball_members
		WHERE repository_id = $1 AND source = 'snowball' AND added_at >= $2
	`, repositoryID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("snowball adds: %w", err)
	}
	return n, nil
}

// SnowballUploaders counts distinct uploaders of non-failed snowball events
// created since t.
func (s *Store) SnowballUploaders(ctx context.Context, repositoryID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT uploader_id) FROM snowball_events
		WHERE repository_id = $1 AND generation > 0 AND status <> 'failed' AND created_at >= $2
	`, repositoryID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("snowball uploaders: %w", err)
	}
	return n, nil
}

// TopContributors ranks uploaders by members added since t.
func (s *Store) TopContributors(ctx context.Context, repositoryID string, since time.Time, limit int) ([]domain.Contributor, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT added_by, COUNT(*) AS added
		FROM snowball_members
		WHERE repository_id = $1 AND added_by <> '' AND added_at >= $2
		GROUP BY added_by
		ORDER BY added DESC, added_by
		LIMIT $3
	`, repositoryID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top contributors: %w", err)
	}
	defer rows.Close()

	var out []domain.Contributor
	for rows.Next() {
		var c domain.Contributor
		if err := rows.Scan(&c.UploaderID, &c.Added); err != nil {
			return nil, fmt.Errorf("scan contributor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveRepositories lists repositories with events updated since t.
func (s *Store) ActiveRepositories(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT repository_id FROM snowball_events
		WHERE updated_at >= $1
		ORDER BY repository_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("active repositories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan repository id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
