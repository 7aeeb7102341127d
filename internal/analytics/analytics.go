// Package analytics derives growth metrics for a repository from persisted
// members and events. It is read-only with respect to both.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultWindowDays is the viral coefficient look-back.
	DefaultWindowDays = 30
	// DefaultCacheTTL bounds how stale a cached result may be.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultTopContributors is the size of the contributor leaderboard.
	DefaultTopContributors = 10
)

// Store is the read model analytics needs.
type Store interface {
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	// GenerationCounts returns active members per generation, ascending.
	GenerationCounts(ctx context.Context, repositoryID string) ([]domain.GenerationCount, error)
	SourceCounts(ctx context.Context, repositoryID string) (map[domain.MemberSource]int, error)
	// SnowballAdds counts members added by snowball uploads since t.
	SnowballAdds(ctx context.Context, repositoryID string, since time.Time) (int, error)
	// SnowballUploaders counts distinct uploaders of non-failed snowball
	// events created since t.
	SnowballUploaders(ctx context.Context, repositoryID string, since time.Time) (int, error)
	TopContributors(ctx context.Context, repositoryID string, since time.Time, limit int) ([]domain.Contributor, error)
	// ActiveRepositories lists repositories with events updated since t.
	ActiveRepositories(ctx context.Context, since time.Time) ([]string, error)
}

// GenerationStat is one row of the generation breakdown. Decaying reports
// whether the generation is smaller than the one before it.
type GenerationStat struct {
	Generation int  `json:"generation"`
	Members    int  `json:"members"`
	Decaying   bool `json:"decaying"`
}

// Metrics is the computeMetrics result.
type Metrics struct {
	RepositoryID        string           `json:"repositoryId"`
	WindowDays          int              `json:"windowDays"`
	ViralCoefficient    float64          `json:"viralCoefficient"`
	AmplificationRate   float64          `json:"amplificationRate"`
	GenerationBreakdown []GenerationStat `json:"generationBreakdown"`
	// NoDecay flags a repository where some generation did not shrink. It is
	// not an error; it asks for review.
	NoDecay        bool      `json:"noDecay"`
	QualityScore   float64   `json:"qualityScore"`
	AverageGenSize float64   `json:"averageGenSize"`
	TotalMembers   int       `json:"totalMembers"`
	ComputedAt     time.Time `json:"computedAt"`
}

// Growth is the membership half of a Report.
type Growth struct {
	Total               int              `json:"total"`
	Organic             int              `json:"organic"`
	Snowball            int              `json:"snowball"`
	GenerationBreakdown []GenerationStat `json:"generationBreakdown"`
}

// ViralMetrics is the spread half of a Report.
type ViralMetrics struct {
	Coefficient       float64 `json:"coefficient"`
	AmplificationRate float64 `json:"amplificationRate"`
	AverageGenSize    float64 `json:"averageGenSize"`
}

// Report is the repository growth view.
type Report struct {
	Growth          Growth               `json:"growth"`
	ViralMetrics    ViralMetrics         `json:"viralMetrics"`
	TopContributors []domain.Contributor `json:"topContributors"`
}

// Engine computes and caches metrics.
type Engine struct {
	store    Store
	cache    *redis.Client
	cacheTTL time.Duration
	defaults domain.RepositorySettings
	now      func() time.Time
}

// NewEngine creates an engine. A nil cache disables caching.
func NewEngine(store Store, cache *redis.Client, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Engine{store: store, cache: cache, cacheTTL: cacheTTL, now: time.Now}
}

// WithDefaults sets the engine-wide settings that fill in what a repository
// leaves unset, so scores match the ones applied at commit time.
func (e *Engine) WithDefaults(defaults domain.RepositorySettings) *Engine {
	e.defaults = defaults
	return e
}

// CacheKey returns analytics:{repositoryID}:{windowDays}.
func CacheKey(repositoryID string, windowDays int) string {
	return fmt.Sprintf("analytics:%s:%d", repositoryID, windowDays)
}

// ComputeMetrics returns cached metrics when fresh, else recomputes them.
func (e *Engine) ComputeMetrics(ctx context.Context, repositoryID string, windowDays int) (*Metrics, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if m := e.cached(ctx, repositoryID, windowDays); m != nil {
		return m, nil
	}
	return e.Refresh(ctx, repositoryID, windowDays)
}

// Refresh recomputes metrics from the store and overwrites the cache.
func (e *Engine) Refresh(ctx context.Context, repositoryID string, windowDays int) (*Metrics, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	m, err := e.compute(ctx, repositoryID, windowDays)
	if err != nil {
		return nil, err
	}
	e.save(ctx, m)
	return m, nil
}

// Invalidate drops the cached result for a window.
func (e *Engine) Invalidate(ctx context.Context, repositoryID string, windowDays int) {
	if e.cache == nil {
		return
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if err := e.cache.Del(ctx, CacheKey(repositoryID, windowDays)).Err(); err != nil {
		logger.Warn("analytics cache invalidate failed", "component", "analytics", "repository_id", repositoryID, "error", err)
	}
}

func (e *Engine) compute(ctx context.Context, repositoryID string, windowDays int) (*Metrics, error) {
	repo, err := e.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("analytics: repository: %w", err)
	}
	gens, err := e.store.GenerationCounts(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("analytics: generations: %w", err)
	}

	now := e.now()
	since := now.Add(-time.Duration(windowDays) * 24 * time.Hour)
	adds, err := e.store.SnowballAdds(ctx, repositoryID, since)
	if err != nil {
		return nil, fmt.Errorf("analytics: snowball adds: %w", err)
	}
	uploaders, err := e.store.SnowballUploaders(ctx, repositoryID, since)
	if err != nil {
		return nil, fmt.Errorf("analytics: uploaders: %w", err)
	}

	m := &Metrics{
		RepositoryID: repositoryID,
		WindowDays:   windowDays,
		QualityScore: QualityScore(repo.Stats, repo.Settings.Merge(e.defaults).QualityWeights),
		ComputedAt:   now,
	}
	if uploaders > 0 {
		m.ViralCoefficient = float64(adds) / float64(uploaders)
	}

	m.GenerationBreakdown, m.NoDecay = breakdown(gens)
	gen0 := 0
	for _, g := range gens {
		m.TotalMembers += g.Members
		if g.Generation == 0 {
			gen0 = g.Members
		}
	}
	if gen0 > 0 {
		m.AmplificationRate = float64(m.TotalMembers) / float64(gen0)
	}
	if n := len(m.GenerationBreakdown); n > 0 {
		m.AverageGenSize = float64(m.TotalMembers) / float64(n)
	}
	return m, nil
}

// breakdown marks decay per generation and reports whether any generation
// after the first failed to shrink.
func breakdown(gens []domain.GenerationCount) ([]GenerationStat, bool) {
	out := make([]GenerationStat, 0, len(gens))
	noDecay := false
	for i, g := range gens {
		s := GenerationStat{Generation: g.Generation, Members: g.Members}
		if i > 0 {
			s.Decaying = g.Members < gens[i-1].Members
			if !s.Decaying {
				noDecay = true
			}
		}
		out = append(out, s)
	}
	return out, noDecay
}

// Report assembles the growth view.
func (e *Engine) Report(ctx context.Context, repositoryID string, windowDays int) (*Report, error) {
	m, err := e.ComputeMetrics(ctx, repositoryID, windowDays)
	if err != nil {
		return nil, err
	}
	sources, err := e.store.SourceCounts(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("analytics: sources: %w", err)
	}
	since := e.now().Add(-time.Duration(m.WindowDays) * 24 * time.Hour)
	top, err := e.store.TopContributors(ctx, repositoryID, since, DefaultTopContributors)
	if err != nil {
		return nil, fmt.Errorf("analytics: contributors: %w", err)
	}

	r := &Report{
		Growth: Growth{
			Snowball:            sources[domain.SourceSnowball],
			GenerationBreakdown: m.GenerationBreakdown,
		},
		ViralMetrics: ViralMetrics{
			Coefficient:       m.ViralCoefficient,
			AmplificationRate: m.AmplificationRate,
			AverageGenSize:    m.AverageGenSize,
		},
		TopContributors: top,
	}
	for src, n := range sources {
		r.Growth.Total += n
		if src != domain.SourceSnowball {
			r.Growth.Organic += n
		}
	}
	if r.TopContributors == nil {
		r.TopContributors = []domain.Contributor{}
	}
	return r, nil
}

func (e *Engine) cached(ctx context.Context, repositoryID string, windowDays int) *Metrics {
	if e.cache == nil {
		return nil
	}
	data, err := e.cache.Get(ctx, CacheKey(repositoryID, windowDays)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("analytics cache read failed", "component", "analytics", "repository_id", repositoryID, "error", err)
		}
		return nil
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return &m
}

func (e *Engine) save(ctx context.Context, m *Metrics) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, CacheKey(m.RepositoryID, m.WindowDays), data, e.cacheTTL).Err(); err != nil {
		logger.Warn("analytics cache write failed", "component", "analytics", "repository_id", m.RepositoryID, "error", err)
	}
}
