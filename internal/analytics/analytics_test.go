package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/repository/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

// seedScenario builds a repository with 100 generation-0 members and 40
// generation-1 members added by 10 uploaders.
func seedScenario(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateRepository(ctx, &domain.Repository{ID: "r1", Name: "Gophers"}))

	var members []domain.Member
	for i := 0; i < 100; i++ {
		members = append(members, domain.Member{
			Address: fmt.Sprintf("seed%d@x.com", i), AddedBy: "owner", AddedAt: t0.Add(-60 * 24 * time.Hour),
			Source: domain.SourceCSV, VerificationStatus: domain.VerificationVerified,
		})
	}
	for u := 0; u < 10; u++ {
		uploader := fmt.Sprintf("u%d", u)
		require.NoError(t, s.CreateEvent(ctx, &domain.SnowballEvent{
			ID: "ev-" + uploader, RepositoryID: "r1", UploaderID: uploader, Generation: 1,
			Status: domain.EventCompleted, CreatedAt: t0, UpdatedAt: t0,
		}))
		for i := 0; i < 4; i++ {
			members = append(members, domain.Member{
				Address: fmt.Sprintf("%s-%d@y.com", uploader, i), AddedBy: uploader, AddedAt: t0,
				Source: domain.SourceSnowball, VerificationStatus: domain.VerificationVerified,
				SnowballGeneration: 1,
			})
		}
	}
	_, err := s.Seed(ctx, "r1", members)
	require.NoError(t, err)
	return s
}

func newEngine(t *testing.T, store Store) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	e := NewEngine(store, client, time.Minute)
	e.now = func() time.Time { return t0.Add(time.Hour) }
	return e, mr
}

func TestComputeMetrics_ViralCoefficient(t *testing.T) {
	e, _ := newEngine(t, seedScenario(t))

	m, err := e.ComputeMetrics(context.Background(), "r1", 30)
	require.NoError(t, err)

	assert.InDelta(t, 4.0, m.ViralCoefficient, 1e-9)
	assert.InDelta(t, 1.4, m.AmplificationRate, 1e-9)
	assert.InDelta(t, 70.0, m.AverageGenSize, 1e-9)
	assert.Equal(t, 140, m.TotalMembers)
	assert.Equal(t, []GenerationStat{
		{Generation: 0, Members: 100},
		{Generation: 1, Members: 40, Decaying: true},
	}, m.GenerationBreakdown)
	assert.False(t, m.NoDecay)
	assert.InDelta(t, 0.7, m.QualityScore, 1e-9)
}

func TestComputeMetrics_WindowExcludesOldActivity(t *testing.T) {
	e, _ := newEngine(t, seedScenario(t))
	e.now = func() time.Time { return t0.Add(10 * 24 * time.Hour) }

	m, err := e.ComputeMetrics(context.Background(), "r1", 7)
	require.NoError(t, err)
	assert.Zero(t, m.ViralCoefficient)
	assert.InDelta(t, 1.4, m.AmplificationRate, 1e-9)
}

func TestComputeMetrics_ReadThroughCache(t *testing.T) {
	store := seedScenario(t)
	e, mr := newEngine(t, store)
	ctx := context.Background()

	first, err := e.ComputeMetrics(ctx, "r1", 30)
	require.NoError(t, err)
	assert.True(t, mr.Exists(CacheKey("r1", 30)))

	// new members are invisible until the cache expires or is invalidated
	_, err = store.Seed(ctx, "r1", []domain.Member{{Address: "late@z.com", AddedAt: t0, Source: domain.SourceSnowball, SnowballGeneration: 1}})
	require.NoError(t, err)

	cached, err := e.ComputeMetrics(ctx, "r1", 30)
	require.NoError(t, err)
	assert.Equal(t, first.TotalMembers, cached.TotalMembers)

	e.Invalidate(ctx, "r1", 30)
	fresh, err := e.ComputeMetrics(ctx, "r1", 30)
	require.NoError(t, err)
	assert.Equal(t, 141, fresh.TotalMembers)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(CacheKey("r1", 30)))
}

func TestComputeMetrics_FlagsMissingDecay(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateRepository(ctx, &domain.Repository{ID: "r1"}))
	var members []domain.Member
	for g, n := range []int{2, 5, 1} {
		for i := 0; i < n; i++ {
			members = append(members, domain.Member{Address: fmt.Sprintf("g%d-%d@x.com", g, i), SnowballGeneration: g, AddedAt: t0})
		}
	}
	_, err := s.Seed(ctx, "r1", members)
	require.NoError(t, err)

	e := NewEngine(s, nil, 0)
	m, err := e.ComputeMetrics(ctx, "r1", 30)
	require.NoError(t, err)
	assert.True(t, m.NoDecay)
	assert.False(t, m.GenerationBreakdown[1].Decaying)
	assert.True(t, m.GenerationBreakdown[2].Decaying)
}

func TestComputeMetrics_QualityUsesEngineDefaults(t *testing.T) {
	e, _ := newEngine(t, seedScenario(t))
	e.WithDefaults(domain.RepositorySettings{QualityWeights: domain.QualityWeights{Verification: 1}})

	m, err := e.Refresh(context.Background(), "r1", 30)
	require.NoError(t, err)
	// every seeded member is verified
	assert.InDelta(t, 1.0, m.QualityScore, 1e-9)
}

func TestComputeMetrics_UnknownRepository(t *testing.T) {
	e := NewEngine(memory.New(), nil, 0)
	_, err := e.ComputeMetrics(context.Background(), "nope", 30)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReport(t *testing.T) {
	e, _ := newEngine(t, seedScenario(t))

	r, err := e.Report(context.Background(), "r1", 30)
	require.NoError(t, err)

	assert.Equal(t, 140, r.Growth.Total)
	assert.Equal(t, 100, r.Growth.Organic)
	assert.Equal(t, 40, r.Growth.Snowball)
	assert.InDelta(t, 4.0, r.ViralMetrics.Coefficient, 1e-9)
	require.Len(t, r.TopContributors, 10)
	assert.Equal(t, domain.Contributor{UploaderID: "u0", Added: 4}, r.TopContributors[0])
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name    string
		stats   domain.RepositoryStats
		weights domain.QualityWeights
		want    float64
	}{
		{"empty repository", domain.RepositoryStats{}, domain.QualityWeights{}, 1},
		{"all verified and active", domain.RepositoryStats{TotalEmails: 10, VerifiedEmails: 10, ActiveEmails: 10, EngagementRate: 1}, domain.DefaultQualityWeights, 1},
		{"half verified", domain.RepositoryStats{TotalEmails: 10, VerifiedEmails: 5, ActiveEmails: 10}, domain.DefaultQualityWeights, 0.5},
		{"weights are normalized", domain.RepositoryStats{TotalEmails: 10, VerifiedEmails: 10}, domain.QualityWeights{Verification: 2, Active: 2}, 0.5},
		{"engagement clamped", domain.RepositoryStats{TotalEmails: 1, EngagementRate: 3}, domain.QualityWeights{Engagement: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, QualityScore(tt.stats, tt.weights), 1e-9)
		})
	}
}

func TestScheduler_RefreshesActiveRepositories(t *testing.T) {
	e, mr := newEngine(t, seedScenario(t))
	s := NewScheduler(e, 15*time.Minute, 30)
	s.lastRun = t0.Add(-time.Minute)

	assert.Equal(t, 1, s.RunOnce(context.Background()))
	assert.True(t, mr.Exists(CacheKey("r1", 30)))

	// nothing changed since the last run
	assert.Zero(t, s.RunOnce(context.Background()))
}
