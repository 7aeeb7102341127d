package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, limits Limits) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g, err := New(client, limits, Rules{})
	require.NoError(t, err)
	return g, mr
}

func TestPreflight_SixthUploadDenied(t *testing.T) {
	g, mr := setup(t, Limits{DailyUploads: 5, MaxRowsPerUpload: 5000})
	ctx := context.Background()
	req := Request{UploaderID: "u1", RepositoryID: "r1", CandidateCount: 10}

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Preflight(ctx, req), "upload %d", i+1)
	}

	err := g.Preflight(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDenied))
	reason, ok := DenialReason(err)
	require.True(t, ok)
	assert.Equal(t, ReasonDailyUploadLimit, reason)

	// denial does not move the counter
	n, err := g.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 24*time.Hour, mr.TTL(UploadsKey("u1")))
}

func TestPreflight_CounterExpires(t *testing.T) {
	g, mr := setup(t, Limits{DailyUploads: 1})
	ctx := context.Background()
	req := Request{UploaderID: "u1", CandidateCount: 1}

	require.NoError(t, g.Preflight(ctx, req))
	assert.Error(t, g.Preflight(ctx, req))

	mr.FastForward(25 * time.Hour)
	assert.NoError(t, g.Preflight(ctx, req))
}

func TestPreflight_StaticGates(t *testing.T) {
	g, _ := setup(t, Limits{DailyUploads: 5, MaxRowsPerUpload: 100, MinAccountAge: 72 * time.Hour, MinKarma: 10})
	ctx := context.Background()
	ok := Request{UploaderID: "u1", CandidateCount: 10, AccountAge: 100 * time.Hour, Karma: 50}

	tests := []struct {
		name string
		mod  func(r *Request)
		want Reason
	}{
		{"account too new", func(r *Request) { r.AccountAge = time.Hour }, ReasonAccountTooNew},
		{"low karma", func(r *Request) { r.Karma = 3 }, ReasonInsufficientKarma},
		{"too many rows", func(r *Request) { r.CandidateCount = 101 }, ReasonRowLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ok
			tt.mod(&req)
			reason, denied := DenialReason(g.Preflight(ctx, req))
			require.True(t, denied)
			assert.Equal(t, tt.want, reason)
		})
	}

	// static denials never consume the daily quota
	n, err := g.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPreflight_ConcurrentUploadsNeverOvershoot(t *testing.T) {
	g, _ := setup(t, Limits{DailyUploads: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Preflight(ctx, Request{UploaderID: "u1", CandidateCount: 1}) == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}

func TestRefundUpload(t *testing.T) {
	g, _ := setup(t, Limits{DailyUploads: 1})
	ctx := context.Background()
	req := Request{UploaderID: "u1", CandidateCount: 1}

	require.NoError(t, g.Preflight(ctx, req))
	require.NoError(t, g.RefundUpload(ctx, "u1"))
	require.NoError(t, g.RefundUpload(ctx, "u1"))

	n, err := g.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, g.Preflight(ctx, req))
}

func TestRefundDoesNotRestartWindow(t *testing.T) {
	g, mr := setup(t, Limits{DailyUploads: 1})
	ctx := context.Background()
	req := Request{UploaderID: "u1", CandidateCount: 1}

	require.NoError(t, g.Preflight(ctx, req))
	mr.FastForward(20 * time.Hour)
	require.NoError(t, g.RefundUpload(ctx, "u1"))
	require.NoError(t, g.Preflight(ctx, req))
	assert.Equal(t, 4*time.Hour, mr.TTL(UploadsKey("u1")))

	_, err := g.CheckBatch(ctx, "u1", "r1", 10, 100)
	require.NoError(t, err)
	mr.FastForward(20 * time.Hour)
	require.NoError(t, g.RefundAdds(ctx, "r1", 10))
	granted, err := g.CheckBatch(ctx, "u1", "r1", 5, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, granted)
	assert.Equal(t, 4*time.Hour, mr.TTL(AddsKey("r1")))
}

func TestBlockedUser(t *testing.T) {
	g, _ := setup(t, Limits{DailyUploads: 5})
	ctx := context.Background()

	require.NoError(t, g.BlockUser(ctx, "u1", 0))

	reason, denied := DenialReason(g.Preflight(ctx, Request{UploaderID: "u1"}))
	require.True(t, denied)
	assert.Equal(t, ReasonUploaderBlocked, reason)

	_, err := g.CheckBatch(ctx, "u1", "r1", 10, 100)
	reason, denied = DenialReason(err)
	require.True(t, denied)
	assert.Equal(t, ReasonUploaderBlocked, reason)

	require.NoError(t, g.UnblockUser(ctx, "u1"))
	granted, err := g.CheckBatch(ctx, "u1", "r1", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, granted)
}

func TestCheckBatch_GrantsUpToRemainingBudget(t *testing.T) {
	g, _ := setup(t, Limits{})
	ctx := context.Background()

	granted, err := g.CheckBatch(ctx, "u1", "r1", 70, 100)
	require.NoError(t, err)
	assert.Equal(t, 70, granted)

	granted, err = g.CheckBatch(ctx, "u2", "r1", 70, 100)
	require.NoError(t, err)
	assert.Equal(t, 30, granted)

	granted, err = g.CheckBatch(ctx, "u2", "r1", 5, 100)
	require.NoError(t, err)
	assert.Zero(t, granted)

	require.NoError(t, g.RefundAdds(ctx, "r1", 10))
	granted, err = g.CheckBatch(ctx, "u3", "r1", 50, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, granted)

	// other repositories have their own budget
	granted, err = g.CheckBatch(ctx, "u3", "r2", 50, 100)
	require.NoError(t, err)
	assert.Equal(t, 50, granted)
}

func TestScreen(t *testing.T) {
	g, _ := setup(t, Limits{})
	ctx := context.Background()
	require.NoError(t, g.BlockDomain(ctx, "Spam.example"))

	got, err := g.Screen(ctx, []string{
		"alice@x.com",
		"bob@mailinator.com",
		"eve@eu.mailinator.com",
		"test123@x.com",
		"noreply@y.org",
		"tester@x.com",
		"carol@spam.example",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]domain.Reason{
		"bob@mailinator.com":    domain.ReasonBlockedDomain,
		"eve@eu.mailinator.com": domain.ReasonBlockedDomain,
		"test123@x.com":         domain.ReasonBlockedPattern,
		"noreply@y.org":         domain.ReasonBlockedPattern,
		"carol@spam.example":    domain.ReasonBlockedDomain,
	}, got)
}

func TestNew_RejectsBadPattern(t *testing.T) {
	_, err := New(nil, Limits{}, Rules{BlockedPatterns: []string{"("}})
	assert.Error(t, err)
}
