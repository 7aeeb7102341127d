package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStoreWithEvent(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateRepository(ctx, &domain.Repository{ID: "r1", Name: "Go"}))
	require.NoError(t, s.CreateEvent(ctx, &domain.SnowballEvent{
		ID: "ev-1", RepositoryID: "r1", UploaderID: "u1", Status: domain.EventProcessing,
		Stats: domain.EventStats{TotalEmails: 3}, CreatedAt: t0, UpdatedAt: t0,
	}))
	return s
}

func member(addr string, gen int) domain.Member {
	return domain.Member{
		ID: addr, Address: addr, AddedBy: "u1", AddedAt: t0,
		Source: domain.SourceCSV, VerificationStatus: domain.VerificationVerified,
		SnowballGeneration: gen,
	}
}

func TestCommitBatch_AppliesAtomically(t *testing.T) {
	s := newStoreWithEvent(t)
	ctx := context.Background()

	_, err := s.Seed(ctx, "r1", []domain.Member{member("a@x.com", 0)})
	require.NoError(t, err)

	commit := &domain.BatchCommit{
		EventID: "ev-1", RepositoryID: "r1", ExpectedCursor: 0, NextCursor: 3, Now: t0,
		Members: []domain.Member{member("a@x.com", 1), member("b@x.com", 1)},
		Outcomes: []domain.RowOutcome{
			{Row: 1, Email: "a@x.com", Outcome: domain.OutcomeAdded},
			{Row: 2, Email: "b@x.com", Outcome: domain.OutcomeAdded},
			{Row: 3, Email: "c@bad", Outcome: domain.OutcomeRejected, Reason: domain.ReasonInvalidFormat},
		},
	}
	res, err := s.CommitBatch(ctx, commit)
	require.NoError(t, err)

	assert.Equal(t, []string{"b@x.com"}, res.Inserted)
	assert.Equal(t, 2, res.Stats.TotalEmails)
	assert.Equal(t, 3, res.Event.Cursor)
	assert.Equal(t, 1, res.Event.BatchesCommitted)
	assert.Equal(t, domain.EventStats{TotalEmails: 3, Processed: 3, Added: 1, Rejected: 1, Duplicates: 1}, res.Event.Stats)
	// the conflicting row was downgraded to a duplicate
	assert.Equal(t, domain.OutcomeDuplicate, res.Event.Outcomes[0].Outcome)
	assert.Equal(t, domain.ReasonAlreadyMember, res.Event.Outcomes[0].Reason)

	repo, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.Stats.TotalEmails)
	assert.InDelta(t, 2.0, repo.Stats.ViralMultiplier, 1e-9)

	// replaying the same batch is rejected by the cursor check
	_, err = s.CommitBatch(ctx, commit)
	assert.ErrorIs(t, err, domain.ErrCursorMismatch)
	repo, _ = s.GetRepository(ctx, "r1")
	assert.Equal(t, 2, repo.Stats.TotalEmails)
}

func TestFindCompletedByHash(t *testing.T) {
	s := New()
	ctx := context.Background()
	mk := func(id string, status domain.EventStatus, at time.Time) {
		require.NoError(t, s.CreateEvent(ctx, &domain.SnowballEvent{
			ID: id, RepositoryID: "r1", ContentHash: "h", Status: status, CreatedAt: at,
		}))
	}
	mk("old", domain.EventCompleted, t0)
	mk("newer", domain.EventCompleted, t0.Add(time.Hour))
	mk("partial", domain.EventPartial, t0.Add(-time.Hour))

	ev, err := s.FindCompletedByHash(ctx, "r1", "h", "self")
	require.NoError(t, err)
	assert.Equal(t, "old", ev.ID)

	ev, err = s.FindCompletedByHash(ctx, "r1", "h", "old")
	require.NoError(t, err)
	assert.Equal(t, "newer", ev.ID)

	_, err = s.FindCompletedByHash(ctx, "r2", "h", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := newStoreWithEvent(t)
	ctx := context.Background()

	ev, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	ev.Outcomes = append(ev.Outcomes, domain.RowOutcome{Row: 1})
	ev.Status = domain.EventFailed

	again, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, again.Outcomes)
	assert.Equal(t, domain.EventProcessing, again.Status)
}

func TestAnalyticsQueries(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateRepository(ctx, &domain.Repository{ID: "r1"}))

	var seed []domain.Member
	for _, addr := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		seed = append(seed, member(addr, 0))
	}
	snow := member("d@x.com", 1)
	snow.Source, snow.AddedBy = domain.SourceSnowball, "u2"
	seed = append(seed, snow)
	_, err := s.Seed(ctx, "r1", seed)
	require.NoError(t, err)

	require.NoError(t, s.CreateEvent(ctx, &domain.SnowballEvent{ID: "e1", RepositoryID: "r1", UploaderID: "u2", Generation: 1, Status: domain.EventCompleted, CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateEvent(ctx, &domain.SnowballEvent{ID: "e2", RepositoryID: "r1", UploaderID: "u3", Generation: 1, Status: domain.EventFailed, CreatedAt: t0, UpdatedAt: t0}))

	gens, err := s.GenerationCounts(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []domain.GenerationCount{{Generation: 0, Members: 3}, {Generation: 1, Members: 1}}, gens)

	src, err := s.SourceCounts(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.MemberSource]int{domain.SourceCSV: 3, domain.SourceSnowball: 1}, src)

	adds, err := s.SnowballAdds(ctx, "r1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, adds)

	uploaders, err := s.SnowballUploaders(ctx, "r1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, uploaders)

	top, err := s.TopContributors(ctx, "r1", t0.Add(-time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.Contributor{{UploaderID: "u1", Added: 3}}, top)

	active, err := s.ActiveRepositories(ctx, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, active)

	gen, err := s.MemberGeneration(ctx, "r1", "d@x.com")
	require.NoError(t, err)
	assert.Equal(t, 1, gen)
	_, err = s.MemberGeneration(ctx, "r1", "nobody@x.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkProcessing_OnlyFromPendingAtCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateEvent(ctx, &domain.SnowballEvent{
		ID: "ev-2", RepositoryID: "r1", Status: domain.EventPending, Cursor: 2,
		Outcomes:  []domain.RowOutcome{{Row: 1, Email: "a@x.com", Outcome: domain.OutcomeAdded}},
		CreatedAt: t0, UpdatedAt: t0,
	}))

	changed, err := s.MarkProcessing(ctx, "ev-2", 0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.MarkProcessing(ctx, "ev-2", 2, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	ev, err := s.GetEvent(ctx, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, domain.EventProcessing, ev.Status)
	assert.Equal(t, 2, ev.Cursor)
	assert.Len(t, ev.Outcomes, 1)

	changed, err = s.MarkProcessing(ctx, "ev-2", 2, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.MarkProcessing(ctx, "missing", 0, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
