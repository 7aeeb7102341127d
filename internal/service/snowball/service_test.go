package snowball

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/snowball-engine/internal/analytics"
	"github.com/ignite/snowball-engine/internal/dedup"
	"github.com/ignite/snowball-engine/internal/distribution"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/guard"
	"github.com/ignite/snowball-engine/internal/ingest"
	"github.com/ignite/snowball-engine/internal/pkg/distlock"
	"github.com/ignite/snowball-engine/internal/queue"
	"github.com/ignite/snowball-engine/internal/repository/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioA = "email,name\na@x.com,Alice\na@x.com,Alice2\nbad-email,Bob\n"

// fakeArchive records what was stored.
type fakeArchive struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (f *fakeArchive) Put(_ context.Context, checksum, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[checksum] = append([]byte(nil), data...)
	return "uploads/" + checksum + ".csv", nil
}

// brokenQueue fails every enqueue.
type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, queue.Job, time.Duration) (string, error) {
	return "", errors.New("redis unavailable")
}

func (brokenQueue) GetProgress(context.Context, string) (*queue.Progress, error) { return nil, nil }

type fixture struct {
	svc     *Service
	store   *memory.Store
	guard   *guard.Guard
	queue   *queue.Queue
	dedup   *dedup.Cache
	archive *fakeArchive
	client  *redis.Client
	ids     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g, err := guard.New(client, guard.Limits{DailyUploads: 5, MaxRowsPerUpload: 5000}, guard.Rules{})
	require.NoError(t, err)

	f := &fixture{
		store:   memory.New(),
		guard:   g,
		queue:   queue.New(client, queue.Options{Name: "intake-test"}),
		dedup:   dedup.New(client, time.Hour),
		archive: &fakeArchive{},
		client:  client,
	}
	f.svc = NewService(Deps{
		Store:     f.store,
		Guard:     g,
		Queue:     f.queue,
		Archive:   f.archive,
		Dedup:     f.dedup,
		Analytics: analytics.NewEngine(f.store, client, time.Minute),
	}, Config{})
	f.svc.newID = func() string {
		f.ids++
		return fmt.Sprintf("ev-%d", f.ids)
	}
	require.NoError(t, f.store.CreateRepository(context.Background(), &domain.Repository{ID: "r1", Name: "Gophers", OwnerID: "owner"}))
	return f
}

func (f *fixture) seed(t *testing.T, repoID, address string, generation int) {
	t.Helper()
	_, err := f.store.Seed(context.Background(), repoID, []domain.Member{{
		ID: address, Address: address, AddedBy: "owner", AddedAt: time.Now().UTC(),
		Source: domain.SourceCSV, VerificationStatus: domain.VerificationVerified, SnowballGeneration: generation,
	}})
	require.NoError(t, err)
}

func upload(body string) UploadRequest {
	return UploadRequest{
		RepositoryID: "r1",
		UploaderID:   "u1",
		FileName:     "friends.csv",
		File:         strings.NewReader(body),
	}
}

func TestSubmit_CreatesPendingEventAndQueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.Submit(ctx, upload(scenarioA))
	require.NoError(t, err)

	assert.Equal(t, "ev-1", receipt.EventID)
	assert.Equal(t, domain.EventPending, receipt.Status)
	assert.Equal(t, 3, receipt.TotalRows)
	assert.Equal(t, 1, receipt.Candidates)
	assert.Equal(t, 1, receipt.Rejected)
	assert.Equal(t, 1, receipt.InFileDuplicates)
	assert.Zero(t, receipt.Generation)

	ev, err := f.store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStats{TotalEmails: 3, Processed: 2, Rejected: 1, Duplicates: 1}, ev.Stats)
	assert.Len(t, ev.Outcomes, 2)
	assert.Equal(t, receipt.ContentHash, ev.ContentHash)
	assert.Equal(t, "uploads/"+ev.File.Checksum+".csv", ev.File.ArchiveKey)
	assert.Equal(t, scenarioA, string(f.archive.puts[ev.File.Checksum]))

	d, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, distribution.JobType, d.Job.Type)
	p, err := distribution.DecodePayload(d.Job)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", p.EventID)
	require.Len(t, p.Emails, 1)
	assert.Equal(t, "a@x.com", p.Emails[0].Email)

	used, err := f.guard.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)
}

func TestSubmit_DailyUploadLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Submit(ctx, upload(fmt.Sprintf("email\nuser%d@x.com\n", i)))
		require.NoError(t, err)
	}

	_, err := f.svc.Submit(ctx, upload("email\nsixth@x.com\n"))
	require.Error(t, err)
	reason, ok := guard.DenialReason(err)
	require.True(t, ok)
	assert.Equal(t, guard.ReasonDailyUploadLimit, reason)
	assert.True(t, IsInputError(err))

	// no event was created for the denied upload
	_, err = f.store.GetEvent(ctx, "ev-6")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmit_StructuralErrorsCreateNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, upload("name,company\nAlice,Acme\n"))
	assert.ErrorIs(t, err, ingest.ErrMissingColumns)
	assert.True(t, IsInputError(err))

	_, err = f.svc.Submit(ctx, upload(""))
	assert.ErrorIs(t, err, ingest.ErrEmptyFile)

	used, err := f.guard.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Zero(t, f.ids)
}

func TestSubmit_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := upload(scenarioA)
	req.UploaderID = ""

	_, err := f.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmit_UnknownOrDeletedRepositoryRefundsUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deleted := time.Now()
	require.NoError(t, f.store.CreateRepository(ctx, &domain.Repository{ID: "gone", DeletedAt: &deleted}))

	for _, id := range []string{"missing", "gone"} {
		req := upload(scenarioA)
		req.RepositoryID = id
		_, err := f.svc.Submit(ctx, req)
		assert.ErrorIs(t, err, ErrRepositoryNotFound, id)
	}

	used, err := f.guard.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestSubmit_ResolvesGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "r1", "lead@x.com", 1)

	// uploader is a generation-1 member
	req := upload("email\nfriend@y.com\n")
	req.UploaderEmail = "Lead@X.com"
	receipt, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Generation)

	// an explicit parent event wins
	req = upload("email\nother@y.com\n")
	req.UploaderEmail = "lead@x.com"
	req.ParentEventID = receipt.EventID
	child, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, child.Generation)
	ev, err := f.store.GetEvent(ctx, child.EventID)
	require.NoError(t, err)
	require.NotNil(t, ev.ParentEventID)
	assert.Equal(t, receipt.EventID, *ev.ParentEventID)

	req = upload("email\nx@y.com\n")
	req.ParentEventID = "nope"
	_, err = f.svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSubmit_GenerationLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateRepository(ctx, &domain.Repository{
		ID: "shallow", Settings: domain.RepositorySettings{MaxGenerationDepth: 1},
	}))
	f.seed(t, "shallow", "deep@x.com", 1)

	req := upload("email\nnext@y.com\n")
	req.RepositoryID = "shallow"
	req.UploaderEmail = "deep@x.com"
	_, err := f.svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrGenerationLimit)
	assert.True(t, IsInputError(err))

	used, err := f.guard.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestSubmit_EstimatesDuplicatesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dedup.Mark(ctx, "r1", []string{"a@x.com", "b@x.com"}))

	receipt, err := f.svc.Submit(ctx, upload("email\na@x.com\nb@x.com\nc@x.com\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.EstimatedDuplicates)
}

func TestSubmit_EnqueueFailureFailsEvent(t *testing.T) {
	f := newFixture(t)
	f.svc.queue = brokenQueue{}
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, upload(scenarioA))
	require.Error(t, err)
	assert.False(t, IsInputError(err))

	ev, err := f.store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventFailed, ev.Status)
	assert.Equal(t, domain.ReasonSystemError, ev.FailureReason)
	assert.True(t, ev.Stats.Balanced())

	used, err := f.guard.UploadsToday(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestEventStatus_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.Submit(ctx, upload(scenarioA))
	require.NoError(t, err)

	view, err := f.svc.EventStatus(ctx, receipt.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPending, view.Status)

	worker := distribution.New(distribution.Deps{
		Store:    f.store,
		Locker:   distlock.NewRedisLocker(f.client),
		Guard:    f.guard,
		Progress: f.queue,
	}, distribution.Config{})
	d, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, worker.Handle(ctx, d))

	view, err = f.svc.EventStatus(ctx, receipt.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPartial, view.Status)
	assert.Equal(t, StatusStats{TotalEmails: 3, Processed: 3, Added: 1, Rejected: 1, Duplicates: 1}, view.Stats)
	assert.Equal(t, 1, view.SnowballEffect.NextGenPotential)
	assert.Nil(t, view.Progress)
	assert.Len(t, view.Outcomes, 3)

	_, err = f.svc.EventStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestGrowthReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "r1", "seed@x.com", 0)

	r, err := f.svc.GrowthReport(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Growth.Total)
	assert.Equal(t, 1, r.Growth.Organic)

	_, err = f.svc.GrowthReport(ctx, "missing", 7)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}
