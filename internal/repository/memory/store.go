// Package memory is a process-local store with the same semantics as the
// PostgreSQL store. It backs tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
)

// Store keeps repositories, members and events in maps guarded by one lock,
// which makes every method atomic.
type Store struct {
	mu      sync.RWMutex
	repos   map[string]*domain.Repository
	members map[string]map[string]*domain.Member // repository -> address
	events  map[string]*domain.SnowballEvent
}

// New creates an empty store.
func New() *Store {
	return &Store{
		repos:   make(map[string]*domain.Repository),
		members: make(map[string]map[string]*domain.Member),
		events:  make(map[string]*domain.SnowballEvent),
	}
}

// CreateRepository inserts a repository.
func (s *Store) CreateRepository(_ context.Context, repo *domain.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[repo.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := cloneRepository(repo)
	s.repos[repo.ID] = cp
	s.members[repo.ID] = make(map[string]*domain.Member)
	return nil
}

// GetRepository returns a repository, soft-deleted ones included.
func (s *Store) GetRepository(_ context.Context, id string) (*domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRepository(r), nil
}

// Seed inserts members directly, bypassing events, and refreshes stats.
// Existing active addresses are skipped; it returns how many were inserted.
func (s *Store) Seed(_ context.Context, repositoryID string, members []domain.Member) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[repositoryID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	n := len(s.insertMembers(repositoryID, members))
	s.refreshStats(repo, time.Now().UTC())
	return n, nil
}

// MemberGeneration returns the generation of an active member.
func (s *Store) MemberGeneration(_ context.Context, repositoryID, address string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[repositoryID][address]
	if !ok || !m.Active() {
		return 0, domain.ErrNotFound
	}
	return m.SnowballGeneration, nil
}

// ExistingAddresses returns which addresses are active members.
func (s *Store) ExistingAddresses(_ context.Context, repositoryID string, addresses []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	set := s.members[repositoryID]
	for _, a := range addresses {
		if m, ok := set[a]; ok && m.Active() {
			out[a] = true
		}
	}
	return out, nil
}

// Members returns the active members of a repository ordered by address.
func (s *Store) Members(_ context.Context, repositoryID string) ([]domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Member
	for _, m := range s.members[repositoryID] {
		if m.Active() {
			out = append(out, cloneMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// CreateEvent inserts an event.
func (s *Store) CreateEvent(_ context.Context, ev *domain.SnowballEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.events[ev.ID] = cloneEvent(ev)
	return nil
}

// GetEvent returns an event.
func (s *Store) GetEvent(_ context.Context, id string) (*domain.SnowballEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEvent(ev), nil
}

// UpdateEvent overwrites the mutable fields of an event.
func (s *Store) UpdateEvent(_ context.Context, ev *domain.SnowballEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[ev.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := cloneEvent(ev)
	next.CreatedAt = cur.CreatedAt
	s.events[ev.ID] = next
	return nil
}

// MarkProcessing moves a pending event to processing when its cursor still
// matches.
func (s *Store) MarkProcessing(_ context.Context, id string, cursor int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if ev.Status != domain.EventPending || ev.Cursor != cursor {
		return false, nil
	}
	ev.Status = domain.EventProcessing
	ev.UpdatedAt = at
	return true, nil
}

// FindCompletedByHash returns the oldest completed event with the same
// content, excluding one event ID.
func (s *Store) FindCompletedByHash(_ context.Context, repositoryID, contentHash, excludeEventID string) (*domain.SnowballEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.SnowballEvent
	for _, ev := range s.events {
		if ev.RepositoryID != repositoryID || ev.ContentHash != contentHash ||
			ev.ID == excludeEventID || ev.Status != domain.EventCompleted {
			continue
		}
		if found == nil || ev.CreatedAt.Before(found.CreatedAt) {
			found = ev
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return cloneEvent(found), nil
}

// CommitBatch applies a batch atomically.
func (s *Store) CommitBatch(_ context.Context, c *domain.BatchCommit) (*domain.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[c.EventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	repo, ok := s.repos[c.RepositoryID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if ev.Cursor != c.ExpectedCursor {
		return nil, domain.ErrCursorMismatch
	}

	inserted := s.insertMembers(c.RepositoryID, c.Members)
	set := make(map[string]bool, len(inserted))
	for _, a := range inserted {
		set[a] = true
	}
	ev.Apply(c, c.Reconcile(set))
	s.refreshStats(repo, c.Now)

	return &domain.BatchResult{
		Event:    cloneEvent(ev),
		Stats:    repo.Stats,
		Inserted: inserted,
	}, nil
}

func (s *Store) insertMembers(repositoryID string, members []domain.Member) []string {
	set := s.members[repositoryID]
	if set == nil {
		set = make(map[string]*domain.Member)
		s.members[repositoryID] = set
	}
	var inserted []string
	for i := range members {
		m := members[i]
		if cur, ok := set[m.Address]; ok && cur.Active() {
			continue
		}
		m.RepositoryID = repositoryID
		cp := cloneMember(&m)
		set[m.Address] = &cp
		inserted = append(inserted, m.Address)
	}
	return inserted
}

func (s *Store) refreshStats(repo *domain.Repository, now time.Time) {
	var c domain.MemberCounts
	since := now.Add(-domain.GrowthWindow)
	for _, m := range s.members[repo.ID] {
		if !m.Active() {
			continue
		}
		c.Total++
		if m.VerificationStatus == domain.VerificationVerified {
			c.Verified++
		}
		if m.VerificationStatus != domain.VerificationRejected {
			c.Active++
		}
		if m.SnowballGeneration == 0 {
			c.Generation0++
		}
		if !m.AddedAt.Before(since) {
			c.AddedSince++
		}
		c.EngagementSum += m.EngagementScore
	}
	repo.Stats = c.Stats(now)
	repo.UpdatedAt = now
}

// GenerationCounts returns active members per generation.
func (s *Store) GenerationCounts(_ context.Context, repositoryID string) ([]domain.GenerationCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[int]int)
	for _, m := range s.members[repositoryID] {
		if m.Active() {
			counts[m.SnowballGeneration]++
		}
	}
	out := make([]domain.GenerationCount, 0, len(counts))
	for g, n := range counts {
		out = append(out, domain.GenerationCount{Generation: g, Members: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

// SourceCounts returns active members per source.
func (s *Store) SourceCounts(_ context.Context, repositoryID string) (map[domain.MemberSource]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.MemberSource]int)
	for _, m := range s.members[repositoryID] {
		if m.Active() {
			out[m.Source]++
		}
	}
	return out, nil
}

// SnowballAdds counts snowball members added since t.
func (s *Store) SnowballAdds(_ context.Context, repositoryID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.members[repositoryID] {
		if m.Source == domain.SourceSnowball && !m.AddedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// SnowballUploaders counts distinct uploaders of non-failed snowball events
// created since t.
func (s *Store) SnowballUploaders(_ context.Context, repositoryID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uploaders := make(map[string]struct{})
	for _, ev := range s.events {
		if ev.RepositoryID == repositoryID && ev.Generation > 0 &&
			ev.Status != domain.EventFailed && !ev.CreatedAt.Before(since) {
			uploaders[ev.UploaderID] = struct{}{}
		}
	}
	return len(uploaders), nil
}

// TopContributors ranks uploaders by members added since t.
func (s *Store) TopContributors(_ context.Context, repositoryID string, since time.Time, limit int) ([]domain.Contributor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, m := range s.members[repositoryID] {
		if m.AddedBy != "" && !m.AddedAt.Before(since) {
			counts[m.AddedBy]++
		}
	}
	out := make([]domain.Contributor, 0, len(counts))
	for id, n := range counts {
		out = append(out, domain.Contributor{UploaderID: id, Added: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Added != out[j].Added {
			return out[i].Added > out[j].Added
		}
		return out[i].UploaderID < out[j].UploaderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveRepositories lists repositories with events updated since t.
func (s *Store) ActiveRepositories(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, ev := range s.events {
		if !ev.UpdatedAt.Before(since) {
			set[ev.RepositoryID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func cloneRepository(r *domain.Repository) *domain.Repository {
	cp := *r
	cp.Hashtags = append([]string(nil), r.Hashtags...)
	return &cp
}

func cloneMember(m *domain.Member) domain.Member {
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	return cp
}

func cloneEvent(ev *domain.SnowballEvent) *domain.SnowballEvent {
	cp := *ev
	cp.Outcomes = append([]domain.RowOutcome(nil), ev.Outcomes...)
	return &cp
}
