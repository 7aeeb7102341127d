package domain

import "time"

// BatchCommit is everything one locked batch writes. Stores apply it in a
// single transaction.
type BatchCommit struct {
	EventID        string
	RepositoryID   string
	ExpectedCursor int
	NextCursor     int
	Members        []Member
	Outcomes       []RowOutcome
	Now            time.Time
}

// BatchResult is the state after a commit.
type BatchResult struct {
	Event    *SnowballEvent
	Stats    RepositoryStats
	Inserted []string
}

// Reconcile downgrades added outcomes whose member insert hit an existing
// row to duplicate, so the outcome list always matches what was persisted.
func (c *BatchCommit) Reconcile(inserted map[string]bool) []RowOutcome {
	out := make([]RowOutcome, len(c.Outcomes))
	for i, o := range c.Outcomes {
		if o.Outcome == OutcomeAdded && !inserted[o.Email] {
			o.Outcome = OutcomeDuplicate
			o.Reason = ReasonAlreadyMember
		}
		out[i] = o
	}
	return out
}

// Apply advances an event by a committed batch.
func (e *SnowballEvent) Apply(c *BatchCommit, outcomes []RowOutcome) {
	e.Outcomes = append(e.Outcomes, outcomes...)
	e.Stats.RecordAll(outcomes)
	e.Cursor = c.NextCursor
	e.BatchesCommitted++
	e.Status = EventProcessing
	e.UpdatedAt = c.Now
}
