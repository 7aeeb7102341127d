package domain

import "time"

// EventStatus enumerates the lifecycle of a SnowballEvent.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventPartial    EventStatus = "partial"
	EventFailed     EventStatus = "failed"
)

// Terminal reports whether no further processing will happen.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventCompleted, EventPartial, EventFailed:
		return true
	}
	return false
}

// Outcome is the per-row result of an upload.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// Reason explains a rejected or duplicate outcome, or why an event failed.
type Reason string

const (
	ReasonInvalidFormat   Reason = "invalid_format"
	ReasonMissingEmail    Reason = "missing_email"
	ReasonMalformedRow    Reason = "malformed_row"
	ReasonInFileDuplicate Reason = "in_file_duplicate"
	ReasonAlreadyMember   Reason = "already_member"
	ReasonDuplicateUpload Reason = "duplicate_upload"
	ReasonBlockedDomain   Reason = "blocked_domain"
	ReasonBlockedPattern  Reason = "blocked_pattern"
	ReasonDailyLimit      Reason = "daily_limit"
	ReasonUploaderBlocked Reason = "uploader_blocked"
	ReasonGenerationLimit Reason = "generation_limit"
	ReasonLockTimeout     Reason = "lock_timeout"
	ReasonSystemError     Reason = "system_error"
	ReasonPendingReview   Reason = "pending_review"
	ReasonRepoUnavailable Reason = "repository_unavailable"
)

// RowOutcome is the itemized result for one CSV data row.
type RowOutcome struct {
	Row     int     `json:"row"`
	Email   string  `json:"email"`
	Outcome Outcome `json:"outcome"`
	Reason  Reason  `json:"reason,omitempty"`
}

// EventStats aggregates the outcome list. Added+Rejected+Duplicates always
// equals TotalEmails once the event is terminal.
type EventStats struct {
	TotalEmails int `json:"total_emails"`
	Processed   int `json:"processed"`
	Added       int `json:"added"`
	Rejected    int `json:"rejected"`
	Duplicates  int `json:"duplicates"`
}

// Record counts one outcome.
func (s *EventStats) Record(o Outcome) {
	s.Processed++
	switch o {
	case OutcomeAdded:
		s.Added++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeDuplicate:
		s.Duplicates++
	}
}

// RecordAll counts every outcome in rows.
func (s *EventStats) RecordAll(rows []RowOutcome) {
	for _, r := range rows {
		s.Record(r.Outcome)
	}
}

// Balanced reports whether every row is accounted for exactly once.
func (s EventStats) Balanced() bool {
	return s.Added+s.Rejected+s.Duplicates == s.TotalEmails
}

// FinalStatus decides the terminal status for a fully processed event:
// completed when every row was added, partial otherwise.
func (s EventStats) FinalStatus() EventStatus {
	if s.Rejected == 0 && s.Duplicates == 0 {
		return EventCompleted
	}
	return EventPartial
}

// FileInfo describes the uploaded file.
type FileInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// SnowballEvent is one CSV upload and its processing outcome.
type SnowballEvent struct {
	ID               string       `json:"id" db:"id"`
	RepositoryID     string       `json:"repository_id" db:"repository_id"`
	UploaderID       string       `json:"uploader_id" db:"uploader_id"`
	UploaderEmail    string       `json:"uploader_email,omitempty" db:"uploader_email"`
	File             FileInfo     `json:"file" db:"file"`
	ContentHash      string       `json:"content_hash" db:"content_hash"`
	Generation       int          `json:"generation" db:"generation"`
	ParentEventID    *string      `json:"parent_event_id,omitempty" db:"parent_event_id"`
	Outcomes         []RowOutcome `json:"outcomes" db:"outcomes"`
	Stats            EventStats   `json:"stats" db:"stats"`
	Status           EventStatus  `json:"status" db:"status"`
	FailureReason    Reason       `json:"failure_reason,omitempty" db:"failure_reason"`
	CandidateCount   int          `json:"candidate_count" db:"candidate_count"`
	Cursor           int          `json:"cursor" db:"cursor"`
	BatchesCommitted int          `json:"batches_committed" db:"batches_committed"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty" db:"processed_at"`
}

// Finalize marks a fully processed event terminal.
func (e *SnowballEvent) Finalize(now time.Time) {
	e.Status = e.Stats.FinalStatus()
	e.UpdatedAt = now
	e.ProcessedAt = &now
}

// Abort ends an event early. Once a batch has committed the event can only
// become partial; before that it fails outright.
func (e *SnowballEvent) Abort(reason Reason, now time.Time) {
	if e.BatchesCommitted > 0 {
		e.Status = EventPartial
	} else {
		e.Status = EventFailed
	}
	e.FailureReason = reason
	e.UpdatedAt = now
	e.ProcessedAt = &now
}

// NextGenPotential is how many new members could upload the next
// generation: the rows this event added, unless it already sits at the
// repository's depth limit.
func (e *SnowballEvent) NextGenPotential(maxDepth int) int {
	if e.Generation >= maxDepth {
		return 0
	}
	return e.Stats.Added
}
