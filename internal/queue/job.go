package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateJob is returned by Enqueue when the job ID is already queued.
	ErrDuplicateJob = errors.New("queue: job already enqueued")
	// ErrLeaseLost is returned when a delivery was redelivered to someone else
	// (its visibility timeout expired) before the caller settled it.
	ErrLeaseLost = errors.New("queue: delivery lease lost")
	// ErrUnknownJobType is wrapped into a permanent failure for unregistered types.
	ErrUnknownJobType = errors.New("queue: no handler for job type")
)

// Job is a named unit of work with an opaque payload.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is one hand-out of a Job to a worker.
type Delivery struct {
	Job       Job
	Attempt   int // 1-based; deferrals do not count
	Deferrals int
	lease     string
}

// Progress is the externally observable state of an in-flight job.
type Progress struct {
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Stage     string    `json:"stage,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeadJob is a dead-lettered job with the error that killed it.
type DeadJob struct {
	Job      Job       `json:"job"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Stats are queue depths by state.
type Stats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DeferError reschedules a job without consuming an attempt. Handlers return
// it for contention that is expected to clear on its own.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("queue: deferred %s: %s", e.Delay, e.Reason)
}

// Defer builds a *DeferError.
func Defer(delay time.Duration, reason string) error {
	return &DeferError{Delay: delay, Reason: reason}
}
