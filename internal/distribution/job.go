package distribution

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ignite/snowball-engine/internal/ingest"
	"github.com/ignite/snowball-engine/internal/queue"
)

// JobType is the queue job type the worker handles.
const JobType = "process-snowball"

// Payload is the body of a process-snowball job.
type Payload struct {
	EventID      string             `json:"eventId" validate:"required"`
	RepositoryID string             `json:"repositoryId" validate:"required"`
	Emails       []ingest.Candidate `json:"emails"`
	Priority     int                `json:"priority,omitempty"`
}

var (
	payloadValidator   = validator.New()
	candidateValidator = ingest.NewValidator(ingest.Options{})
)

// NewJob encodes a payload as a queue job keyed by the event ID, so a
// second enqueue of the same event is rejected by the queue.
func NewJob(p Payload) (queue.Job, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return queue.Job{}, fmt.Errorf("distribution: encode payload: %w", err)
	}
	return queue.Job{
		ID:       p.EventID,
		Type:     JobType,
		Payload:  data,
		Priority: p.Priority,
	}, nil
}

// DecodePayload parses and validates a job body. Candidates are re-checked
// since the payload crossed the queue.
func DecodePayload(job queue.Job) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("distribution: decode payload: %w", err)
	}
	if err := payloadValidator.Struct(p); err != nil {
		return nil, fmt.Errorf("distribution: invalid payload: %w", err)
	}
	for _, c := range p.Emails {
		if err := candidateValidator.ValidateCandidate(c); err != nil {
			return nil, fmt.Errorf("distribution: invalid payload: %w", err)
		}
	}
	return &p, nil
}
