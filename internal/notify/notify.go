// Package notify delivers event outcome notifications to the uploader. A
// notification is best-effort: losing one never affects the event.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/pkg/metrics"
	"go.uber.org/multierr"
)

// Type names a notification.
type Type string

const (
	TypeCompleted Type = "snowball.completed"
	TypeFailed    Type = "snowball.failed"
)

// DefaultTimeout bounds a fire-and-forget dispatch.
const DefaultTimeout = 5 * time.Second

// Notification is the payload every sink receives.
type Notification struct {
	Type             Type               `json:"type"`
	EventID          string             `json:"eventId"`
	RepositoryID     string             `json:"repositoryId"`
	UploaderID       string             `json:"uploaderId"`
	RecipientEmail   string             `json:"-"`
	Status           domain.EventStatus `json:"status"`
	Stats            domain.EventStats  `json:"stats"`
	FailureReason    domain.Reason      `json:"failureReason,omitempty"`
	NextGenPotential int                `json:"nextGenPotential"`
	ViralCoefficient float64            `json:"viralCoefficient"`
	At               time.Time          `json:"at"`
}

// ForEvent builds the notification for a terminal event.
func ForEvent(ev *domain.SnowballEvent, nextGenPotential int, viralCoefficient float64) Notification {
	n := Notification{
		Type:             TypeCompleted,
		EventID:          ev.ID,
		RepositoryID:     ev.RepositoryID,
		UploaderID:       ev.UploaderID,
		RecipientEmail:   ev.UploaderEmail,
		Status:           ev.Status,
		Stats:            ev.Stats,
		FailureReason:    ev.FailureReason,
		NextGenPotential: nextGenPotential,
		ViralCoefficient: viralCoefficient,
		At:               ev.UpdatedAt,
	}
	if ev.Status == domain.EventFailed || ev.FailureReason != "" {
		n.Type = TypeFailed
	}
	return n
}

// Sink delivers a notification over one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a notification out to every sink.
type Dispatcher struct {
	sinks   []Sink
	metrics *metrics.Engine
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(m *metrics.Engine, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, metrics: m, timeout: DefaultTimeout}
}

// Send delivers to every sink and returns the combined error.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	var err error
	for _, s := range d.sinks {
		if sendErr := s.Send(ctx, n); sendErr != nil {
			d.metrics.NotificationFailed(s.Name())
			err = multierr.Append(err, sendErr)
		}
	}
	return err
}

// Publish delivers in the background. Failures are logged and counted, never
// returned; the caller's cancellation does not abort delivery.
func (d *Dispatcher) Publish(ctx context.Context, n Notification) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.Send(sendCtx, n); err != nil {
			for _, e := range multierr.Errors(err) {
				logger.Warn("notification failed", "component", "notify",
					"event_id", n.EventID, "type", string(n.Type), "error", e)
			}
		}
	}()
}

// Wait blocks until in-flight Publish calls finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notify: pending notifications abandoned"), ctx.Err())
	}
}
