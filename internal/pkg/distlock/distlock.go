// Package distlock serializes work on a shared resource across processes.
// Locks are per resource key, carry an owner token, and expire on their own so
// that a crashed holder never wedges the resource.
package distlock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned when another owner holds the lock. It is retryable.
	ErrBusy = errors.New("distlock: lock busy")
	// ErrNotHeld is returned when an operation needs ownership the caller lost.
	ErrNotHeld = errors.New("distlock: lock not held")
)

// Locker is the acquire/release contract.
type Locker interface {
	// Acquire returns an owner token, or ErrBusy.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error)
	// Release deletes the lock only if token still owns it.
	Release(ctx context.Context, resource, token string) (bool, error)
	// Extend pushes the expiry out only if token still owns it.
	Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
}

// Hold keeps a held lock alive by extending it every ttl/3 until stop is
// called. If ownership is lost the returned context is canceled so the
// critical section can abandon its write.
func Hold(ctx context.Context, l Locker, resource, token string, ttl time.Duration) (context.Context, func()) {
	held, cancel := context.WithCancel(ctx)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
				ok, err := l.Extend(held, resource, token, ttl)
				if err != nil && held.Err() != nil {
					return
				}
				if err != nil || !ok {
					cancel()
					return
				}
			}
		}
	}()

	return held, func() {
		cancel()
		<-done
	}
}
