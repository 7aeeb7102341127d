package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_Exponential(t *testing.T) {
	p := Exponential(3, 3*time.Second, time.Minute)

	assert.Equal(t, 3*time.Second, p.Delay(1))
	assert.Equal(t, 6*time.Second, p.Delay(2))
	assert.Equal(t, 12*time.Second, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(10))
	assert.Equal(t, 3*time.Second, p.Delay(0))
}

func TestDelay_JitterBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)
	p := Policy{BaseDelay: time.Second, MaxDelay: 20 * time.Second, Jitter: true}

	properties.Property("jittered delay within [100ms, cap]", prop.ForAll(
		func(attempt int) bool {
			d := p.Delay(attempt)
			return d >= minJitteredDelay && d <= 20*time.Second
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("always")
	})

	assert.EqualError(t, err, "always")
	assert.Equal(t, 2, calls)
}

func TestDo_StopIsNotRetried(t *testing.T) {
	sentinel := errors.New("permanent")
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Stop(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	attempted := make(chan struct{})
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			if attempt == 1 {
				close(attempted)
			}
			return errors.New("busy")
		})
	}()
	<-attempted
	cancel()

	select {
	case err := <-done:
		assert.EqualError(t, err, "busy")
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
