// ABOUTME: Tests for the circuit breaker state machine
// ABOUTME: Covers open/close transitions, recovery trials, cancellation, and concurrency

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("connection refused")

// fakeClock lets tests advance time explicitly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail(context.Context) error    { return errRemote }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b := New("expert-1", 3, time.Minute)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errRemote)
	}
	assert.Equal(t, StateOpen, b.State())

	// Fourth call is rejected without invoking the function.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.True(t, IsOpen(err))
	assert.False(t, invoked)

	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "expert-1", oe.Name)
	assert.Greater(t, oe.RetryAfter, time.Duration(0))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("expert-1", 3, time.Minute)
	ctx := t.Context()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, 0, b.FailureCount())

	// Two more failures do not reach the threshold of three.
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RecoveryTrialClosesOnSuccess(t *testing.T) {
	clock := newFakeClock()
	b := New("expert-1", 3, 60*time.Second, WithClock(clock.Now))
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, StateOpen, b.State())

	// Still inside the recovery window: rejected.
	clock.Advance(59 * time.Second)
	require.True(t, IsOpen(b.Execute(ctx, succeed)))

	// Past the window: the next call is attempted and closes the breaker.
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreaker_RecoveryTrialReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := New("expert-1", 2, 30*time.Second, WithClock(clock.Now))
	ctx := t.Context()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(31 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, fail), errRemote)
	assert.Equal(t, StateOpen, b.State())

	// last_failure_time was refreshed, so the very next call is rejected.
	require.True(t, IsOpen(b.Execute(ctx, succeed)))
}

func TestBreaker_HalfOpenPermitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("expert-1", 1, 10*time.Second, WithClock(clock.Now))
	ctx := t.Context()

	require.Error(t, b.Execute(ctx, fail))
	clock.Advance(11 * time.Second)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	// A second call while the trial is in flight is rejected.
	require.True(t, IsOpen(b.Execute(ctx, succeed)))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancelledCallIsNoOp(t *testing.T) {
	b := New("expert-1", 2, time.Minute)
	ctx := t.Context()

	require.Error(t, b.Execute(ctx, fail))

	err := b.Execute(ctx, func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)

	// Neither success nor failure: the count is unchanged and one more
	// genuine failure still opens the breaker.
	assert.Equal(t, 1, b.FailureCount())
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancelledTrialFreesSlotWithoutTransition(t *testing.T) {
	clock := newFakeClock()
	b := New("expert-1", 1, 10*time.Second, WithClock(clock.Now))
	ctx := t.Context()

	require.Error(t, b.Execute(ctx, fail))
	clock.Advance(11 * time.Second)

	err := b.Execute(ctx, func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State())

	// The next caller becomes the trial and its success closes the breaker.
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	b := New("expert-1", 1, time.Minute)
	ctx := t.Context()

	err := b.Execute(ctx, func(context.Context) error { return context.DeadlineExceeded })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StaleClosedCallIsNotTheTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("expert-1", 1, 10*time.Second, WithClock(clock.Now))
	ctx := t.Context()

	// Call A is admitted while CLOSED and stays in flight across the
	// transitions below.
	staleRelease := make(chan error)
	staleDone := make(chan error, 1)
	go func() {
		staleDone <- b.Execute(ctx, func(context.Context) error {
			return <-staleRelease
		})
	}()
	// Give the goroutine a moment to be admitted.
	time.Sleep(20 * time.Millisecond)

	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)

	// Call C is admitted as the recovery trial and stays in flight.
	trialRelease := make(chan error)
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(ctx, func(context.Context) error {
			return <-trialRelease
		})
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// The stale call returning success must not close the breaker; only the
	// trial's outcome decides HALF_OPEN.
	staleRelease <- nil
	require.NoError(t, <-staleDone)
	assert.Equal(t, StateHalfOpen, b.State())

	// The trial failing re-opens the breaker.
	trialRelease <- errRemote
	require.ErrorIs(t, <-trialDone, errRemote)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StaleFailureWhileOpenDoesNotExtendRecovery(t *testing.T) {
	clock := newFakeClock()
	b := New("expert-1", 2, 30*time.Second, WithClock(clock.Now))
	ctx := t.Context()

	staleRelease := make(chan error)
	staleDone := make(chan error, 1)
	go func() {
		staleDone <- b.Execute(ctx, func(context.Context) error {
			return <-staleRelease
		})
	}()
	time.Sleep(20 * time.Millisecond)

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	// A stale failure landing while OPEN neither counts nor refreshes the
	// recovery window.
	clock.Advance(5 * time.Second)
	staleRelease <- errRemote
	require.ErrorIs(t, <-staleDone, errRemote)
	assert.Equal(t, 2, b.FailureCount())
	assert.Equal(t, StateOpen, b.State())

	// 31s after the genuine failures the trial is admitted. A refreshed
	// last_failure_time would still be rejecting here.
	clock.Advance(26 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ConcurrentFailuresOpenExactlyOnce(t *testing.T) {
	b := New("expert-1", 5, time.Minute)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(ctx, fail)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
