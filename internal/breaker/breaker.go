// ABOUTME: Per-endpoint circuit breaker guarding remote calls against repeated failure
// ABOUTME: CLOSED/OPEN/HALF_OPEN state machine with a single-trial recovery probe

package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls immediately with *OpenError.
	StateOpen
	// StateHalfOpen permits exactly one trial call whose outcome decides
	// the next state.
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// OpenError is returned by Execute when the breaker is rejecting calls.
// RetryAfter reports how long until the next recovery trial is permitted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err indicates a rejected call from an open breaker.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Breaker guards calls to a single remote endpoint. One instance exists per
// endpoint and is never shared across endpoints. All state transitions and
// the failure counter are updated under one mutex, so concurrent callers
// against the same instance observe a consistent state machine.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock substitutes the time source. Used by tests to step through the
// recovery timeout without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a breaker that opens after failureThreshold consecutive
// failures and permits a recovery trial once recoveryTimeout has elapsed
// since the last failure.
func New(name string, failureThreshold int, recoveryTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "breaker", "breaker", name)
	return b
}

// Execute runs fn under the breaker's protection. When the breaker is OPEN
// and the recovery timeout has not elapsed, fn is not invoked and *OpenError
// is returned. Otherwise fn's outcome is recorded:
//
//   - nil closes a HALF_OPEN breaker and resets the failure counter
//   - context.Canceled is a no-op for breaker state (the call was abandoned
//     before an outcome was observed, so it counts as neither)
//   - any other error, including context.DeadlineExceeded, is a failure
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	isTrial, err := b.beforeCall()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.afterCall(isTrial, err)
	return err
}

// beforeCall admits or rejects the call and claims the recovery trial slot.
// The returned flag tags the admitted call itself: only the call admitted as
// the trial may decide the HALF_OPEN outcome, no matter what state the
// breaker is in by the time that call returns.
func (b *Breaker) beforeCall() (isTrial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed <= b.recoveryTimeout {
			return false, &OpenError{Name: b.name, RetryAfter: b.recoveryTimeout - elapsed}
		}
		// First call after the timeout becomes the recovery trial.
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.logger.Info("circuit breaker half-open", "name", b.name)
		return true, nil

	case StateHalfOpen:
		if b.trialInFlight {
			return false, &OpenError{Name: b.name, RetryAfter: 0}
		}
		b.trialInFlight = true
		return true, nil

	default:
		return false, fmt.Errorf("circuit breaker %q in unknown state %d", b.name, b.state)
	}
}

// afterCall records the outcome of an admitted call. isTrial is the admission
// tag from beforeCall. A call admitted while CLOSED that outlives a later
// OPEN/HALF_OPEN transition is stale: its outcome must neither stand in for
// the trial nor touch the counter or recovery window.
func (b *Breaker) afterCall(isTrial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isTrial {
		b.trialInFlight = false
	}

	switch {
	case err == nil:
		if isTrial {
			b.state = StateClosed
			b.logger.Info("circuit breaker closed", "name", b.name)
		}
		if b.state == StateClosed {
			b.failureCount = 0
		}

	case errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		// Abandoned before an outcome was observed. The state machine does
		// not move; a cancelled trial frees the slot for the next caller.

	default:
		if isTrial {
			b.lastFailureTime = b.now()
			b.state = StateOpen
			b.logger.Warn("circuit breaker re-opened after failed trial", "name", b.name)
			return
		}
		if b.state != StateClosed {
			// Stale outcome from before the breaker opened.
			return
		}
		// Failures are only counted while CLOSED.
		b.lastFailureTime = b.now()
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.logger.Warn("circuit breaker opened",
				"name", b.name,
				"failure_count", b.failureCount)
		}
	}
}

// Name returns the breaker's endpoint name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the consecutive failure count observed while CLOSED.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
