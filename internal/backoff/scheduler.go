// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package backoff drives retried attempts of remote operations under a
// RetryPolicy.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/glasskey/synced/models"
)

// State is the scheduler's position in the per-operation state
// machine: Idle -> Attempting -> {Succeeded | Waiting -> Attempting |
// FailedTerminal}.
type State int32

const (
	StateIdle State = iota
	StateAttempting
	StateWaiting
	StateSucceeded
	StateFailedTerminal
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	case StateFailedTerminal:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInFlight is returned by Run when the scheduler already has an
// attempt sequence in progress. Each scheduler is one operation slot;
// callers queue behind it rather than racing it.
var ErrInFlight = errors.New("operation already in flight")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: Run fails terminally on it
// regardless of the policy. Transform and configuration errors travel
// through here.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Scheduler runs one operation slot under an immutable RetryPolicy.
// At most one attempt sequence is in flight at a time.
type Scheduler struct {
	policy models.RetryPolicy

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	busy     bool
}

// New returns a scheduler for the given policy. The policy is
// normalized once here and never changes afterwards.
func New(policy models.RetryPolicy) *Scheduler {
	return &Scheduler{policy: policy.Normalized(), state: StateIdle}
}

// State returns the current machine state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of attempts made in the current (or
// last) sequence.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastError returns the most recent attempt failure.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Run executes op until it succeeds, fails terminally, or ctx is
// cancelled. Delays between attempts follow the policy's backoff kind,
// clamped to MaxDelay. Without Infinite, the sequence ends after
// MaxRetries retries and the last error is returned. A cancelled ctx
// abandons rescheduling; an attempt already dispatched may still
// finish but its outcome is discarded.
func (s *Scheduler) Run(ctx context.Context, op func(context.Context) error) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrInFlight
	}
	s.busy = true
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	delays := s.delays()

	for {
		s.transition(StateAttempting, nil)
		err := op(ctx)
		if err == nil {
			s.transition(StateSucceeded, nil)
			return nil
		}

		s.mu.Lock()
		s.attempts++
		s.lastErr = err
		s.mu.Unlock()

		if IsPermanent(err) {
			s.transition(StateFailedTerminal, err)
			return err
		}
		if ctx.Err() != nil {
			s.transition(StateFailedTerminal, err)
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		}

		delay, stop := delays.Next()
		if stop {
			s.transition(StateFailedTerminal, err)
			return err
		}

		s.transition(StateWaiting, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.transition(StateFailedTerminal, err)
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func (s *Scheduler) transition(state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// delays builds the per-sequence backoff source. Constant and
// exponential come straight from go-retry; linear multiplies the base
// delay by the attempt number.
func (s *Scheduler) delays() retry.Backoff {
	var b retry.Backoff
	switch s.policy.Backoff {
	case models.BackoffConstant:
		b = retry.NewConstant(s.policy.Delay)
	case models.BackoffLinear:
		b = linearBackoff(s.policy.Delay)
	default:
		b = retry.NewExponential(s.policy.Delay)
	}

	if s.policy.MaxDelay > 0 {
		b = retry.WithCappedDuration(s.policy.MaxDelay, b)
	}
	if !s.policy.Infinite {
		// MaxRetries bounds total attempts; the wrapper counts
		// re-attempts after the first one.
		retries := s.policy.MaxRetries - 1
		if retries < 0 {
			retries = 0
		}
		b = retry.WithMaxRetries(uint64(retries), b)
	}
	return b
}

func linearBackoff(base time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
}
