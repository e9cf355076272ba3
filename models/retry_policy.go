// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package models

import (
	"fmt"
	"time"
)

// BackoffKind names the delay-growth strategy between retried attempts.
type BackoffKind string

const (
	// BackoffConstant waits the same delay between every attempt.
	BackoffConstant BackoffKind = "constant"

	// BackoffLinear waits delay multiplied by the attempt number.
	BackoffLinear BackoffKind = "linear"

	// BackoffExponential doubles the delay after every attempt.
	BackoffExponential BackoffKind = "exponential"
)

// Valid reports whether k is a recognized backoff kind.
func (k BackoffKind) Valid() bool {
	switch k {
	case BackoffConstant, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// RetryPolicy governs exactly one attempt sequence of a remote get or
// set. It is immutable once the sequence starts.
type RetryPolicy struct {
	// Infinite retries forever; MaxRetries is ignored when set.
	Infinite bool `json:"infinite"`

	// MaxRetries bounds the total number of attempts: the sequence
	// fails terminally once the attempt count reaches it. Zero or one
	// makes the first failure terminal.
	MaxRetries int `json:"max_retries"`

	// Backoff selects the delay-growth strategy.
	Backoff BackoffKind `json:"backoff"`

	// Delay is the base delay fed into the backoff strategy.
	Delay time.Duration `json:"delay"`

	// MaxDelay clamps the computed delay; zero leaves it unclamped.
	MaxDelay time.Duration `json:"max_delay"`
}

// Normalized returns a copy of p with zero fields replaced by
// defaults.
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.Delay <= 0 {
		p.Delay = 100 * time.Millisecond
	}
	return p
}

// Validate rejects unrecognized backoff kinds and negative bounds.
func (p RetryPolicy) Validate() error {
	if p.Backoff != "" && !p.Backoff.Valid() {
		return fmt.Errorf("unknown backoff kind %q", p.Backoff)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("negative max retries %d", p.MaxRetries)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("negative max delay %s", p.MaxDelay)
	}
	return nil
}
