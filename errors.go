// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package synced

import (
	"errors"
	"fmt"
)

// Sentinel configuration errors. Callers should match with
// [errors.Is].
var (
	// ErrClosed is returned by operations on a closed Node.
	ErrClosed = errors.New("node is closed")

	// ErrNoObservable is returned by New when no reactive value is
	// bound.
	ErrNoObservable = errors.New("no observable value bound")

	// ErrNoPersist is returned by ClearPersist when the node has no
	// persistence adapter configured.
	ErrNoPersist = errors.New("no persistence configured")
)

// PersistenceError wraps a local-storage failure. It is surfaced via
// the status object but does not block remote sync unless the
// configuration demands journal durability first (Persist.RetrySync).
type PersistenceError struct {
	// Op is the failing adapter operation: "load", "save" or "delete".
	Op string

	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RemoteError wraps a network/backend failure. Remote errors are
// transient: they drive the retry scheduler and surface on the status
// object only once retries are exhausted or disabled.
type RemoteError struct {
	// Op is the failing remote operation: "get" or "set".
	Op string

	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ActivationError wraps a subscription-setup failure. It is terminal
// for the node until a manual Sync retries activation.
type ActivationError struct {
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activation: %v", e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }
