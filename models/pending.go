// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package models

import "time"

// PendingChange is one durable record of a local mutation that has not
// yet been confirmed by the remote. A path has at most one live
// PendingChange: re-recording the same path keeps the original Previous
// (so rollback to the pre-edit state stays possible) and replaces New.
type PendingChange struct {
	// Path addresses the mutated field inside the synced subtree.
	Path Path `json:"path"`

	// Previous is the value the field held before the first uncommitted
	// mutation. Retained across coalescing.
	Previous any `json:"previous"`

	// New is the latest uncommitted value for the field.
	New any `json:"new"`

	// CreatedAt is when the first uncommitted mutation to this path was
	// recorded.
	CreatedAt time.Time `json:"created_at"`

	// Seq preserves insertion order across restarts; lower values were
	// recorded earlier.
	Seq uint64 `json:"seq"`
}
