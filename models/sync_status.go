// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package models

import "time"

// SyncStatus is the public, read-only view of one sync node's state.
// It is mutated only by the orchestrator and handed out by value.
type SyncStatus struct {
	// IsPersistLoaded is true once local-persisted data has been loaded
	// and merged into the live value.
	IsPersistLoaded bool `json:"is_persist_loaded"`

	// IsPersistEnabled reports whether a persistence adapter is bound.
	IsPersistEnabled bool `json:"is_persist_enabled"`

	// IsLoaded is true once the first remote get has been applied.
	IsLoaded bool `json:"is_loaded"`

	// IsSyncEnabled reports whether a remote adapter is bound.
	IsSyncEnabled bool `json:"is_sync_enabled"`

	// LastSync is the time of the last successful remote exchange; zero
	// before the first one.
	LastSync time.Time `json:"last_sync"`

	// SyncCount is the number of successful remote exchanges.
	SyncCount int64 `json:"sync_count"`

	// Error holds the most recent surfaced failure, nil while healthy.
	// Transient errors appear here only after retries are exhausted.
	Error error `json:"-"`
}
