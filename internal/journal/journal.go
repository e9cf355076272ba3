// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package journal keeps the durable record of local mutations that the
// remote has not yet confirmed.
package journal

import (
	"sync"
	"time"

	"github.com/glasskey/synced/models"
)

// Journal tracks at most one live pending change per field path.
// Re-recording a path coalesces: the original previous value is kept
// (so a rollback to the pre-edit state is always possible) and the new
// value is replaced. Iteration order is insertion order, stable across
// a Restore.
//
// The Journal itself is memory-only; the orchestrator flushes its
// snapshot inside the persistence envelope after every Record, which
// is what makes the record durable.
type Journal struct {
	mu      sync.Mutex
	entries map[models.Path]*models.PendingChange
	order   []models.Path
	seq     uint64
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{entries: make(map[models.Path]*models.PendingChange)}
}

// Record inserts or coalesces the pending change for path and returns
// a copy of the resulting entry.
func (j *Journal) Record(path models.Path, previous, newValue any) models.PendingChange {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e, ok := j.entries[path]; ok {
		e.New = newValue
		return *e
	}

	j.seq++
	e := &models.PendingChange{
		Path:      path,
		Previous:  previous,
		New:       newValue,
		CreatedAt: time.Now().UTC(),
		Seq:       j.seq,
	}
	j.entries[path] = e
	j.order = append(j.order, path)
	return *e
}

// Confirm removes the pending change for path. It reports whether an
// entry existed.
func (j *Journal) Confirm(path models.Path) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.entries[path]; !ok {
		return false
	}
	delete(j.entries, path)
	for i, p := range j.order {
		if p == path {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
	return true
}

// Pending returns a snapshot of all live entries in insertion order.
func (j *Journal) Pending() []models.PendingChange {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]models.PendingChange, 0, len(j.order))
	for _, p := range j.order {
		out = append(out, *j.entries[p])
	}
	return out
}

// Len returns the number of live entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Clear drops every entry.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[models.Path]*models.PendingChange)
	j.order = nil
}

// Restore replaces the journal content with a previously persisted
// snapshot, preserving its recorded order and sequence numbers. Used
// on process restart to resume unconfirmed writes.
func (j *Journal) Restore(snapshot []models.PendingChange) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = make(map[models.Path]*models.PendingChange, len(snapshot))
	j.order = j.order[:0]
	j.seq = 0
	for i := range snapshot {
		e := snapshot[i]
		if _, dup := j.entries[e.Path]; dup {
			continue
		}
		j.entries[e.Path] = &e
		j.order = append(j.order, e.Path)
		if e.Seq > j.seq {
			j.seq = e.Seq
		}
	}
}
