// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package synced

import (
	"context"
	"sync"

	"github.com/glasskey/synced/models"
)

// MemoryAdapter is the reference persistence adapter: a synchronous
// in-process store keyed by name. It backs tests and acts as the
// default when no durable adapter is wired; real deployments plug in
// their own adapter behind [PersistAdapter].
type MemoryAdapter struct {
	mu   sync.RWMutex
	data map[string]models.Envelope
}

// NewMemoryAdapter returns an empty adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{data: make(map[string]models.Envelope)}
}

// Load implements PersistAdapter.
func (a *MemoryAdapter) Load(_ context.Context, name string) (models.Envelope, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	env, ok := a.data[name]
	if !ok {
		return models.Envelope{}, ErrNotPersisted
	}
	return cloneEnvelope(env), nil
}

// Save implements PersistAdapter.
func (a *MemoryAdapter) Save(_ context.Context, name string, env models.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[name] = cloneEnvelope(env)
	return nil
}

// Delete implements PersistAdapter.
func (a *MemoryAdapter) Delete(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, name)
	return nil
}

// Synchronous implements PersistAdapter. Memory access never
// suspends.
func (a *MemoryAdapter) Synchronous() bool { return true }

// cloneEnvelope deep-copies an envelope so stored state never aliases
// live state.
func cloneEnvelope(env models.Envelope) models.Envelope {
	out := env
	if m, ok := env.Data.(map[string]any); ok {
		out.Data = models.Clone(m)
	}
	if env.Pending != nil {
		out.Pending = make([]models.PendingChange, len(env.Pending))
		copy(out.Pending, env.Pending)
	}
	return out
}
