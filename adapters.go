// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package synced

import (
	"context"
	"errors"

	"github.com/glasskey/synced/models"
)

// Observable is the reactive-value collaborator a Node binds to. The
// engine is a consumer of this interface, never an implementer: the
// application owns the live value, the Node only reads it, writes
// merged data into it and listens for change notifications.
type Observable interface {
	// Get returns the current value. It must be safe to call at any
	// time; the Node treats the result as a snapshot it may retain.
	Get() models.Value

	// Set replaces the current value and synchronously notifies
	// subscribers.
	Set(models.Value)

	// OnChange registers a change listener and returns its
	// unsubscribe function. Listeners are invoked synchronously from
	// Set with the new value.
	OnChange(fn func(models.Value)) (unsubscribe func())
}

// ErrNotPersisted is returned by a persistence adapter's Load when
// nothing has been stored under the requested name yet.
var ErrNotPersisted = errors.New("nothing persisted under this name")

// PersistAdapter is the pluggable local-persistence collaborator. The
// orchestrator never branches on the adapter's identity, only on its
// declared capability.
type PersistAdapter interface {
	// Load reads the envelope stored under name, or ErrNotPersisted.
	Load(ctx context.Context, name string) (models.Envelope, error)

	// Save durably stores the envelope under name.
	Save(ctx context.Context, name string, env models.Envelope) error

	// Delete removes everything stored under name. Deleting an absent
	// name is not an error.
	Delete(ctx context.Context, name string) error

	// Synchronous reports whether Load/Save complete without real I/O
	// suspension. Only synchronous adapters can make IsPersistLoaded
	// true before an eager activation returns.
	Synchronous() bool
}

// SetRequest is the payload handed to a remote adapter's Set.
type SetRequest struct {
	// Value is the outbound payload, already run through the save
	// side of the transform pipeline. With ChangesSinceLastSync it is
	// restricted to subtrees changed since the last sync.
	Value any

	// Changes lists the pending changes this write is confirming, in
	// the order they were recorded.
	Changes []models.PendingChange
}

// RemoteAdapter is the pluggable remote-source collaborator.
type RemoteAdapter interface {
	// Get fetches the remote value in wire form.
	Get(ctx context.Context) (any, error)

	// Set pushes local changes. The returned value, when non-nil,
	// carries server-confirmed fields (e.g. a server-assigned
	// updated-at) in wire form; the Node merges it back after
	// confirming the journal entries.
	Set(ctx context.Context, req SetRequest) (any, error)
}

// SubscribeHooks are the callbacks a remote subscription may invoke.
type SubscribeHooks struct {
	// Refresh asks the Node to re-run its remote get.
	Refresh func()

	// Update pushes wire-form data straight into the Node's transform
	// and merge path, without a get round-trip.
	Update func(data any)
}

// Subscriber is implemented by remote adapters that can push changes.
// Subscribe is invoked once per activation; the returned teardown is
// retained until the Node closes.
type Subscriber interface {
	Subscribe(ctx context.Context, hooks SubscribeHooks) (teardown func(), err error)
}
