// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package synced

import (
	"context"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/glasskey/synced/internal/logger"
	"github.com/glasskey/synced/internal/transform"
	"github.com/glasskey/synced/models"
)

// ChangesSinceLastSync restricts outbound payloads to the fields whose
// updated-at marker is newer than the node's last successful sync.
const ChangesSinceLastSync = "last-sync"

// PersistConfig configures local persistence for a node.
type PersistConfig struct {
	// Name is the storage key the adapter stores the envelope under.
	// Defaults to the node name.
	Name string

	// Plugin is the persistence adapter.
	Plugin PersistAdapter

	// RetrySync requires journal durability before remote dispatch: a
	// failed envelope flush blocks the outbound set until a flush
	// succeeds.
	RetrySync bool

	// Transform converts between the live value and the persisted
	// representation. Save runs before storing, Load after reading.
	Transform []transform.Transform
}

// Config is the public configuration surface of a node.
type Config struct {
	// Name identifies the node. Defaults to a random UUID.
	Name string

	// Remote is the remote-source adapter; nil disables remote sync.
	Remote RemoteAdapter

	// Persist enables local persistence; nil disables it.
	Persist *PersistConfig

	// Initial seeds the live value before any load completes.
	Initial models.Value

	// Mode selects how incoming data merges into the live value.
	// Defaults to set.
	Mode models.MergeMode

	// Retry governs remote get/set attempt sequences.
	Retry models.RetryPolicy

	// DebounceSet is the quiet window coalescing local mutations into
	// one outbound set.
	DebounceSet time.Duration

	// Transform converts between the live value and the remote wire
	// form. Load runs on inbound data, Save on outbound.
	Transform []transform.Transform

	// WaitFor, when set, must return nil before activation proceeds.
	WaitFor func(ctx context.Context) error

	// ChangesSince selects the outbound diff strategy: empty sends
	// the full value, ChangesSinceLastSync sends only subtrees newer
	// than the last sync.
	ChangesSince string

	// FieldUpdatedAt names the updated-at marker field the diff
	// engine reads. Defaults to "updatedAt".
	FieldUpdatedAt string

	// SyncInterval re-runs the remote get periodically while the node
	// is active; zero disables the ticker.
	SyncInterval time.Duration

	// Eager activates the node at construction instead of on first
	// observation.
	Eager bool

	// Logger receives structured events; nil keeps the node silent.
	Logger *logger.Logger
}

// normalized fills defaults and validates the configuration.
func (c Config) normalized() (Config, error) {
	if c.Persist != nil {
		// Copy so layered defaults sharing one PersistConfig are
		// never mutated through a node.
		p := *c.Persist
		c.Persist = &p
	}
	if c.Mode == "" {
		c.Mode = models.MergeModeSet
	}
	if !c.Mode.Valid() {
		return c, fmt.Errorf("config: unknown merge mode %q", c.Mode)
	}
	if err := c.Retry.Validate(); err != nil {
		return c, fmt.Errorf("config: retry: %w", err)
	}
	if c.ChangesSince != "" && c.ChangesSince != ChangesSinceLastSync {
		return c, fmt.Errorf("config: unknown changesSince %q", c.ChangesSince)
	}
	if c.FieldUpdatedAt == "" {
		c.FieldUpdatedAt = "updatedAt"
	}
	if c.Persist != nil && c.Persist.Plugin == nil {
		return c, fmt.Errorf("config: persist enabled without a plugin")
	}
	if c.Persist != nil && c.Persist.Name == "" {
		c.Persist.Name = c.Name
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c, nil
}

// Configure builds a node constructor carrying layered defaults: the
// returned function deep-merges each per-node Config over defaults
// once, at construction, and never mutates either afterwards.
func Configure(defaults Config) func(obs Observable, cfg Config) (*Node, error) {
	return func(obs Observable, cfg Config) (*Node, error) {
		merged := cfg
		if err := mergo.Merge(&merged, defaults); err != nil {
			return nil, fmt.Errorf("config: merging defaults: %w", err)
		}
		return New(obs, merged)
	}
}
