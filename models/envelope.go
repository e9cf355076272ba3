// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package models

import "time"

// EnvelopeVersion is the current persisted-layout version. Adapters
// store it verbatim so future layouts can migrate on load.
const EnvelopeVersion = 1

// Envelope is the unit a persistence adapter stores under one name:
// the (already transformed) data snapshot together with the change
// journal and sync bookkeeping. Persisting the journal alongside the
// data is what makes a recorded-but-unconfirmed mutation survive a
// crash between the local write and the remote confirmation.
type Envelope struct {
	// Version is the persisted-layout version, see EnvelopeVersion.
	Version int `json:"version"`

	// Data is the snapshot of the synced subtree in its persisted
	// representation: the live value after the persist transform's
	// save side, which may be any shape the transform produces.
	Data any `json:"data"`

	// Pending is the journal snapshot, in insertion order. Pending
	// values are stored untransformed; they re-enter the live value
	// directly on restore.
	Pending []PendingChange `json:"pending,omitempty"`

	// LastSync is the time of the last confirmed remote exchange.
	LastSync time.Time `json:"last_sync"`
}
