// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package models

import "fmt"

// MergeMode selects how incoming data is combined with the existing
// live value.
type MergeMode string

const (
	// MergeModeSet replaces the existing value entirely.
	MergeModeSet MergeMode = "set"

	// MergeModeAssign shallow-merges top-level keys, overwriting.
	MergeModeAssign MergeMode = "assign"

	// MergeModeMerge deep-merges recursively; sequences replace
	// wholesale rather than merging element-wise.
	MergeModeMerge MergeMode = "merge"

	// MergeModeAppend concatenates an incoming sequence after the
	// existing one. Used for forward pagination.
	MergeModeAppend MergeMode = "append"

	// MergeModePrepend concatenates an incoming sequence before the
	// existing one.
	MergeModePrepend MergeMode = "prepend"
)

// Valid reports whether m is one of the recognized modes. The empty
// mode is not valid; callers default it before validation.
func (m MergeMode) Valid() bool {
	switch m {
	case MergeModeSet, MergeModeAssign, MergeModeMerge, MergeModeAppend, MergeModePrepend:
		return true
	}
	return false
}

// ParseMergeMode converts a configuration string into a MergeMode.
func ParseMergeMode(s string) (MergeMode, error) {
	m := MergeMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown merge mode %q", s)
	}
	return m, nil
}
