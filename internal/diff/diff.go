// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package diff computes the minimal outbound change set since the last
// successful sync, using a configured updated-at marker field.
package diff

import (
	"time"

	"github.com/glasskey/synced/models"
)

// Changed returns the subtrees of value whose updated-at marker is
// newer than since. A subtree is included when its own marker field
// (named fieldUpdatedAt) exceeds the threshold or, when it carries no
// marker of its own, when any descendant's does. Everything else is
// pruned, so the payload size is proportional to changed data rather
// than total data.
//
// The returned tree shares no mutable structure with value. A nil
// result means nothing changed.
func Changed(value models.Value, fieldUpdatedAt string, since time.Time) models.Value {
	pruned, _ := pruneMap(value, fieldUpdatedAt, since)
	return pruned
}

// pruneMap returns the changed portion of m and whether anything in m
// (itself or a descendant) is newer than since.
func pruneMap(m map[string]any, field string, since time.Time) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}

	if ts, ok := markerTime(m[field]); ok {
		if ts.After(since) {
			// The node's own marker is newer: the whole subtree goes out.
			return models.Clone(m), true
		}
		// A stale marker prunes the subtree regardless of descendants;
		// the marker speaks for the node it annotates.
		return nil, false
	}

	out := map[string]any{}
	changed := false
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			sub, ok := pruneMap(t, field, since)
			if ok {
				out[k] = sub
				changed = true
			}
		case []any:
			if seqChanged(t, field, since) {
				out[k] = cloneSeq(t)
				changed = true
			}
		default:
			// Scalar without an enclosing marker: no way to date it,
			// so it rides along only when a sibling marks the parent,
			// which the marker branch above already handles.
		}
	}
	if !changed {
		return nil, false
	}
	return out, true
}

// seqChanged reports whether any element of the sequence is newer than
// since. Sequences go out wholesale; element-level diffing is not
// attempted.
func seqChanged(s []any, field string, since time.Time) bool {
	for _, e := range s {
		if m, ok := e.(map[string]any); ok {
			if _, changed := pruneMap(m, field, since); changed {
				return true
			}
		}
	}
	return false
}

// markerTime interprets the supported encodings of an updated-at
// marker: time.Time, RFC 3339 string, or Unix milliseconds.
func markerTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case int64:
		return time.UnixMilli(t), true
	case float64:
		return time.UnixMilli(int64(t)), true
	default:
		return time.Time{}, false
	}
}

func cloneSeq(s []any) []any {
	c := models.Clone(map[string]any{"s": s})
	return c["s"].([]any)
}
