// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

package models

import (
	"reflect"
	"strings"
)

// Value is the in-memory representation of a synced subtree: a tree of
// nested map[string]any nodes with scalar or sequence ([]any) leaves.
// It is the common currency between the live reactive value, the local
// persistence envelope and the remote payload.
type Value = map[string]any

// Path addresses a single field inside a Value as a dot-separated key
// sequence, e.g. "profile.address.city". The empty path addresses the
// root of the tree.
type Path string

// Segments splits the path into its key components. The empty path
// yields nil.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Child returns the path extended by one key.
func (p Path) Child(key string) Path {
	if p == "" {
		return Path(key)
	}
	return Path(string(p) + "." + key)
}

// GetPath walks v along path and returns the addressed field.
// The second return reports whether every intermediate node existed
// and was a map.
func GetPath(v Value, path Path) (any, bool) {
	segs := path.Segments()
	if len(segs) == 0 {
		return v, v != nil
	}

	cur := any(v)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes val at path inside v, creating intermediate maps as
// needed. Intermediate nodes that exist but are not maps are replaced.
// The root path replaces the whole tree content.
func SetPath(v Value, path Path, val any) {
	segs := path.Segments()
	if len(segs) == 0 {
		root, ok := val.(map[string]any)
		if !ok {
			return
		}
		for k := range v {
			delete(v, k)
		}
		for k, rv := range root {
			v[k] = rv
		}
		return
	}

	cur := v
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = val
}

// DeletePath removes the field at path. Missing intermediate nodes are
// a no-op.
func DeletePath(v Value, path Path) {
	segs := path.Segments()
	if len(segs) == 0 {
		for k := range v {
			delete(v, k)
		}
		return
	}

	cur := v
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Clone returns a deep copy of v. Maps and sequences are copied
// recursively; scalar leaves are shared (they are immutable by
// convention).
func Clone(v Value) Value {
	if v == nil {
		return nil
	}
	return cloneMap(v)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports deep equality of two values.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
