// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package merge applies incoming snapshots into existing live data
// under an explicit merge-mode policy.
package merge

import (
	"errors"
	"fmt"

	"dario.cat/mergo"

	"github.com/glasskey/synced/models"
)

// ErrShapeConflict is returned when the two sides of a merge disagree
// on the shape of a field (sequence on one side, scalar or map on the
// other). The engine treats this as a configuration error rather than
// guessing a precedence.
var ErrShapeConflict = errors.New("merge shape conflict")

// Apply combines incoming into existing per mode and returns the
// result. Inputs are never mutated; the result shares no mutable
// structure with existing.
func Apply(mode models.MergeMode, existing, incoming any) (any, error) {
	if existing == nil {
		return cloneAny(incoming), nil
	}

	switch mode {
	case models.MergeModeSet, "":
		return cloneAny(incoming), nil
	case models.MergeModeAssign:
		return assign(existing, incoming)
	case models.MergeModeMerge:
		return deepMerge(existing, incoming)
	case models.MergeModeAppend:
		return concat(existing, incoming, false)
	case models.MergeModePrepend:
		return concat(existing, incoming, true)
	default:
		return nil, fmt.Errorf("unknown merge mode %q", mode)
	}
}

// assign shallow-merges top-level keys of incoming into existing,
// overwriting.
func assign(existing, incoming any) (any, error) {
	dst, ok := existing.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: assign target is %T, not an object", ErrShapeConflict, existing)
	}
	src, ok := incoming.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: assign source is %T, not an object", ErrShapeConflict, incoming)
	}

	out := cloneMap(dst)
	for k, v := range src {
		out[k] = cloneAny(v)
	}
	return out, nil
}

// deepMerge merges incoming into existing recursively. Sequences
// replace wholesale. Shape conflicts between a sequence and anything
// else abort the merge.
func deepMerge(existing, incoming any) (any, error) {
	dst, ok := existing.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: merge target is %T, not an object", ErrShapeConflict, existing)
	}
	src, ok := incoming.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: merge source is %T, not an object", ErrShapeConflict, incoming)
	}

	if err := checkShapes("", dst, src); err != nil {
		return nil, err
	}

	out := cloneMap(dst)
	if err := mergo.Merge(&out, cloneMap(src), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("deep merge: %w", err)
	}
	return out, nil
}

// checkShapes walks both trees and rejects fields where one side is a
// sequence and the other is not.
func checkShapes(path models.Path, dst, src map[string]any) error {
	for k, sv := range src {
		dv, ok := dst[k]
		if !ok || dv == nil || sv == nil {
			continue
		}

		_, dSeq := dv.([]any)
		_, sSeq := sv.([]any)
		if dSeq != sSeq {
			return fmt.Errorf("%w: field %q is a sequence on one side only", ErrShapeConflict, string(path.Child(k)))
		}

		dm, dMap := dv.(map[string]any)
		sm, sMap := sv.(map[string]any)
		if dMap && sMap {
			if err := checkShapes(path.Child(k), dm, sm); err != nil {
				return err
			}
		}
	}
	return nil
}

// concat joins sequences: incoming after existing for append, before
// it for prepend. Object-valued nodes recurse per key so paginated
// payloads like {"items": [...]} concatenate naturally.
func concat(existing, incoming any, prepend bool) (any, error) {
	if es, ok := existing.([]any); ok {
		is, ok := incoming.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: concatenating %T into a sequence", ErrShapeConflict, incoming)
		}
		return joinSeqs(es, is, prepend), nil
	}

	em, ok := existing.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: concat target is %T, not a sequence or object", ErrShapeConflict, existing)
	}
	im, ok := incoming.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: concat source is %T, not an object", ErrShapeConflict, incoming)
	}

	out := cloneMap(em)
	for k, iv := range im {
		ev, exists := out[k]
		if !exists || ev == nil {
			out[k] = cloneAny(iv)
			continue
		}

		es, eSeq := ev.([]any)
		is, iSeq := iv.([]any)
		switch {
		case eSeq && iSeq:
			out[k] = joinSeqs(es, is, prepend)
		case eSeq != iSeq:
			return nil, fmt.Errorf("%w: field %q is a sequence on one side only", ErrShapeConflict, k)
		default:
			em2, eMap := ev.(map[string]any)
			im2, iMap := iv.(map[string]any)
			if eMap && iMap {
				joined, err := concat(em2, im2, prepend)
				if err != nil {
					return nil, err
				}
				out[k] = joined
				continue
			}
			// Scalar leaves ride along with the newest page
			// (cursors, totals, fetched-at marks).
			out[k] = cloneAny(iv)
		}
	}
	return out, nil
}

func joinSeqs(existing, incoming []any, prepend bool) []any {
	out := make([]any, 0, len(existing)+len(incoming))
	if prepend {
		out = append(out, incoming...)
		out = append(out, existing...)
	} else {
		out = append(out, existing...)
		out = append(out, incoming...)
	}
	return cloneAny(out).([]any)
}

func cloneMap(m map[string]any) map[string]any {
	return models.Clone(m)
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
