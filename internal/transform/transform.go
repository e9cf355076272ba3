// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package transform implements the bidirectional value-conversion
// pipeline sitting between the live value and its persisted or remote
// representation.
//
// A Transform is a {Load, Save} pair. Load converts the stored/wire
// form toward the live form; Save converts back. Transforms compose:
// during Load they are applied in declared order, during Save in the
// same declared order, each output feeding the next. Authors are
// responsible for making their Save undo their Load; the pipeline does
// not verify inverse correctness. Transforms must be idempotent under
// repeated application to the same stable input so retried operations
// stay safe.
package transform

import (
	"context"
	"fmt"
)

// Func converts one representation of a value into another. It may
// suspend on ctx (transforms are allowed to be asynchronous) and must
// not mutate its input.
type Func func(ctx context.Context, v any) (any, error)

// Transform is one bidirectional conversion step. Either side may be
// nil, meaning identity in that direction.
type Transform struct {
	Load Func
	Save Func
}

// Error reports a malformed value encountered by a transform. It
// aborts the enclosing load or save operation without corrupting the
// change journal; it is never retried.
type Error struct {
	// Stage is "load" or "save".
	Stage string

	// Index is the position of the failing transform in the pipeline.
	Index int

	// Err is the transform's own failure.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s[%d]: %v", e.Stage, e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Pipeline is an ordered sequence of transforms.
type Pipeline struct {
	steps []Transform
}

// NewPipeline builds a pipeline applying steps in the given order
// during Load. Nil entries are skipped.
func NewPipeline(steps ...Transform) *Pipeline {
	kept := make([]Transform, 0, len(steps))
	for _, s := range steps {
		if s.Load == nil && s.Save == nil {
			continue
		}
		kept = append(kept, s)
	}
	return &Pipeline{steps: kept}
}

// Empty reports whether the pipeline has no steps.
func (p *Pipeline) Empty() bool {
	return p == nil || len(p.steps) == 0
}

// Load runs raw through every transform's Load in declared order.
func (p *Pipeline) Load(ctx context.Context, raw any) (any, error) {
	if p == nil {
		return raw, nil
	}
	v := raw
	for i, s := range p.steps {
		if s.Load == nil {
			continue
		}
		out, err := s.Load(ctx, v)
		if err != nil {
			return nil, &Error{Stage: "load", Index: i, Err: err}
		}
		v = out
	}
	return v, nil
}

// Save runs value through every transform's Save in declared order.
func (p *Pipeline) Save(ctx context.Context, value any) (any, error) {
	if p == nil {
		return value, nil
	}
	v := value
	for i, s := range p.steps {
		if s.Save == nil {
			continue
		}
		out, err := s.Save(ctx, v)
		if err != nil {
			return nil, &Error{Stage: "save", Index: i, Err: err}
		}
		v = out
	}
	return v, nil
}
