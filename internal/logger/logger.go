// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 The synced Authors

// Package logger provides a thin wrapper around zerolog.Logger with
// the constructors and context helpers used throughout the sync
// engine.
//
// The Logger type embeds zerolog.Logger so the full zerolog API is
// available directly on *Logger. Library code receives a *Logger via
// configuration and never writes anything when given Nop().
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a thin wrapper around zerolog.Logger.
type Logger struct {
	zerolog.Logger
}

// New constructs a JSON logger for the given role label (e.g. "sync",
// "persist") writing to os.Stderr with timestamps.
func New(role string) *Logger {
	return NewWriter(role, os.Stderr)
}

// NewWriter is New with an explicit output writer; tests pass a
// buffer.
func NewWriter(role string, w io.Writer) *Logger {
	l := zerolog.New(w).With().
		Str("role", role).
		Timestamp().
		Logger()
	return &Logger{l}
}

// Nop returns a *Logger that discards all output. It is the default
// for library consumers that configure no logger.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// With returns a child logger inheriting the receiver's fields plus
// the given string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{l.Logger.With().Str(key, value).Logger()}
}

// FromContext extracts the zerolog.Logger attached to ctx, falling
// back to zerolog's global logger when none is attached.
func FromContext(ctx context.Context) *Logger {
	return &Logger{*log.Ctx(ctx)}
}
