// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package queue implements the durable, append-only failure queue and the
// advisory-locked rename-snapshot protocol used by the retry worker and
// crash recovery.
package queue

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/plexer/internal/envelope"
)

// Entry is one line of failed_forwards.jsonl.
type Entry struct {
	ConsumerKey string            `json:"consumerKey" validate:"required"`
	Event       envelope.Envelope `json:"event" validate:"required"`
	RetryCount  int               `json:"retryCount" validate:"min=0"`
	LastAttempt time.Time         `json:"lastAttempt" validate:"required"`
	NextAttempt time.Time         `json:"nextAttempt" validate:"required"`
	Error       string            `json:"error"`
}

// MarshalLine serializes the entry as a single newline-terminated JSON line.
func (e Entry) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DueAt reports whether the entry is eligible for a retry attempt at now.
func (e Entry) DueAt(now time.Time) bool {
	return !e.NextAttempt.After(now)
}
