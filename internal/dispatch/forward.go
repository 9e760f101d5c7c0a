// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package dispatch issues the concurrent outbound HTTP POSTs that fan an
// event out to the consumer registry, and tracks the in-flight set for
// shutdown drain.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/envelope"
)

// DefaultPostTimeout bounds a single outbound attempt.
const DefaultPostTimeout = 10 * time.Second

// Outcome is the result of one POST attempt.
type Outcome struct {
	StatusCode int
	Err        error
}

// Success reports whether the attempt should be treated as a delivered
// event (2xx).
func (o Outcome) Success() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}

// ErrorMessage formats the outcome for logging and for the failure queue's
// error field, appending a token-rejected hint for 401/403 responses.
func (o Outcome) ErrorMessage() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	msg := fmt.Sprintf("status %d", o.StatusCode)
	if o.StatusCode == http.StatusUnauthorized || o.StatusCode == http.StatusForbidden {
		msg += " (token rejected)"
	}
	return msg
}

// Post issues a single POST of env to d.URL, attaching the auth header (if
// any) and Content-Type, using client. It never returns an error with a
// populated StatusCode; exactly one of Outcome.Err / a 2xx..5xx StatusCode
// is meaningful.
func Post(ctx context.Context, client *http.Client, d consumer.Descriptor, env envelope.Envelope) Outcome {
	body, err := env.MarshalJSON()
	if err != nil {
		return Outcome{Err: fmt.Errorf("marshal envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if name, value, ok := d.AuthHeader(); ok {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Err: err}
	}
	defer resp.Body.Close()

	return Outcome{StatusCode: resp.StatusCode}
}
