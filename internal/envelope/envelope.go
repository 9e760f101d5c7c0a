// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package envelope validates and normalizes inbound event envelopes.
package envelope

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// maxFieldLength is the maximum length of type and source after normalization.
const maxFieldLength = 256

// Envelope is the three-field event shape accepted on ingress and forwarded,
// byte-identical in shape, to every consumer.
type Envelope struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// ValidationError names the offending field of a rejected envelope.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// raw mirrors the wire shape with payload left as interface{} so a missing
// payload key (as opposed to an explicit null) can be distinguished.
type raw struct {
	Type    interface{} `json:"type"`
	Source  interface{} `json:"source"`
	Payload interface{} `json:"payload"`
}

// Parse decodes a JSON request body into a raw candidate envelope. It returns
// a plain error (not *ValidationError) for structurally invalid JSON, which
// callers surface as "Invalid JSON" rather than a field-level message.
func Parse(body []byte) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Validate checks a decoded JSON object against the envelope schema and
// returns the normalized envelope: type lowercased, source trimmed, payload
// untouched. It rejects anything that is not an object, a missing or
// non-string type/source, an empty (after trimming) type/source, a
// normalized type/source exceeding maxFieldLength characters, a missing
// payload key, and a payload that cannot be serialized back to JSON.
func Validate(obj map[string]interface{}) (Envelope, error) {
	if obj == nil {
		return Envelope{}, fieldError("body", "must be a JSON object")
	}

	typeVal, hasType := obj["type"]
	if !hasType {
		return Envelope{}, fieldError("type", "is required")
	}
	typeStr, ok := typeVal.(string)
	if !ok {
		return Envelope{}, fieldError("type", "must be a string")
	}
	normalizedType := strings.ToLower(strings.TrimSpace(typeStr))
	if normalizedType == "" {
		return Envelope{}, fieldError("type", "must not be empty")
	}
	if utf8.RuneCountInString(normalizedType) > maxFieldLength {
		return Envelope{}, fieldError("type", fmt.Sprintf("must be at most %d characters", maxFieldLength))
	}

	sourceVal, hasSource := obj["source"]
	if !hasSource {
		return Envelope{}, fieldError("source", "is required")
	}
	sourceStr, ok := sourceVal.(string)
	if !ok {
		return Envelope{}, fieldError("source", "must be a string")
	}
	normalizedSource := strings.TrimSpace(sourceStr)
	if normalizedSource == "" {
		return Envelope{}, fieldError("source", "must not be empty")
	}
	if utf8.RuneCountInString(normalizedSource) > maxFieldLength {
		return Envelope{}, fieldError("source", fmt.Sprintf("must be at most %d characters", maxFieldLength))
	}

	payload, hasPayload := obj["payload"]
	if !hasPayload {
		return Envelope{}, fieldError("payload", "is required")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fieldError("payload", "must be JSON-serializable")
	}

	return Envelope{
		Type:    normalizedType,
		Source:  normalizedSource,
		Payload: payloadJSON,
	}, nil
}

// PayloadRepoKey reports the value of a string "repo" key inside the payload
// object, for fanout success logging. It returns "" if the payload is not an
// object, has no "repo" key, or that key is not a string.
func (e Envelope) PayloadRepoKey() string {
	var obj map[string]interface{}
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return ""
	}
	repo, ok := obj["repo"]
	if !ok {
		return ""
	}
	s, ok := repo.(string)
	if !ok {
		return ""
	}
	return s
}

// MarshalJSON serializes the envelope to exactly its three fields, in order,
// with no injected identifiers or timestamps.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Type    string          `json:"type"`
		Source  string          `json:"source"`
		Payload json.RawMessage `json:"payload"`
	}{
		Type:    e.Type,
		Source:  e.Source,
		Payload: payload,
	})
}
