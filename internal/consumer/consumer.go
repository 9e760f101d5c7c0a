// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package consumer holds the static, process-lifetime registry of
// downstream HTTP consumers and the auth-header construction rules for
// calling them.
package consumer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tomtom215/plexer/internal/logging"
)

// AuthKind selects how a consumer's token is attached to outbound requests.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthXAuth  AuthKind = "x-auth"
)

// Descriptor is immutable for the process lifetime.
type Descriptor struct {
	Key      string   `validate:"required"`
	Label    string   `validate:"required"`
	URL      string   `validate:"required,url"`
	Token    string
	AuthKind AuthKind `validate:"required,oneof=bearer x-auth"`
}

// Registry is the static list of consumers loaded once at startup.
type Registry struct {
	consumers []Descriptor
	byKey     map[string]Descriptor
	critical  string
}

// NewRegistry builds a registry from descriptors that have a non-empty URL.
// Consumers with no URL are silently absent, per the registry's contract.
func NewRegistry(critical string, descriptors ...Descriptor) *Registry {
	r := &Registry{
		byKey:    make(map[string]Descriptor, len(descriptors)),
		critical: critical,
	}
	for _, d := range descriptors {
		if d.URL == "" {
			continue
		}
		r.consumers = append(r.consumers, d)
		r.byKey[d.Key] = d
	}
	return r
}

// All returns every registered consumer, in registration order.
func (r *Registry) All() []Descriptor {
	return r.consumers
}

// Lookup returns the consumer for a key, or false if absent (no URL
// configured, or key unknown).
func (r *Registry) Lookup(key string) (Descriptor, bool) {
	d, ok := r.byKey[key]
	return d, ok
}

// CriticalKey is the one consumer key for which failures are queued.
func (r *Registry) CriticalKey() string {
	return r.critical
}

// AuthHeader returns the header name and value to attach for this
// descriptor's token, or ("", "", false) if no token is configured.
// An unrecognized AuthKind logs a warning and defaults to bearer.
func (d Descriptor) AuthHeader() (name, value string, ok bool) {
	if d.Token == "" {
		return "", "", false
	}
	switch d.AuthKind {
	case AuthXAuth:
		return "X-Auth", d.Token, true
	case AuthBearer:
		return "Authorization", "Bearer " + d.Token, true
	default:
		logging.Warn().
			Str("consumer_key", d.Key).
			Str("auth_kind", string(d.AuthKind)).
			Msg("unrecognized auth kind, defaulting to bearer")
		return "Authorization", "Bearer " + d.Token, true
	}
}

// NormalizeURL validates an absolute URL and strips a trailing path slash,
// preserving the root "/" and preserving query/fragment, per the
// configuration contract for <NAME>_URL environment variables.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("URL %q must be absolute", raw)
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}
