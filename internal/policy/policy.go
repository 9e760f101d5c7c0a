// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package policy implements the pure routing decision consulted by both
// the first-attempt dispatcher and the retry worker, avoiding branching
// duplication between them.
package policy

// Matrix holds the two event-type sets and the critical consumer key that
// together determine routing decisions. It is configured once at startup
// and never mutated afterward.
type Matrix struct {
	BroadcastEvents  map[string]struct{}
	BestEffortEvents map[string]struct{}
	CriticalConsumer string
}

// NewMatrix builds a Matrix from slices of event-type strings.
func NewMatrix(criticalConsumer string, broadcastEvents, bestEffortEvents []string) *Matrix {
	m := &Matrix{
		BroadcastEvents:  make(map[string]struct{}, len(broadcastEvents)),
		BestEffortEvents: make(map[string]struct{}, len(bestEffortEvents)),
		CriticalConsumer: criticalConsumer,
	}
	for _, t := range broadcastEvents {
		m.BroadcastEvents[t] = struct{}{}
	}
	for _, t := range bestEffortEvents {
		m.BestEffortEvents[t] = struct{}{}
	}
	return m
}

// Decision is the result of consulting the policy matrix for a single
// (event type, consumer) pair.
type Decision struct {
	Forward     bool
	QueueOnFail bool
}

// Route decides whether an event of eventType should be forwarded to
// consumerKey, and whether a failed forward should be durably queued.
//
//	forward = true     iff eventType is a broadcast event, or consumerKey is critical.
//	queueOnFail = true  iff consumerKey is critical and eventType is not best-effort.
func (m *Matrix) Route(eventType, consumerKey string) Decision {
	_, broadcast := m.BroadcastEvents[eventType]
	isCritical := consumerKey == m.CriticalConsumer
	_, bestEffort := m.BestEffortEvents[eventType]

	return Decision{
		Forward:     broadcast || isCritical,
		QueueOnFail: isCritical && !bestEffort,
	}
}
