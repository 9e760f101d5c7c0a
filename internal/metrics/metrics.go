// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package metrics exposes the delivery subsystem's in-memory counters both
// as the §4.8 status report and as Prometheus gauges/counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/queue"
)

// Counts mirrors the §3 in-memory metrics shape.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Report is the payload of the delivery report envelope served at
// GET /status.
type Report struct {
	Counts       Counts     `json:"counts"`
	LastError    string     `json:"last_error"`
	LastRetryAt  *time.Time `json:"last_retry_at"`
	RetryableNow int        `json:"retryable_now"`
	NextDueAt    *time.Time `json:"next_due_at"`
}

// Registry bridges the queue's counters and the dispatcher's in-flight set
// into a single read point for both the status endpoint and the Prometheus
// exposition.
type Registry struct {
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher

	queueFailed      prometheus.Gauge
	queueRetryable   prometheus.Gauge
	dispatchPending  prometheus.Gauge
	dispatchOutcomes *prometheus.CounterVec
	circuitBreakers  *prometheus.GaugeVec
}

// New wires a Registry to the live queue and dispatcher, registering
// Prometheus collectors against reg.
func New(reg prometheus.Registerer, q *queue.Queue, d *dispatch.Dispatcher) *Registry {
	return &Registry{
		queue:      q,
		dispatcher: d,
		queueFailed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "plexer_queue_failed",
			Help: "Current line count of the durable failure queue.",
		}),
		queueRetryable: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "plexer_queue_retryable_now",
			Help: "Queue entries whose nextAttempt has elapsed.",
		}),
		dispatchPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "plexer_dispatch_pending",
			Help: "Outbound HTTP POSTs currently in flight.",
		}),
		dispatchOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "plexer_dispatch_total",
			Help: "Outbound POST attempts by consumer and outcome.",
		}, []string{"consumer", "outcome"}),
		circuitBreakers: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "plexer_circuit_breaker_state",
			Help: "Per-consumer circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"consumer"}),
	}
}

// ObserveOutcome records one dispatch attempt's outcome for Prometheus
// exposition. outcome is "success", "queued", or "dropped".
func (r *Registry) ObserveOutcome(consumerKey, outcome string) {
	r.dispatchOutcomes.WithLabelValues(consumerKey, outcome).Inc()
}

// ObserveBreakerState records a circuit breaker state transition.
func (r *Registry) ObserveBreakerState(consumerKey string, state float64) {
	r.circuitBreakers.WithLabelValues(consumerKey).Set(state)
}

// Refresh pulls the latest queue and dispatcher counters into the
// Prometheus gauges. Called before each /metrics scrape and before each
// /status response.
func (r *Registry) Refresh() Report {
	snap := r.queue.Counters().Read()
	pending := r.dispatcher.Pending()

	r.queueFailed.Set(float64(snap.Failed))
	r.queueRetryable.Set(float64(snap.RetryableNow))
	r.dispatchPending.Set(float64(pending))

	return Report{
		Counts: Counts{
			Pending: pending,
			Failed:  snap.Failed,
		},
		LastError:    snap.LastError,
		LastRetryAt:  snap.LastRetryAt,
		RetryableNow: snap.RetryableNow,
		NextDueAt:    snap.NextDueAt,
	}
}
