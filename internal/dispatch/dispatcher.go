// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/envelope"
	"github.com/tomtom215/plexer/internal/logging"
	"github.com/tomtom215/plexer/internal/policy"
	"github.com/tomtom215/plexer/internal/queue"
)

// Observer receives dispatch outcomes for external metrics exposition. It
// is satisfied by metrics.Registry without either package importing the
// other's concrete type.
type Observer interface {
	ObserveOutcome(consumerKey, outcome string)
	ObserveBreakerState(consumerKey string, state float64)
}

// Dispatcher fans one validated event out to the consumer registry over
// concurrent HTTP POSTs, handing failures for queueable (consumer,
// event-type) pairs to the failure queue.
type Dispatcher struct {
	registry *consumer.Registry
	matrix   *policy.Matrix
	queue    *queue.Queue
	client   *http.Client
	inFlight *inFlight
	observer Observer

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// SetObserver wires a metrics observer. Safe to call once at startup,
// before traffic begins.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// New builds a Dispatcher. client should have a sane default timeout;
// DefaultPostTimeout is used if client is nil.
func New(registry *consumer.Registry, matrix *policy.Matrix, q *queue.Queue, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultPostTimeout}
	}
	return &Dispatcher{
		registry: registry,
		matrix:   matrix,
		queue:    q,
		client:   client,
		inFlight: newInFlight(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// Pending reports the current in-flight outbound POST count.
func (d *Dispatcher) Pending() int {
	return d.inFlight.Count()
}

// Drain waits for the in-flight set to empty, bounded by timeout.
func (d *Dispatcher) Drain(ctx context.Context, timeout time.Duration) bool {
	return d.inFlight.WaitZero(ctx, timeout)
}

// Dispatch fans env out to every consumer for which policy routing forwards
// this event type, each as its own detached goroutine. It returns
// immediately; callers must not wait on delivery before answering the
// ingress request.
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.Envelope) {
	eventID := uuid.New().String()
	for _, c := range d.registry.All() {
		decision := d.matrix.Route(env.Type, c.Key)
		if !decision.Forward {
			continue
		}
		d.inFlight.add()
		go d.dispatchOne(ctx, c, env, decision, eventID)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c consumer.Descriptor, env envelope.Envelope, decision policy.Decision, eventID string) {
	defer d.inFlight.done()

	attemptCtx, cancel := context.WithTimeout(ctx, DefaultPostTimeout)
	defer cancel()

	outcome := d.executeWithBreaker(attemptCtx, c, env)

	if outcome.Success() {
		event := logging.Info().
			Str("event_id", eventID).
			Str("publisher", env.Source).
			Str("delivered_to", c.Key).
			Int("status_code", outcome.StatusCode)
		if repo := env.PayloadRepoKey(); repo != "" {
			event = event.Str("repo", repo)
		}
		event.Msg("event delivered")
		d.observe(c.Key, "success")
		return
	}

	errMsg := outcome.ErrorMessage()
	if decision.QueueOnFail {
		logging.Error().
			Str("event_id", eventID).
			Str("consumer_key", c.Key).
			Str("type", env.Type).
			Str("error", errMsg).
			Msg("critical forward failed, queued for retry")
		d.queue.SaveFailedEvent(context.Background(), env, c.Key, errMsg)
		d.observe(c.Key, "queued")
		return
	}

	logging.Warn().
		Str("log_kind", "best_effort_forward_failed").
		Str("event_id", eventID).
		Str("consumer_key", c.Key).
		Str("type", env.Type).
		Str("error", errMsg).
		Msg("best-effort forward failed")
	d.observe(c.Key, "dropped")
}

func (d *Dispatcher) observe(consumerKey, outcome string) {
	if d.observer != nil {
		d.observer.ObserveOutcome(consumerKey, outcome)
	}
}

func (d *Dispatcher) observeBreaker(consumerKey string, state gobreaker.State) {
	if d.observer != nil {
		d.observer.ObserveBreakerState(consumerKey, float64(state))
	}
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, c consumer.Descriptor, env envelope.Envelope) Outcome {
	breaker := d.breakerFor(c.Key)

	resp, err := breaker.Execute(func() (*http.Response, error) {
		outcome := Post(ctx, d.client, c, env)
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if outcome.StatusCode >= 500 {
			return nil, &statusError{code: outcome.StatusCode}
		}
		return &http.Response{StatusCode: outcome.StatusCode}, nil
	})
	if err != nil {
		if se, ok := err.(*statusError); ok {
			return Outcome{StatusCode: se.code}
		}
		return Outcome{Err: err}
	}
	return Outcome{StatusCode: resp.StatusCode}
}

func (d *Dispatcher) breakerFor(consumerKey string) *gobreaker.CircuitBreaker[*http.Response] {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	if b, ok := d.breakers[consumerKey]; ok {
		return b
	}

	name := consumerKey
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("consumer_key", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			d.observeBreaker(name, to)
		},
	}
	b := gobreaker.NewCircuitBreaker[*http.Response](settings)
	d.breakers[consumerKey] = b
	return b
}

// statusError lets the breaker count a 5xx response as a transport failure.
// 4xx responses pass through as a successful breaker.Execute call.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "server error"
}
