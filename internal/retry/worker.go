// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package retry implements the periodic retry worker: it snapshots the
// failure queue, attempts due entries with bounded concurrency, and
// persists survivors back atomically.
package retry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/logging"
	"github.com/tomtom215/plexer/internal/queue"
)

const (
	// DefaultConcurrency bounds in-flight retry POSTs per tick.
	DefaultConcurrency = 5
	// DefaultBatchSize is the number of entries attempted per batch. The
	// survivors of every batch in a tick are accumulated in memory and
	// persisted together once, at the end of the tick.
	DefaultBatchSize = 50
)

// Worker is the single logical retry worker. It never runs concurrently
// with itself: Serve drives one Tick at a time.
type Worker struct {
	queue       *queue.Queue
	registry    *consumer.Registry
	client      *http.Client
	concurrency int
	batchSize   int
	observer    dispatch.Observer
}

// Config configures a Worker's resource bounds.
type Config struct {
	Concurrency int
	BatchSize   int
	Client      *http.Client
}

// New builds a retry Worker. Zero-valued Config fields fall back to the
// documented defaults.
func New(q *queue.Queue, registry *consumer.Registry, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: dispatch.DefaultPostTimeout}
	}
	return &Worker{
		queue:       q,
		registry:    registry,
		client:      cfg.Client,
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
	}
}

// SetObserver wires a metrics observer for retry attempt outcomes.
func (w *Worker) SetObserver(o dispatch.Observer) {
	w.observer = o
}

// String identifies the worker in supervisor log messages.
func (w *Worker) String() string {
	return "retry-worker"
}

// Serve runs the tick loop until ctx is canceled, satisfying
// suture.Service. Each tick's delay is computed from the queue's current
// next-due time so the worker sleeps less when work is imminent.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		if err := w.Tick(ctx); err != nil {
			logging.Err(err).Msg("retry tick failed")
		}

		snap := w.queue.Counters().Read()
		delay := nextTickDelay(snap.NextDueAt, time.Now())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Tick runs exactly one retry cycle per §4.5: claim, process due entries
// with bounded concurrency, persist survivors.
func (w *Worker) Tick(ctx context.Context) error {
	processingPath, err := w.queue.ClaimForProcessing(ctx)
	if err != nil {
		return err
	}
	if processingPath == "" {
		return nil
	}

	entries, err := queue.ReadEntries(processingPath)
	if err != nil {
		logging.Err(err).Str("path", processingPath).Msg("failed to read processing snapshot, leaving in place")
		return err
	}

	now := time.Now()
	survivors := w.processEntries(ctx, entries, now)

	if err := w.queue.PersistSurvivors(ctx, processingPath, survivors, now); err != nil {
		logging.Err(err).Str("path", processingPath).Msg("failed to persist survivors, processing file left in place for recovery")
		return err
	}
	return nil
}

// processEntries processes entries in batches of w.batchSize, each batch
// with up to w.concurrency attempts outstanding at once, and returns the
// accumulated survivors (entries not yet successfully delivered).
func (w *Worker) processEntries(ctx context.Context, entries []queue.Entry, now time.Time) []queue.Entry {
	var (
		survivorsMu sync.Mutex
		survivors   []queue.Entry
	)

	for start := 0; start < len(entries); start += w.batchSize {
		end := start + w.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		sem := make(chan struct{}, w.concurrency)
		var wg sync.WaitGroup

		for _, entry := range batch {
			entry := entry
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				if survivor, keep := w.processEntry(ctx, entry, now); keep {
					survivorsMu.Lock()
					survivors = append(survivors, survivor)
					survivorsMu.Unlock()
				}
			}()
		}

		wg.Wait()
	}

	return survivors
}

// processEntry attempts a single due entry, or passes through an entry
// that is not yet due. It returns the (possibly mutated) entry and whether
// it should survive into the next queue generation.
func (w *Worker) processEntry(ctx context.Context, entry queue.Entry, now time.Time) (queue.Entry, bool) {
	if !entry.DueAt(now) {
		return entry, true
	}

	c, ok := w.registry.Lookup(entry.ConsumerKey)
	if !ok {
		return w.bumpAndSurvive(entry, now, "Consumer configuration missing")
	}
	if c.URL == "" {
		return w.bumpAndSurvive(entry, now, "Consumer URL missing")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, dispatch.DefaultPostTimeout)
	defer cancel()

	outcome := dispatch.Post(attemptCtx, w.client, c, entry.Event)

	if outcome.Success() {
		w.queue.Counters().OnRetryAttempt(now, "")
		logging.Info().
			Str("consumer_key", entry.ConsumerKey).
			Str("type", entry.Event.Type).
			Int("retry_count", entry.RetryCount).
			Msg("retry delivered")
		w.observe(entry.ConsumerKey, "success")
		return entry, false
	}

	errMsg := outcome.ErrorMessage()
	w.queue.Counters().OnRetryAttempt(now, errMsg)
	logging.Warn().
		Str("consumer_key", entry.ConsumerKey).
		Str("type", entry.Event.Type).
		Int("retry_count", entry.RetryCount).
		Str("error", errMsg).
		Msg("retry attempt failed")
	w.observe(entry.ConsumerKey, "queued")
	return w.bumpAndSurvive(entry, now, errMsg)
}

func (w *Worker) bumpAndSurvive(entry queue.Entry, now time.Time, errMsg string) (queue.Entry, bool) {
	entry.RetryCount++
	entry.LastAttempt = now
	entry.NextAttempt = now.Add(computeBackoff(entry.RetryCount))
	entry.Error = errMsg
	return entry, true
}

func (w *Worker) observe(consumerKey, outcome string) {
	if w.observer != nil {
		w.observer.ObserveOutcome(consumerKey, outcome)
	}
}
