// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package supervisor runs the retry worker under a suture supervisor, so a
// panic in one tick is contained and restarted rather than taking down the
// process.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds the supervisor's restart-backoff parameters.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Supervisor wraps a single suture.Supervisor running the retry worker.
type Supervisor struct {
	root *suture.Supervisor
}

// New builds a Supervisor and adds worker as its only service. worker must
// satisfy suture.Service (a Serve(context.Context) error method).
func New(logger *slog.Logger, cfg Config, worker suture.Service) *Supervisor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}

	root := suture.New("plexer-retry", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	root.Add(worker)

	return &Supervisor{root: root}
}

// Serve runs the supervisor until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.root.Serve(ctx)
}

// ServeBackground starts the supervisor in its own goroutine and returns a
// channel that receives its terminal error.
func (s *Supervisor) ServeBackground(ctx context.Context) <-chan error {
	return s.root.ServeBackground(ctx)
}
