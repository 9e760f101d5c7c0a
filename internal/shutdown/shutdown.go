// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package shutdown coordinates graceful termination: stop accepting new
// requests, cancel the retry worker, then drain in-flight fanout within a
// bounded timeout before exiting.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/logging"
)

// DefaultDrainTimeout bounds the wait for in-flight fanout to settle.
const DefaultDrainTimeout = 5 * time.Second

// DefaultServerShutdownTimeout bounds http.Server.Shutdown itself.
const DefaultServerShutdownTimeout = 10 * time.Second

// Server matches the subset of *http.Server used during shutdown, so tests
// can substitute a fake.
type Server interface {
	Shutdown(ctx context.Context) error
}

// Coordinator owns the shutdown sequence for one process.
type Coordinator struct {
	httpServer    Server
	retryCancel   context.CancelFunc
	dispatcher    *dispatch.Dispatcher
	drainTimeout  time.Duration
	serverTimeout time.Duration
}

// New builds a Coordinator. retryCancel stops the retry supervisor's
// context; it is called after the HTTP server stops accepting connections
// and before the in-flight drain.
func New(httpServer Server, retryCancel context.CancelFunc, d *dispatch.Dispatcher, drainTimeout time.Duration) *Coordinator {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Coordinator{
		httpServer:    httpServer,
		retryCancel:   retryCancel,
		dispatcher:    d,
		drainTimeout:  drainTimeout,
		serverTimeout: DefaultServerShutdownTimeout,
	}
}

// Run blocks until SIGINT, SIGTERM, or ctx is cancelled, then executes the
// shutdown sequence once and returns.
func (c *Coordinator) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		logging.Info().Msg("shutdown context cancelled")
	}

	c.shutdown()
}

// shutdown runs the sequence from §4.7: stop accepting new requests, cancel
// the retry timer, then drain the dispatcher's in-flight set.
func (c *Coordinator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.serverTimeout)
	defer cancel()
	if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Err(err).Msg("http server shutdown did not complete cleanly")
	}

	c.retryCancel()

	if !c.dispatcher.Drain(context.Background(), c.drainTimeout) {
		logging.Warn().Int("pending", c.dispatcher.Pending()).Msg("drain timed out with in-flight forwards remaining")
		return
	}
	logging.Info().Msg("in-flight forwards drained cleanly")
}
