// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package main is the entry point for the plexer server.
//
// Startup order:
//
//  1. Configuration: load and validate environment variables, fail fast on error.
//  2. Logging: initialize zerolog from the resolved log level/format.
//  3. Delivery subsystem: failure queue, crash recovery (synchronous, before
//     anything else touches the queue), dispatcher, retry worker.
//  4. Metrics: wired to both the dispatcher and the worker via the Observer
//     interface, then exposed at GET /metrics and read at GET /status.
//  5. Supervisor: the retry worker runs under a suture supervisor so a
//     panic in one tick is contained and restarted.
//  6. HTTP server: chi router serving the ingress and status endpoints.
//  7. Shutdown coordinator: blocks on SIGINT/SIGTERM, then drains in-flight
//     fanout within a bounded timeout before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomtom215/plexer/internal/config"
	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/httpapi"
	"github.com/tomtom215/plexer/internal/logging"
	"github.com/tomtom215/plexer/internal/metrics"
	"github.com/tomtom215/plexer/internal/policy"
	"github.com/tomtom215/plexer/internal/queue"
	"github.com/tomtom215/plexer/internal/recovery"
	"github.com/tomtom215/plexer/internal/retry"
	"github.com/tomtom215/plexer/internal/shutdown"
	"github.com/tomtom215/plexer/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Timestamp: true,
	})

	logging.Info().
		Int("port", cfg.Port).
		Str("environment", cfg.Environment).
		Str("critical_consumer", cfg.CriticalConsumer).
		Int("consumers", len(cfg.Consumers)).
		Msg("plexer starting")

	q := queue.New(cfg.DataDir)
	if err := recovery.Run(context.Background(), q); err != nil {
		logging.Fatal().Err(err).Msg("crash recovery failed")
	}

	registry := consumer.NewRegistry(cfg.CriticalConsumer, cfg.Consumers...)
	matrix := policy.NewMatrix(cfg.CriticalConsumer, cfg.BroadcastEvents, cfg.BestEffortEvents)

	dispatcher := dispatch.New(registry, matrix, q, nil)

	worker := retry.New(q, registry, retry.Config{
		Concurrency: cfg.RetryConcurrency,
		BatchSize:   cfg.RetryBatchSize,
	})

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(promReg, q, dispatcher)
	dispatcher.SetObserver(metricsRegistry)
	worker.SetObserver(metricsRegistry)

	retryCtx, retryCancel := context.WithCancel(context.Background())
	retrySupervisor := supervisor.New(logging.NewSlogLogger(), supervisor.DefaultConfig(), worker)
	retryErrCh := retrySupervisor.ServeBackground(retryCtx)

	router := httpapi.NewRouter(httpapi.Config{
		Environment:        cfg.Environment,
		CORSAllowedOrigins: cfg.CORSOrigins,
		EventsRateLimit:    cfg.EventsRateLimit,
		EventsRateWindow:   cfg.EventsRateWindow,
	}, promReg, dispatcher, metricsRegistry)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("http server failed")
		}
	}()

	coordinator := shutdown.New(httpServer, retryCancel, dispatcher, shutdown.DefaultDrainTimeout)
	coordinator.Run(context.Background())

	for err := range retryErrCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Msg("retry supervisor exited with error")
		}
	}

	logging.Info().Msg("plexer stopped")
}
