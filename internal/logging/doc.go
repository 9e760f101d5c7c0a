// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package logging provides centralized zerolog-based structured logging for plexer.
//
// This package implements a unified logging layer using zerolog, providing
// zero-allocation structured JSON logging for production and human-readable
// console output for development.
//
// # Overview
//
// The package provides:
//   - Zero-allocation structured logging via zerolog
//   - JSON output format for production (machine-parseable)
//   - Console output format for development (human-readable)
//   - Global logger configuration via environment variables
//   - Context-aware logging with correlation ID propagation
//
// # Quick Start
//
//	import "github.com/tomtom215/plexer/internal/logging"
//
//	// Initialize at application startup
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Caller: false,
//	})
//
//	// Log messages with structured fields
//	logging.Info().Str("consumer", "billing").Msg("forward accepted")
//	logging.Error().Err(err).Int("retry_count", 3).Msg("forward failed")
//
//	// Context-aware logging
//	logging.Ctx(ctx).Info().Str("request_id", reqID).Msg("event received")
//
// # Configuration
//
// Environment Variables:
//
//	LOG_LEVEL   - Minimum log level: trace, debug, info, warn, error (default: info)
//	LOG_FORMAT  - Output format: json, console (default: json)
//
// Caller file:line output is enabled only through Config.Caller; no
// environment variable controls it.
//
// # Log Levels
//
// Supported log levels (from most to least verbose):
//
//	trace  - Very detailed diagnostic information
//	debug  - Detailed diagnostic information
//	info   - General operational information (default)
//	warn   - Warning conditions that should be addressed
//	error  - Error conditions requiring attention
//	fatal  - Fatal errors that terminate the program
//	panic  - Panic conditions that crash the program
//
// # Component Loggers
//
// Create component-specific loggers with default fields:
//
//	dispatchLogger := logging.With().Str("component", "dispatch").Logger()
//	dispatchLogger.Info().Msg("fanout started")
//
// # Context-Aware Logging
//
//	logger := logging.Ctx(ctx)
//	logger.Info().Msg("processing event")
//
// # Output Formats
//
// JSON Format (Production):
//
//	{"level":"info","time":"2026-01-03T10:30:00Z","message":"event accepted","type":"order.created"}
//
// Console Format (Development):
//
//	10:30:00 INF event accepted type=order.created
//
// # Thread Safety
//
// All exported functions are safe for concurrent use. The global logger
// is protected by sync.RWMutex for configuration changes.
//
// # Testing
//
// Create test loggers that capture output:
//
//	var buf bytes.Buffer
//	logger := logging.NewTestLogger(&buf)
//	logger.Info().Msg("test message")
//	output := buf.String()
//
// # Suture Integration
//
// The retry supervisor requires a *slog.Logger for its event hook.
// NewSlogLogger bridges that requirement onto the global zerolog logger
// so the supervisor's restart/failure events flow through the same
// output as everything else:
//
//	slogger := logging.NewSlogLogger()
//	handler := &sutureslog.Handler{Logger: slogger}
//
// # See Also
//
//   - github.com/rs/zerolog: Underlying logging library
//   - internal/middleware: Request ID middleware for correlation
package logging
