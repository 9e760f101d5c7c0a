// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/validation"
)

// Config is the fully resolved, validated process configuration.
type Config struct {
	Port        int
	Host        string
	Environment string

	DataDir string

	RetryConcurrency int
	RetryBatchSize   int

	LogLevel  string
	LogFormat string

	CriticalConsumer string
	BroadcastEvents  []string
	BestEffortEvents []string
	Consumers        []consumer.Descriptor

	EventsRateLimit  int
	EventsRateWindow time.Duration
	CORSOrigins      []string
}

// Load resolves Config from the environment, applying the defaults named in
// the external-interfaces configuration table. It fails fast (a non-nil
// error) on any value that fails validation, so callers can exit non-zero
// without partially starting the process.
func Load() (Config, error) {
	cfg := Config{
		Host:        getEnv("HOST", "0.0.0.0"),
		Environment: getEnv("NODE_ENV", "development"),
		DataDir:     getEnv("PLEXER_DATA_DIR", "./data"),

		RetryConcurrency: getIntEnv("RETRY_CONCURRENCY", 5),
		RetryBatchSize:   getIntEnv("RETRY_BATCH_SIZE", 50),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		CriticalConsumer: getEnv("CRITICAL_CONSUMER", ""),
		BroadcastEvents:  getSliceEnv("BROADCAST_EVENTS", nil),
		BestEffortEvents: getSliceEnv("BEST_EFFORT_EVENTS", nil),

		EventsRateLimit:  getIntEnv("EVENTS_RATE_LIMIT", 100),
		EventsRateWindow: getDurationEnv("EVENTS_RATE_WINDOW", time.Minute),
		CORSOrigins:      getSliceEnv("CORS_ALLOWED_ORIGINS", nil),
	}

	port, err := parsePort(getEnv("PORT", "3000"))
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	if cfg.RetryConcurrency <= 0 {
		return Config{}, fmt.Errorf("RETRY_CONCURRENCY must be a positive integer, got %d", cfg.RetryConcurrency)
	}
	if cfg.RetryBatchSize <= 0 {
		return Config{}, fmt.Errorf("RETRY_BATCH_SIZE must be a positive integer, got %d", cfg.RetryBatchSize)
	}
	if cfg.CriticalConsumer == "" {
		return Config{}, fmt.Errorf("CRITICAL_CONSUMER must name the key of the one critical consumer")
	}

	consumerKeys := getSliceEnv("CONSUMER_KEYS", nil)
	if len(consumerKeys) == 0 {
		return Config{}, fmt.Errorf("CONSUMER_KEYS must list at least one consumer key")
	}

	descriptors, err := loadConsumers(consumerKeys)
	if err != nil {
		return Config{}, err
	}
	cfg.Consumers = descriptors

	hasCritical := false
	for _, d := range descriptors {
		if d.Key == cfg.CriticalConsumer && d.URL != "" {
			hasCritical = true
			break
		}
	}
	if !hasCritical {
		return Config{}, fmt.Errorf("CRITICAL_CONSUMER %q has no corresponding <KEY>_URL configured", cfg.CriticalConsumer)
	}

	return cfg, nil
}

// parsePort validates PORT per the external-interfaces contract: trimmed,
// numeric, in [1, 65535].
func parsePort(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	port, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("PORT %q is not a valid integer", raw)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("PORT %d is out of range [1, 65535]", port)
	}
	return port, nil
}

// loadConsumers builds one Descriptor per key, reading <KEY>_URL,
// <KEY>_TOKEN (falling back to <KEY>_EVENTS_TOKEN), and <KEY>_AUTH_KIND
// (default bearer). A key with no URL yields a placeholder descriptor
// carrying only its key and label; its token and auth-kind variables are
// not read, and consumer.NewRegistry drops it later. A fully-configured
// descriptor is passed through validation.ValidateStruct against its
// `validate` tags; a URL-less placeholder skips that check since it's
// incomplete by design.
func loadConsumers(keys []string) ([]consumer.Descriptor, error) {
	descriptors := make([]consumer.Descriptor, 0, len(keys))
	for _, key := range keys {
		envPrefix := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))

		rawURL := getEnv(envPrefix+"_URL", "")
		if rawURL == "" {
			descriptors = append(descriptors, consumer.Descriptor{Key: key, Label: key})
			continue
		}
		normalized, err := consumer.NormalizeURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("%s_URL: %w", envPrefix, err)
		}

		token := getEnv(envPrefix+"_TOKEN", getEnv(envPrefix+"_EVENTS_TOKEN", ""))

		authKind := consumer.AuthBearer
		if raw := getEnv(envPrefix+"_AUTH_KIND", ""); raw == string(consumer.AuthXAuth) {
			authKind = consumer.AuthXAuth
		}

		d := consumer.Descriptor{
			Key:      key,
			Label:    key,
			URL:      normalized,
			Token:    token,
			AuthKind: authKind,
		}
		if err := validation.ValidateStruct(&d); err != nil {
			return nil, fmt.Errorf("%s: %w", envPrefix, err)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}
