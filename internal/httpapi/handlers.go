// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/envelope"
	"github.com/tomtom215/plexer/internal/logging"
	"github.com/tomtom215/plexer/internal/metrics"
)

type handlers struct {
	environment string
	dispatcher  *dispatch.Dispatcher
	metrics     *metrics.Registry
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("failed to encode response body")
	}
}

func (h *handlers) welcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":     "Welcome to plexer",
		"environment": h.environment,
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	report := h.metrics.Refresh()
	payload, err := json.Marshal(report)
	if err != nil {
		logging.Err(err).Msg("failed to marshal delivery report")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "internal error"})
		return
	}

	env := envelope.Envelope{
		Type:    "plexer.delivery.report.v1",
		Source:  "plexer",
		Payload: payload,
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *handlers) postEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxEventBodyBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"status": "error", "message": "Request body too large"})
		return
	}

	obj, err := envelope.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "Invalid JSON"})
		return
	}

	env, err := envelope.Validate(obj)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	// Detached from the response: the request context is cancelled once
	// this handler returns, before any consumer POST has settled.
	go h.dispatcher.Dispatch(context.Background(), env)
}

func (h *handlers) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status":  "error",
		"message": "Not Found",
		"path":    r.URL.Path,
		"method":  r.Method,
	})
}
