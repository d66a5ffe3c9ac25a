// Package api exposes notes and ingestion runs over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/tasuke/internal/debounce"
	"github.com/kalambet/tasuke/internal/events"
	"github.com/kalambet/tasuke/internal/ingest"
	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/sources"
	"github.com/kalambet/tasuke/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NoteReader reads stored notes.
type NoteReader interface {
	FindNotes(ctx context.Context, f storage.NoteFilter) ([]storage.Note, error)
	GetNote(ctx context.Context, id string) (storage.Note, error)
}

// RunController is the subset of runstate.Tracker the API drives.
type RunController interface {
	Get(ctx context.Context, id string) (storage.Run, error)
	List(ctx context.Context, f storage.RunFilter) ([]storage.Run, error)
	Pause(ctx context.Context, id string) (storage.Run, error)
	Cancel(ctx context.Context, id, reason string) (storage.Run, error)
}

// RunResumer reactivates paused runs and queues their remaining work.
type RunResumer interface {
	Resume(ctx context.Context, id string) (storage.Run, error)
}

// ExchangeReader lists a run's audit trail.
type ExchangeReader interface {
	ListExchanges(ctx context.Context, runID string) ([]storage.Exchange, error)
}

// HumanInput answers deferred drafts.
type HumanInput interface {
	Reply(ctx context.Context, runID, requestID string, reply ingest.Reply) (storage.Exchange, error)
	PendingRequests(ctx context.Context, runID string) ([]storage.Exchange, error)
}

// SlackSyncer backfills a Slack channel.
type SlackSyncer interface {
	Sync(ctx context.Context, channel, oldest string) (int, error)
}

// Deps holds the dependencies of the HTTP API.
type Deps struct {
	Notes     NoteReader
	Runs      RunController
	Scheduler RunResumer
	Exchanges ExchangeReader
	Input     HumanInput
	// Sink receives ingested drafts, normally the debounce window.
	Sink sources.Sink
	// Events is optional; without it /api/v1/events is not served.
	Events *events.Hub
	// Slack is optional; without it slack sync returns 404.
	Slack      SlackSyncer
	Token      string
	HTTPClient *http.Client
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest", handleIngest(deps))

		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/{id}", handleGetNote(deps))

		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/runs/{id}/exchanges", handleListExchanges(deps))
		r.Get("/runs/{id}/pending", handlePendingRequests(deps))
		r.Post("/runs/{id}/pause", handlePauseRun(deps))
		r.Post("/runs/{id}/resume", handleResumeRun(deps))
		r.Post("/runs/{id}/cancel", handleCancelRun(deps))
		r.Post("/runs/{id}/exchanges/{exchangeID}/reply", handleReply(deps))

		r.Post("/sources/slack/sync", handleSlackSync(deps))

		if deps.Events != nil {
			r.Get("/events", handleEvents(deps.Events))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrInvalidDraft), errors.Is(err, ingest.ErrInvalidReply):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, runstate.ErrInvalidTransition), errors.Is(err, ingest.ErrNotAwaitingInput):
		httpError(w, http.StatusConflict, "invalid_transition", "%v", err)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, ingest.ErrAlreadyAnswered):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, debounce.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
