package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tasuke/internal/ingest"
	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/storage"
)

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.RunFilter{
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if s := r.URL.Query().Get("status"); s != "" {
			status, err := runstate.ParseStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			f.Status = string(status)
		}

		runs, err := deps.Runs.List(r.Context(), f)
		if err != nil {
			writeError(w, err, "listing runs")
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleListExchanges(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Runs.Get(r.Context(), id); err != nil {
			writeError(w, err, "run")
			return
		}
		exchanges, err := deps.Exchanges.ListExchanges(r.Context(), id)
		if err != nil {
			writeError(w, err, "listing exchanges")
			return
		}
		if exchanges == nil {
			exchanges = []storage.Exchange{}
		}
		writeJSON(w, http.StatusOK, exchanges)
	}
}

func handlePendingRequests(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Runs.Get(r.Context(), id); err != nil {
			writeError(w, err, "run")
			return
		}
		pending, err := deps.Input.PendingRequests(r.Context(), id)
		if err != nil {
			writeError(w, err, "listing pending requests")
			return
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

func handlePauseRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Runs.Pause(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleResumeRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Scheduler.Resume(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func handleCancelRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req cancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		run, err := deps.Runs.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeError(w, err, "run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var reply ingest.Reply
		if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ex, err := deps.Input.Reply(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "exchangeID"), reply)
		if err != nil {
			writeError(w, err, "request")
			return
		}
		writeJSON(w, http.StatusOK, ex)
	}
}
