package api

import (
	"encoding/json"
	"net/http"
)

// SlackSyncRequest selects the channel history to backfill.
type SlackSyncRequest struct {
	Channel string `json:"channel"`
	// Oldest is a Slack timestamp; only newer messages are synced.
	Oldest string `json:"oldest,omitempty"`
}

func handleSlackSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Slack == nil {
			httpError(w, http.StatusNotFound, "not_found", "slack source is not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SlackSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Channel == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channel is required")
			return
		}

		n, err := deps.Slack.Sync(r.Context(), req.Channel, req.Oldest)
		if err != nil {
			writeError(w, err, "slack sync")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "accepted": n})
	}
}
