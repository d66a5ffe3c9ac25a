package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/tasuke/internal/sources"
	"github.com/kalambet/tasuke/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// IngestRequest is one inbound note. Type selects how Content is read:
// "text" (default) uses it verbatim, "file" base64-decodes it and extracts
// text by Filename, and "url" fetches URL instead.
type IngestRequest struct {
	storage.NoteDraft
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// IngestResponse reports how many drafts were buffered.
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		var drafts []storage.NoteDraft
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &drafts); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		} else {
			var req IngestRequest
			if err := json.Unmarshal(body, &req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
			drafts, err = resolveIngest(r.Context(), deps.HTTPClient, req)
			if err != nil {
				var fe *fetchError
				if errors.As(err, &fe) {
					httpError(w, http.StatusBadGateway, "api_error", "%v", err)
					return
				}
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		if len(drafts) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no drafts in request")
			return
		}
		for i, d := range drafts {
			if err := d.Validate(); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "draft %d: %v", i, err)
				return
			}
		}

		accepted := 0
		for _, d := range drafts {
			if err := deps.Sink.Add(d); err != nil {
				writeError(w, err, "buffering draft")
				return
			}
			accepted++
		}
		writeJSON(w, http.StatusAccepted, IngestResponse{Status: "queued", Accepted: accepted})
	}
}

type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func resolveIngest(ctx context.Context, client *http.Client, req IngestRequest) ([]storage.NoteDraft, error) {
	switch req.Type {
	case "", "text":
		return []storage.NoteDraft{req.NoteDraft}, nil

	case "file":
		if req.Filename == "" {
			return nil, errors.New("filename is required for file ingestion")
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return nil, errors.New("invalid base64 content")
		}
		base := req.NoteDraft
		base.Content = ""
		if base.SourceNoteID == "" {
			base.SourceNoteID = req.Filename
		}
		return sources.Extract(req.Filename, data, base)

	case "url":
		if req.URL == "" {
			return nil, errors.New("url is required for url ingestion")
		}
		contentType, data, err := fetchURL(ctx, client, req.URL)
		if err != nil {
			return nil, &fetchError{err: err}
		}
		base := req.NoteDraft
		base.Content = ""
		if base.SourceNoteID == "" {
			base.SourceNoteID = req.URL
		}
		return sources.ExtractContentType(contentType, data, base)
	}
	return nil, errors.New("type must be one of text, file, url")
}

func fetchURL(ctx context.Context, client *http.Client, url string) (string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, &httpStatusError{code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", nil, err
	}
	return resp.Header.Get("Content-Type"), data, nil
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("url returned status %d", e.code)
}
