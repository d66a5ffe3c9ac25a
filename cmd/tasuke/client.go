package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/tasuke/internal/api"
	"github.com/kalambet/tasuke/internal/config"
	"github.com/kalambet/tasuke/internal/ingest"
	"github.com/kalambet/tasuke/internal/storage"
)

// apiClient talks to a running tasuke server. Every method maps to one
// endpoint and returns the decoded domain value.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// serverError is a non-2xx answer carrying the server's error envelope.
type serverError struct {
	Status  int
	Type    string
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// isNotFound reports whether err is the server saying the resource does not
// exist.
func isNotFound(err error) bool {
	var se *serverError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// call sends body as JSON to path and decodes a successful answer into out.
// A nil out discards the answer.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is tasuke running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		se := &serverError{Status: resp.StatusCode, Message: string(raw)}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			se.Message, se.Type = envelope.Error.Message, envelope.Error.Type
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func runPath(id string, parts ...string) string {
	p := "/api/v1/runs/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *apiClient) health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

// ingest posts a single request or a slice of drafts.
func (c *apiClient) ingest(ctx context.Context, body any) (api.IngestResponse, error) {
	var res api.IngestResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/ingest", body, &res)
	return res, err
}

func (c *apiClient) listRuns(ctx context.Context, status string, limit int) ([]storage.Run, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	var runs []storage.Run
	err := c.call(ctx, http.MethodGet, "/api/v1/runs?"+q.Encode(), nil, &runs)
	return runs, err
}

func (c *apiClient) getRun(ctx context.Context, id string) (storage.Run, error) {
	var run storage.Run
	err := c.call(ctx, http.MethodGet, runPath(id), nil, &run)
	return run, err
}

func (c *apiClient) runExchanges(ctx context.Context, id string) ([]storage.Exchange, error) {
	var exchanges []storage.Exchange
	err := c.call(ctx, http.MethodGet, runPath(id, "exchanges"), nil, &exchanges)
	return exchanges, err
}

func (c *apiClient) pendingRequests(ctx context.Context, id string) ([]storage.Exchange, error) {
	var pending []storage.Exchange
	err := c.call(ctx, http.MethodGet, runPath(id, "pending"), nil, &pending)
	return pending, err
}

// controlRun posts to one of the run control endpoints: pause, resume or
// cancel.
func (c *apiClient) controlRun(ctx context.Context, id, action string, body any) (storage.Run, error) {
	var run storage.Run
	err := c.call(ctx, http.MethodPost, runPath(id, action), body, &run)
	return run, err
}

func (c *apiClient) reply(ctx context.Context, runID, requestID string, r ingest.Reply) (storage.Exchange, error) {
	var ex storage.Exchange
	err := c.call(ctx, http.MethodPost, runPath(runID, "exchanges", requestID, "reply"), r, &ex)
	return ex, err
}

func (c *apiClient) listNotes(ctx context.Context, q url.Values) ([]storage.Note, error) {
	var notes []storage.Note
	err := c.call(ctx, http.MethodGet, "/api/v1/notes?"+q.Encode(), nil, &notes)
	return notes, err
}

func (c *apiClient) getNote(ctx context.Context, id string) (storage.Note, error) {
	var note storage.Note
	err := c.call(ctx, http.MethodGet, "/api/v1/notes/"+url.PathEscape(id), nil, &note)
	return note, err
}

func (c *apiClient) syncSlack(ctx context.Context, req api.SlackSyncRequest) (api.IngestResponse, error) {
	var res api.IngestResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/sources/slack/sync", req, &res)
	return res, err
}
