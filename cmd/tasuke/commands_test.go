package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"

	"github.com/kalambet/tasuke/internal/api"
	"github.com/kalambet/tasuke/internal/config"
	"github.com/kalambet/tasuke/internal/ingest"
	"github.com/kalambet/tasuke/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func init() {
	color.NoColor = true
}

func TestBuildIngestRequest_Text(t *testing.T) {
	req := api.IngestRequest{}
	req.Source = "cli"
	if err := buildIngestRequest(&req, "hello world", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Type != "text" || req.Content != "hello world" {
		t.Errorf("request = %+v", req)
	}
	if !strings.HasPrefix(req.SourceNoteID, "cli-") {
		t.Errorf("source_note_id = %q, want generated cli- id", req.SourceNoteID)
	}
}

func TestBuildIngestRequest_KeepsExplicitID(t *testing.T) {
	req := api.IngestRequest{}
	req.SourceNoteID = "standup-1"
	if err := buildIngestRequest(&req, "hello", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.SourceNoteID != "standup-1" {
		t.Errorf("source_note_id = %q, want standup-1", req.SourceNoteID)
	}
}

func TestBuildIngestRequest_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minutes.md")
	if err := os.WriteFile(path, []byte("# Minutes"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := api.IngestRequest{}
	if err := buildIngestRequest(&req, "", "", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Type != "file" || req.Filename != "minutes.md" {
		t.Errorf("request = %+v", req)
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		t.Fatalf("content is not base64: %v", err)
	}
	if string(data) != "# Minutes" {
		t.Errorf("decoded content = %q", data)
	}
}

func TestBuildIngestRequest_URL(t *testing.T) {
	req := api.IngestRequest{}
	if err := buildIngestRequest(&req, "", "https://example.com/post", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Type != "url" || req.URL != "https://example.com/post" {
		t.Errorf("request = %+v", req)
	}
}

func TestBuildIngestRequest_ExactlyOne(t *testing.T) {
	cases := []struct {
		name             string
		text, link, file string
	}{
		{"none", "", "", ""},
		{"two", "hello", "https://example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := api.IngestRequest{}
			if err := buildIngestRequest(&req, tc.text, tc.link, tc.file); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildIngestRequest_MissingFile(t *testing.T) {
	req := api.IngestRequest{}
	err := buildIngestRequest(&req, "", "", filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSubmitIngest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v1/ingest": `{"status":"queued","accepted":1}`,
	})

	req := api.IngestRequest{Type: "text"}
	req.Source = "cli"
	req.SourceNoteID = "n1"
	req.Content = "hello world"

	res, err := submitIngest(ctx, ts.client(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "queued" || res.Accepted != 1 {
		t.Errorf("response = %+v", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["source"] != "cli" || body["source_note_id"] != "n1" || body["content"] != "hello world" {
		t.Errorf("body = %v", body)
	}
	if body["type"] != "text" {
		t.Errorf("body.type = %v, want text", body["type"])
	}
}

func TestSubmitIngest_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"draft 0: content: cannot be blank","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := submitIngest(ctx, client, api.IngestRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "content: cannot be blank") {
		t.Errorf("error = %q, want the server message", err)
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	client := ts.client()
	client.token = ""

	if err := client.health(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestAPIClient_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := ts.client().getNote(ctx, "missing")
	var se *serverError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want serverError", err)
	}
	if se.Status != http.StatusNotFound || se.Type != "not_found" || se.Message != "not found" {
		t.Errorf("serverError = %+v", se)
	}
	if !isNotFound(err) {
		t.Error("isNotFound = false")
	}
	if ts.requests[0].Path != "/api/v1/notes/missing" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestAPIClient_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := client.listRuns(ctx, "", 10)
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream down") {
		t.Errorf("err = %v, want 502 with body", err)
	}
	if isNotFound(err) {
		t.Error("502 reported as not found")
	}
}

func TestImportDrafts_Chunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var drafts []storage.NoteDraft
		if err := json.NewDecoder(r.Body).Decode(&drafts); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(api.IngestResponse{Status: "queued", Accepted: len(drafts)})
	}))
	defer srv.Close()

	drafts := make([]storage.NoteDraft, importChunk+5)
	for i := range drafts {
		drafts[i] = storage.NoteDraft{Source: "file", SourceNoteID: "n", Content: "x"}
	}

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	n, err := importDrafts(ctx, client, drafts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(drafts) {
		t.Errorf("accepted = %d, want %d", n, len(drafts))
	}
}

func TestDraftCollector(t *testing.T) {
	var c draftCollector
	c.Add(storage.NoteDraft{SourceNoteID: "a"})
	c.Add(storage.NoteDraft{SourceNoteID: "b"})
	if len(c.drafts) != 2 || c.drafts[1].SourceNoteID != "b" {
		t.Errorf("drafts = %+v", c.drafts)
	}
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/runs": `[{"id":"run-1","agent":"rules","status":"success","source":"slack","channel":"C1","batch_size":3,"cursor":3,"summary":"created=2 updated=0 skipped=1 deferred=0 answered=0 rejected=0 failed=0"}]`,
	})

	var out bytes.Buffer
	if err := listRuns(ctx, ts.client(), &out, "success", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q, err := url.ParseQuery(strings.SplitN(ts.requests[0].Path, "?", 2)[1])
	if err != nil {
		t.Fatal(err)
	}
	if q.Get("status") != "success" || q.Get("limit") != "5" {
		t.Errorf("query = %v", q)
	}

	got := out.String()
	for _, want := range []string{"run-1", "success", "slack/C1", "3/3", "created=2"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestListRuns_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/v1/runs": `[]`})

	var out bytes.Buffer
	if err := listRuns(ctx, ts.client(), &out, "", 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "No runs found.") {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(ts.requests[0].Path, "status=") {
		t.Errorf("path = %q, want no status filter", ts.requests[0].Path)
	}
}

func TestFetchRunAndPrint(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/runs/run-1":           `{"id":"run-1","agent":"rules","status":"active","source":"file","batch_size":2,"cursor":1}`,
		"GET /api/v1/runs/run-1/exchanges": `[{"id":"ex-1","run_id":"run-1","seq":1,"role":"system","kind":"batch","content":"2 drafts"},{"id":"ex-2","run_id":"run-1","seq":2,"role":"agent","kind":"human_input","content":"near duplicate","note_id":"note-9"}]`,
	})

	d, err := fetchRun(ctx, ts.client(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Status != "active" || len(d.Exchanges) != 2 {
		t.Fatalf("run detail = %+v", d)
	}

	var out bytes.Buffer
	printRun(&out, d)
	got := out.String()
	for _, want := range []string{"run-1", "active", "1/2", "human_input", "note=note-9"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestFetchRun_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := fetchRun(ctx, ts.client(), "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestRunAction_CancelWithReason(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v1/runs/run-1/cancel": `{"id":"run-1","status":"failed","last_error":"duplicate import"}`,
	})

	run, err := runAction(ctx, ts.client(), "run-1", "cancel", map[string]string{"reason": "duplicate import"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != "failed" {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if !strings.Contains(ts.requests[0].Body, `"reason":"duplicate import"`) {
		t.Errorf("body = %q", ts.requests[0].Body)
	}
}

func TestRunAction_PauseSendsNoBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v1/runs/run-1/pause": `{"id":"run-1","status":"paused"}`,
	})

	run, err := runAction(ctx, ts.client(), "run-1", "pause", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != "paused" {
		t.Errorf("status = %q, want paused", run.Status)
	}
	if ts.requests[0].Body != "" {
		t.Errorf("body = %q, want empty", ts.requests[0].Body)
	}
}

func TestSendReply(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/v1/runs/run-1/exchanges/ex-2/reply": `{"id":"ex-3","run_id":"run-1","kind":"human_reply","reply_to":"ex-2"}`,
	})

	ex, err := sendReply(ctx, ts.client(), "run-1", "ex-2", ingest.Reply{Action: "create", Content: "fixed text"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.ReplyTo != "ex-2" {
		t.Errorf("reply_to = %q, want ex-2", ex.ReplyTo)
	}

	var body ingest.Reply
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Action != "create" || body.Content != "fixed text" {
		t.Errorf("body = %+v", body)
	}
}

func TestListNotes(t *testing.T) {
	long := strings.Repeat("word ", 40)
	ts := newTestServer(t, map[string]string{
		"GET /api/v1/notes": `[{"id":"note-1","source":"slack","channel":"C1","content":"` + long + `"}]`,
	})

	q := url.Values{}
	q.Set("q", "word")
	q.Set("source", "slack")

	var out bytes.Buffer
	if err := listNotes(ctx, ts.client(), &out, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "note-1") || !strings.Contains(got, "slack/C1") {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("expected long content to be truncated: %q", got)
	}
	if !strings.Contains(ts.requests[0].Path, "q=word") {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestPrintConfig(t *testing.T) {
	var out bytes.Buffer
	printConfig(&out, []config.KeyInfo{
		{Key: "server.port", EnvVar: "TASUKE_SERVER_PORT", Value: "4100"},
		{Key: "server.api_token", EnvVar: "TASUKE_API_TOKEN", Value: "(unset)", Secret: true},
	})
	got := out.String()
	if !strings.Contains(got, "server.port = 4100  (TASUKE_SERVER_PORT)") {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(got, "server.api_token = (unset)") {
		t.Errorf("output = %q", got)
	}
}

func TestColorStatus_NoColor(t *testing.T) {
	if got := colorStatus("failed"); got != "failed" {
		t.Errorf("colorStatus = %q, want plain text with colors disabled", got)
	}
	if got := colorStatus("unknown"); got != "unknown" {
		t.Errorf("colorStatus(unknown) = %q", got)
	}
}

func TestSourceLabel(t *testing.T) {
	if got := sourceLabel("slack", ""); got != "slack" {
		t.Errorf("got %q", got)
	}
	if got := sourceLabel("slack", "C1"); got != "slack/C1" {
		t.Errorf("got %q", got)
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(3, 100); got != "3" {
		t.Errorf("got %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("got %q", got)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestNewAppRuntime_InMemory(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = ":memory:"
	cfg.Ingest.Policy = config.PolicyRules
	cfg.Ingest.MinContentLength = 3
	cfg.Debounce.MaxBatch = 10

	rt, err := newAppRuntime(cfg)
	if err != nil {
		t.Fatalf("newAppRuntime: %v", err)
	}
	defer rt.Close()

	deps := rt.apiDeps()
	if deps.Slack != nil {
		t.Error("slack syncer set without slack enabled")
	}
	if deps.Sink == nil || deps.Notes == nil || deps.Runs == nil {
		t.Errorf("deps not wired: %+v", deps)
	}
}

func TestSourceLoops(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = ":memory:"
	cfg.Ingest.Policy = config.PolicyRules
	cfg.Debounce.MaxBatch = 10
	cfg.DropDir.Path = t.TempDir()

	rt, err := newAppRuntime(cfg)
	if err != nil {
		t.Fatalf("newAppRuntime: %v", err)
	}
	defer rt.Close()

	loops, err := rt.sourceLoops()
	if err != nil {
		t.Fatalf("sourceLoops: %v", err)
	}
	if len(loops) != 1 {
		t.Errorf("loops = %d, want 1 (drop dir)", len(loops))
	}
}

func TestSourceLoops_BadKafkaFailsBeforeStart(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = ":memory:"
	cfg.Ingest.Policy = config.PolicyRules
	cfg.Debounce.MaxBatch = 10
	cfg.Kafka.Brokers = []string{"localhost:9092"}

	rt, err := newAppRuntime(cfg)
	if err != nil {
		t.Fatalf("newAppRuntime: %v", err)
	}
	defer rt.Close()

	loops, err := rt.sourceLoops()
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("sourceLoops err = %v, want kafka error", err)
	}
	if loops != nil {
		t.Errorf("loops = %d, want none", len(loops))
	}
}

func TestBuildPolicy(t *testing.T) {
	cfg := config.Config{}
	cfg.Ingest.Policy = config.PolicyRules
	p, err := buildPolicy(cfg, nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if !strings.HasPrefix(p.Name(), "rules") {
		t.Errorf("name = %q", p.Name())
	}

	cfg.Ingest.Policy = config.PolicyOracle
	cfg.Proxy.OpenRouterAPIKey = "key"
	cfg.Proxy.Model = "test/model"
	p, err = buildPolicy(cfg, nil)
	if err != nil {
		t.Fatalf("oracle: %v", err)
	}
	if p.Name() != "oracle:test/model" {
		t.Errorf("name = %q", p.Name())
	}
}
