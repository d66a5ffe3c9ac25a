package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/kalambet/tasuke/internal/debounce"
	"github.com/kalambet/tasuke/internal/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	drafts []storage.NoteDraft
	err    error
}

func (s *recordingSink) Add(d storage.NoteDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.drafts = append(s.drafts, d)
	return nil
}

func (s *recordingSink) snapshot() []storage.NoteDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.NoteDraft(nil), s.drafts...)
}

func TestExtractFormats(t *testing.T) {
	base := storage.NoteDraft{Source: "file", SourceNoteID: "doc-1"}
	tests := []struct {
		name string
		file string
		data string
		want string
	}{
		{"markdown", "note.md", "# Plan\n\nShip on Friday\n", "# Plan\n\nShip on Friday"},
		{"html", "page.html", `<html><head><title>x</title><style>p{}</style></head><body><h1>Plan</h1><p>Ship  on
			Friday</p><script>alert(1)</script></body></html>`, "Plan\nShip on Friday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts, err := Extract(tt.file, []byte(tt.data), base)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if len(drafts) != 1 {
				t.Fatalf("drafts = %d, want 1", len(drafts))
			}
			if drafts[0].Content != tt.want {
				t.Errorf("Content = %q, want %q", drafts[0].Content, tt.want)
			}
			if drafts[0].SourceNoteID != "doc-1" {
				t.Errorf("SourceNoteID = %q", drafts[0].SourceNoteID)
			}
		})
	}
}

func TestExtractEmail(t *testing.T) {
	eml := strings.Join([]string{
		"From: Ana <ana@example.com>",
		"Subject: Launch date",
		"Message-Id: <abc@example.com>",
		"Content-Type: multipart/alternative; boundary=XYZ",
		"",
		"--XYZ",
		"Content-Type: text/html",
		"",
		"<p>html body</p>",
		"--XYZ",
		"Content-Type: text/plain",
		"",
		"Launch moves to May 4.",
		"--XYZ--",
		"",
	}, "\r\n")

	drafts, err := Extract("mail.eml", []byte(eml), storage.NoteDraft{Source: "file", SourceNoteID: "mail.eml"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	d := drafts[0]
	if d.Source != "email" || d.SourceNoteID != "abc@example.com" || d.Author != "ana@example.com" {
		t.Errorf("identity = %+v", d)
	}
	if d.Content != "Launch date\n\nLaunch moves to May 4." {
		t.Errorf("Content = %q", d.Content)
	}
}

func TestExtractDraftDumps(t *testing.T) {
	yamlDoc := `
- source: meeting
  source_note_id: m-1
  content: Decide on vendor
- source_note_id: m-2
  content: Book the room
`
	drafts, err := Extract("dump.yaml", []byte(yamlDoc), storage.NoteDraft{Source: "file"})
	if err != nil {
		t.Fatalf("Extract yaml: %v", err)
	}
	if len(drafts) != 2 || drafts[0].Source != "meeting" || drafts[1].Source != "file" || drafts[1].Content != "Book the room" {
		t.Errorf("yaml drafts = %+v", drafts)
	}

	drafts, err = Extract("one.json", []byte(`{"source":"email","source_note_id":"e-1","content":"hi there"}`), storage.NoteDraft{})
	if err != nil {
		t.Fatalf("Extract json: %v", err)
	}
	if len(drafts) != 1 || drafts[0].SourceNoteID != "e-1" {
		t.Errorf("json drafts = %+v", drafts)
	}
}

func TestExtractRejectsBinary(t *testing.T) {
	if _, err := Extract("blob.bin", []byte{0xff, 0xfe, 0x00, 0x81}, storage.NoteDraft{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("binary err = %v, want ErrUnsupported", err)
	}
	if _, err := Extract("fake.pdf", []byte("not a pdf"), storage.NoteDraft{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("pdf err = %v, want ErrUnsupported", err)
	}
}

func TestExtractContentType(t *testing.T) {
	drafts, err := ExtractContentType("text/html; charset=utf-8", []byte("<p>hello</p>"), storage.NoteDraft{Source: "url", SourceNoteID: "u"})
	if err != nil {
		t.Fatalf("ExtractContentType: %v", err)
	}
	if drafts[0].Content != "hello" {
		t.Errorf("Content = %q", drafts[0].Content)
	}
}

func TestSlackHandleMessage(t *testing.T) {
	sink := &recordingSink{}
	s, err := NewSlack(SlackConfig{BotToken: "xoxb-test", Channels: []string{"C1"}}, sink)
	if err != nil {
		t.Fatalf("NewSlack: %v", err)
	}

	s.handleMessage(&slackevents.MessageEvent{Channel: "C1", User: "U1", Text: "ship it", TimeStamp: "1700000000.0001"})
	s.handleMessage(&slackevents.MessageEvent{Channel: "C2", User: "U1", Text: "other channel", TimeStamp: "1700000000.0002"})
	s.handleMessage(&slackevents.MessageEvent{Channel: "C1", BotID: "B1", Text: "bot says", TimeStamp: "1700000000.0003"})
	s.handleMessage(&slackevents.MessageEvent{Channel: "C1", SubType: "channel_join", User: "U2", Text: "joined", TimeStamp: "1700000000.0004"})
	s.handleMessage(&slackevents.MessageEvent{
		Channel: "C1",
		SubType: "message_changed",
		Message: &slack.Msg{User: "U1", Text: "ship it today", Timestamp: "1700000000.0001"},
	})

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("drafts = %+v, want 2", got)
	}
	if got[0].SourceNoteID != got[1].SourceNoteID {
		t.Errorf("edit has source id %q, want %q", got[1].SourceNoteID, got[0].SourceNoteID)
	}
	if got[1].Content != "ship it today" || got[1].Source != "slack" || got[1].Channel != "C1" {
		t.Errorf("edit draft = %+v", got[1])
	}
}

func TestSlackSync(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations.history" {
			t.Errorf("path = %q", r.URL.Path)
		}
		r.ParseForm()
		if r.Form.Get("channel") != "C1" {
			t.Errorf("channel = %q", r.Form.Get("channel"))
		}
		cursors = append(cursors, r.Form.Get("cursor"))
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("cursor") == "" {
			fmt.Fprint(w, `{"ok":true,"has_more":true,"response_metadata":{"next_cursor":"page2"},"messages":[
				{"type":"message","user":"U1","text":"newest","ts":"3.0"},
				{"type":"message","bot_id":"B1","text":"bot","ts":"2.5"},
				{"type":"message","user":"U2","text":"middle","ts":"2.0"}]}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"has_more":false,"messages":[{"type":"message","user":"U3","text":"oldest","ts":"1.0"}]}`)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	s, err := NewSlack(SlackConfig{BotToken: "xoxb-test", APIURL: srv.URL}, sink)
	if err != nil {
		t.Fatalf("NewSlack: %v", err)
	}
	n, err := s.Sync(context.Background(), "C1", "")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 3 {
		t.Errorf("queued = %d, want 3", n)
	}
	if len(cursors) != 2 || cursors[1] != "page2" {
		t.Errorf("cursors = %v", cursors)
	}
	var texts []string
	for _, d := range sink.snapshot() {
		texts = append(texts, d.Content)
	}
	if strings.Join(texts, ",") != "middle,newest,oldest" {
		t.Errorf("order = %v", texts)
	}
}

func TestNewSlackRequiresToken(t *testing.T) {
	if _, err := NewSlack(SlackConfig{}, &recordingSink{}); err == nil {
		t.Error("NewSlack without a token succeeded")
	}
}

type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaRun(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Topic: "notes", Partition: 0, Offset: 7, Value: []byte(`{"content":"from kafka"}`)},
		{Topic: "notes", Partition: 1, Offset: 3, Value: []byte(`not json`)},
		{Topic: "notes", Key: []byte("k-9"), Value: []byte(`{"source":"crm","content":"keyed","channel":"deals"}`)},
	}}
	sink := &recordingSink{}
	k := newKafka(reader, "notes", sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("drafts = %+v, want 2", got)
	}
	if got[0].Source != "kafka" || got[0].SourceNoteID != "notes/0/7" || got[0].Channel != "notes" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Source != "crm" || got[1].SourceNoteID != "k-9" || got[1].Channel != "deals" {
		t.Errorf("second = %+v", got[1])
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
}

func TestKafkaStopsWhenSinkCloses(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{{Topic: "notes", Value: []byte(`{"content":"x"}`)}}}
	k := newKafka(reader, "notes", &recordingSink{err: debounce.ErrClosed})

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after the sink closed")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestImportDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "plain note")
	writeFile(t, filepath.Join(root, "projects", "b.md"), "# B\nproject note")
	writeFile(t, filepath.Join(root, ".hidden"), "secret")
	writeFile(t, filepath.Join(root, ".git", "config"), "[core]")
	writeFile(t, filepath.Join(root, "dump.yaml"), "- source_note_id: y1\n  content: one\n- source_note_id: y2\n  content: two\n")

	sink := &recordingSink{}
	n, err := Import(root, sink)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 4 {
		t.Fatalf("queued = %d, want 4", n)
	}

	var ids []string
	for _, d := range sink.snapshot() {
		ids = append(ids, d.Channel+"|"+d.SourceNoteID)
		if d.Source != "file" {
			t.Errorf("Source = %q", d.Source)
		}
	}
	sort.Strings(ids)
	want := "|a.txt,|y1,|y2,projects|projects/b.md"
	if strings.Join(ids, ",") != want {
		t.Errorf("ids = %v, want %s", ids, want)
	}
}

func TestDropDirWatch(t *testing.T) {
	root := t.TempDir()
	sink := &recordingSink{}
	d := NewDropDir(root, sink)
	d.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the root.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(root, "inbox.md"), "call the vendor")
	writeFile(t, filepath.Join(root, ".swp"), "ignored")

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("drafts = %+v, want 1", got)
	}
	if got[0].SourceNoteID != "inbox.md" || got[0].Content != "call the vendor" {
		t.Errorf("draft = %+v", got[0])
	}
}
