package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tasuke/internal/debounce"
	"github.com/kalambet/tasuke/internal/policy"
	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/storage"
)

// flakyNotes fails InsertIfAbsent with ErrUnavailable for selected drafts.
// A negative count fails forever. Drafts in broken fail with their error.
type flakyNotes struct {
	*storage.Store

	mu             sync.Mutex
	insertFailures map[string]int
	broken         map[string]error
}

func (f *flakyNotes) InsertIfAbsent(ctx context.Context, d storage.NoteDraft) (storage.Note, bool, error) {
	f.mu.Lock()
	if err := f.broken[d.SourceNoteID]; err != nil {
		f.mu.Unlock()
		return storage.Note{}, false, err
	}
	n := f.insertFailures[d.SourceNoteID]
	if n != 0 {
		if n > 0 {
			f.insertFailures[d.SourceNoteID] = n - 1
		}
		f.mu.Unlock()
		return storage.Note{}, false, fmt.Errorf("inserting note: %w", storage.ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Store.InsertIfAbsent(ctx, d)
}

type funcPolicy func(ctx context.Context, req policy.Request) (policy.Decision, error)

func (f funcPolicy) Name() string { return "func" }

func (f funcPolicy) Decide(ctx context.Context, req policy.Request) (policy.Decision, error) {
	return f(ctx, req)
}

type harness struct {
	store   *storage.Store
	notes   *flakyNotes
	tracker *runstate.Tracker
	runner  *Runner
	sched   *Scheduler
	worker  *Worker
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() RunnerConfig {
	return RunnerConfig{OracleTimeout: time.Second, StorageRetries: 2, RetryBackoff: time.Millisecond}
}

func newHarness(t *testing.T, p policy.Policy, cfg RunnerConfig) *harness {
	t.Helper()
	store := openTestStore(t)
	notes := &flakyNotes{Store: store, insertFailures: map[string]int{}, broken: map[string]error{}}
	tracker := runstate.NewTracker(store, nil)
	runner := NewRunner(notes, store, tracker, p, cfg)
	return &harness{
		store:   store,
		notes:   notes,
		tracker: tracker,
		runner:  runner,
		sched:   NewScheduler(tracker, store, runner.Agent()),
		worker:  NewWorker(store, runner, 10*time.Millisecond),
	}
}

func draft(id, content string) storage.NoteDraft {
	return storage.NoteDraft{Source: "slack", SourceNoteID: id, Channel: "C1", Author: "U1", Content: content}
}

func (h *harness) submit(t *testing.T, drafts ...storage.NoteDraft) storage.Run {
	t.Helper()
	run, err := h.sched.Submit(context.Background(), debounce.Batch{
		Key:    debounce.Key{Source: "slack", Channel: "C1"},
		Drafts: drafts,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return run
}

// drain runs queued jobs until none is left.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for range 20 {
		did, err := h.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !did {
			return
		}
	}
	t.Fatal("job queue did not drain")
}

func (h *harness) run(t *testing.T, id string) storage.Run {
	t.Helper()
	run, err := h.tracker.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return run
}

func (h *harness) kinds(t *testing.T, runID string) []string {
	t.Helper()
	exchanges, err := h.store.ListExchanges(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListExchanges: %v", err)
	}
	var out []string
	for _, e := range exchanges {
		out = append(out, e.Kind)
	}
	return out
}

func (h *harness) noteCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountNotes(context.Background())
	if err != nil {
		t.Fatalf("CountNotes: %v", err)
	}
	return n
}

func TestBurstBecomesOneRun(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	w := debounce.New(debounce.Config{QuietPeriod: 30 * time.Millisecond, MaxBatch: 50, MaxWait: time.Minute}, h.sched.Flush)
	defer w.Close()

	for i := range 5 {
		if err := w.Add(draft(fmt.Sprintf("m%d", i), fmt.Sprintf("message number %d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := h.store.CountJobs(context.Background(), "pending")
		if err != nil {
			t.Fatalf("CountJobs: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending jobs = %d, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.drain(t)

	runs, err := h.tracker.List(context.Background(), storage.RunFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != storage.RunSuccess || run.BatchSize != 5 || run.Cursor != 5 {
		t.Errorf("run = %+v", run)
	}
	if run.Agent != "rules" {
		t.Errorf("Agent = %q, want rules", run.Agent)
	}
	if !strings.HasPrefix(run.Summary, "created=5 ") {
		t.Errorf("Summary = %q", run.Summary)
	}
	if got := h.noteCount(t); got != 5 {
		t.Errorf("notes = %d, want 5", got)
	}
}

func TestReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	batch := []storage.NoteDraft{draft("a", "Ship on Friday"), draft("b", "Standup at 10"), draft("c", "  ship ON friday ")}

	first := h.submit(t, batch...)
	h.drain(t)
	second := h.submit(t, batch...)
	h.drain(t)

	if got := h.noteCount(t); got != 2 {
		t.Errorf("notes = %d, want 2", got)
	}
	if got := h.run(t, first.ID).Summary; !strings.HasPrefix(got, "created=2 updated=0 skipped=1 ") {
		t.Errorf("first summary = %q", got)
	}
	if got := h.run(t, second.ID).Summary; !strings.HasPrefix(got, "created=0 updated=0 skipped=3 ") {
		t.Errorf("second summary = %q", got)
	}
}

func TestEditedSourceNoteUpdates(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	h.submit(t, draft("a", "Standup at 10"))
	h.drain(t)
	run := h.submit(t, draft("a", "Standup at 11"))
	h.drain(t)

	if got := h.kinds(t, run.ID); len(got) != 1 || got[0] != storage.KindUpdate {
		t.Fatalf("kinds = %v, want [update]", got)
	}
	note, err := h.store.FindByIdentity(context.Background(), "slack", "a")
	if err != nil {
		t.Fatalf("FindByIdentity: %v", err)
	}
	if note.Content != "Standup at 11" {
		t.Errorf("Content = %q", note.Content)
	}
	if got := h.noteCount(t); got != 1 {
		t.Errorf("notes = %d, want 1", got)
	}
}

func TestStorageUnavailableRetriedAndCounted(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	h.notes.insertFailures["b"] = 1

	run := h.submit(t, draft("a", "first note"), draft("b", "second note"), draft("c", "third note"))
	h.drain(t)

	got := h.run(t, run.ID)
	if got.Status != storage.RunSuccess {
		t.Fatalf("Status = %q, want success", got.Status)
	}
	if got.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", got.ErrorCount)
	}
	if !strings.Contains(got.LastError, "storage unavailable") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if n := h.noteCount(t); n != 3 {
		t.Errorf("notes = %d, want 3", n)
	}
}

func TestStorageUnavailableExhaustedFailsRun(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	h.notes.insertFailures["b"] = -1

	run := h.submit(t, draft("a", "first note"), draft("b", "second note"), draft("c", "third note"))
	err := h.runner.Process(context.Background(), run.ID)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("Process err = %v, want ErrUnavailable", err)
	}

	got := h.run(t, run.ID)
	if got.Status != storage.RunFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorCount != 3 {
		t.Errorf("ErrorCount = %d, want 3", got.ErrorCount)
	}
	if got.Cursor != 1 {
		t.Errorf("Cursor = %d, want 1", got.Cursor)
	}
	if n := h.noteCount(t); n != 1 {
		t.Errorf("notes = %d, want 1", n)
	}
}

func TestStorageFailureRecordedOnFailedRun(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	h.notes.broken["b"] = errors.New("database disk image is malformed")

	run := h.submit(t, draft("a", "first note"), draft("b", "second note"), draft("c", "third note"))
	if err := h.runner.Process(context.Background(), run.ID); err == nil {
		t.Fatal("Process succeeded with a broken store")
	}

	got := h.run(t, run.ID)
	if got.Status != storage.RunFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", got.ErrorCount)
	}
	if !strings.Contains(got.LastError, "malformed") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.Cursor != 1 {
		t.Errorf("Cursor = %d, want 1", got.Cursor)
	}
}

func TestOracleTimeoutRecordedAndSkipped(t *testing.T) {
	p := policy.NewScripted(
		policy.Step{Decision: policy.Decision{Action: policy.Create}, Delay: time.Second},
	)
	p.Fallback = policy.Rules{}
	cfg := testConfig()
	cfg.OracleTimeout = 20 * time.Millisecond
	h := newHarness(t, p, cfg)

	run := h.submit(t, draft("a", "slow note"), draft("b", "second note"), draft("c", "third note"))
	start := time.Now()
	h.drain(t)
	if time.Since(start) > 900*time.Millisecond {
		t.Error("oracle call was not bounded by the timeout")
	}

	got := h.run(t, run.ID)
	if got.Status != storage.RunSuccess || got.ErrorCount != 1 {
		t.Errorf("run = %+v", got)
	}
	want := []string{storage.KindError, storage.KindCreate, storage.KindCreate}
	if k := h.kinds(t, run.ID); strings.Join(k, ",") != strings.Join(want, ",") {
		t.Errorf("kinds = %v, want %v", k, want)
	}
	if n := h.noteCount(t); n != 2 {
		t.Errorf("notes = %d, want 2", n)
	}
}

func TestFailOnOracleError(t *testing.T) {
	p := policy.NewScripted(policy.Step{Err: errors.New("model unavailable")})
	cfg := testConfig()
	cfg.FailOnOracleError = true
	h := newHarness(t, p, cfg)

	run := h.submit(t, draft("a", "first note"), draft("b", "second note"))
	if err := h.runner.Process(context.Background(), run.ID); !errors.Is(err, policy.ErrOracle) {
		t.Fatalf("Process err = %v, want ErrOracle", err)
	}
	got := h.run(t, run.ID)
	if got.Status != storage.RunFailed || got.ErrorCount != 1 {
		t.Errorf("run = %+v", got)
	}
}

func TestPauseBetweenNotes(t *testing.T) {
	var h *harness
	var runID string
	decided := 0
	h = newHarness(t, funcPolicy(func(ctx context.Context, req policy.Request) (policy.Decision, error) {
		decided++
		if decided == 2 {
			if _, err := h.tracker.Pause(ctx, runID); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
		return policy.Decision{Action: policy.Create, Reason: "new"}, nil
	}), testConfig())

	var drafts []storage.NoteDraft
	for i := range 5 {
		drafts = append(drafts, draft(fmt.Sprintf("m%d", i), fmt.Sprintf("note %d", i)))
	}
	runID = h.submit(t, drafts...).ID
	h.drain(t)

	got := h.run(t, runID)
	if got.Status != storage.RunPaused || got.Cursor != 2 {
		t.Fatalf("after pause: status=%q cursor=%d, want paused/2", got.Status, got.Cursor)
	}
	if n := h.noteCount(t); n != 2 {
		t.Fatalf("notes after pause = %d, want 2", n)
	}

	if _, err := h.sched.Resume(context.Background(), runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.drain(t)

	got = h.run(t, runID)
	if got.Status != storage.RunSuccess || got.Cursor != 5 {
		t.Errorf("after resume: status=%q cursor=%d", got.Status, got.Cursor)
	}
	if n := h.noteCount(t); n != 5 {
		t.Errorf("notes = %d, want 5", n)
	}
	if decided != 5 {
		t.Errorf("decisions = %d, want 5", decided)
	}
}

func TestCancelStopsRun(t *testing.T) {
	var h *harness
	var runID string
	h = newHarness(t, funcPolicy(func(ctx context.Context, req policy.Request) (policy.Decision, error) {
		if _, err := h.tracker.Cancel(ctx, runID, "operator"); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return policy.Decision{Action: policy.Create}, nil
	}), testConfig())

	runID = h.submit(t, draft("a", "first note"), draft("b", "second note")).ID
	h.drain(t)

	got := h.run(t, runID)
	if got.Status != storage.RunFailed || got.LastError != "cancelled: operator" {
		t.Errorf("run = %+v", got)
	}
	if n := h.noteCount(t); n != 1 {
		t.Errorf("notes = %d, want 1", n)
	}
}

func TestDeferAndReply(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	run := h.submit(t, draft("a", "ok"), draft("b", "a real note"), draft("c", "no"))
	h.drain(t)

	if got := h.run(t, run.ID); got.Status != storage.RunActive {
		t.Fatalf("Status = %q, want active while input is pending", got.Status)
	}
	pending, err := h.runner.PendingRequests(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	ctx := context.Background()
	reply, err := h.runner.Reply(ctx, run.ID, pending[0].ID, Reply{Action: "create", Content: "ok, ship it"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.Role != storage.RoleHuman || reply.ReplyTo != pending[0].ID || reply.NoteID == "" {
		t.Errorf("reply = %+v", reply)
	}
	if _, err := h.runner.Reply(ctx, run.ID, pending[0].ID, Reply{Action: "skip"}); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("second reply err = %v, want ErrAlreadyAnswered", err)
	}
	if _, err := h.runner.Reply(ctx, run.ID, pending[1].ID, Reply{Action: "maybe"}); !errors.Is(err, ErrInvalidReply) {
		t.Errorf("bad action err = %v, want ErrInvalidReply", err)
	}
	if got := h.run(t, run.ID); got.Status != storage.RunActive {
		t.Fatalf("Status = %q, want active with one request left", got.Status)
	}

	if _, err := h.runner.Reply(ctx, run.ID, pending[1].ID, Reply{Action: "skip", Note: "noise"}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	got := h.run(t, run.ID)
	if got.Status != storage.RunSuccess {
		t.Fatalf("Status = %q, want success", got.Status)
	}
	if !strings.Contains(got.Summary, "deferred=2 answered=2") {
		t.Errorf("Summary = %q", got.Summary)
	}
	if n := h.noteCount(t); n != 2 {
		t.Errorf("notes = %d, want 2", n)
	}

	if _, err := h.runner.Reply(ctx, run.ID, pending[1].ID, Reply{Action: "skip"}); !errors.Is(err, ErrNotAwaitingInput) {
		t.Errorf("reply to finished run err = %v, want ErrNotAwaitingInput", err)
	}
}

func TestReplyUnknownRequest(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	run := h.submit(t, draft("a", "ok"))
	h.drain(t)

	_, err := h.runner.Reply(context.Background(), run.ID, "missing", Reply{Action: "skip"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateConflictRecorded(t *testing.T) {
	var alphaID string
	h := newHarness(t, funcPolicy(func(ctx context.Context, req policy.Request) (policy.Decision, error) {
		if req.Previous != nil {
			return policy.Decision{Action: policy.Update, TargetID: alphaID, Content: "Beta"}, nil
		}
		return policy.Decision{Action: policy.Create}, nil
	}), testConfig())
	ctx := context.Background()

	alpha, _, err := h.store.InsertIfAbsent(ctx, draft("a", "alpha"))
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	alphaID = alpha.ID
	if _, _, err := h.store.InsertIfAbsent(ctx, draft("b", "beta")); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	run := h.submit(t, draft("a", "alpha edited"), draft("c", "gamma"))
	h.drain(t)

	got := h.run(t, run.ID)
	if got.Status != storage.RunSuccess || got.ErrorCount != 1 {
		t.Fatalf("run = %+v", got)
	}
	if !strings.Contains(got.LastError, "fingerprint conflict") {
		t.Errorf("LastError = %q", got.LastError)
	}
	want := []string{storage.KindConflict, storage.KindCreate}
	if k := h.kinds(t, run.ID); strings.Join(k, ",") != strings.Join(want, ",") {
		t.Errorf("kinds = %v, want %v", k, want)
	}
	stored, err := h.store.GetNote(ctx, alpha.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if stored.Content != "alpha" {
		t.Errorf("alpha content = %q, want unchanged", stored.Content)
	}
}

func TestInvalidDraftRejected(t *testing.T) {
	h := newHarness(t, policy.Rules{MinContentLength: 3}, testConfig())
	run := h.submit(t, draft("a", "   "), draft("b", "a real note"))
	h.drain(t)

	got := h.run(t, run.ID)
	if got.Status != storage.RunSuccess || got.ErrorCount != 0 {
		t.Errorf("run = %+v", got)
	}
	want := []string{storage.KindRejected, storage.KindCreate}
	if k := h.kinds(t, run.ID); strings.Join(k, ",") != strings.Join(want, ",") {
		t.Errorf("kinds = %v, want %v", k, want)
	}
}

func TestUndecodableBatchFailsRun(t *testing.T) {
	h := newHarness(t, policy.Rules{}, testConfig())
	run, err := h.tracker.CreateWithJob(context.Background(),
		storage.Run{ID: "r-bad", Source: "slack", BatchJSON: "not json"},
		batchJob("r-bad", "slack/C1"))
	if err != nil {
		t.Fatalf("CreateWithJob: %v", err)
	}
	if err := h.runner.Process(context.Background(), run.ID); err == nil {
		t.Fatal("Process succeeded on a corrupt batch")
	}
	if got := h.run(t, run.ID); got.Status != storage.RunFailed || !strings.Contains(got.LastError, "decoding batch") {
		t.Errorf("run = %+v", got)
	}
}

func TestProcessFinishedRunIsNoop(t *testing.T) {
	p := policy.NewScripted()
	p.Fallback = policy.Rules{}
	h := newHarness(t, p, testConfig())
	run := h.submit(t, draft("a", "first note"))
	h.drain(t)

	if err := h.runner.Process(context.Background(), run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(p.Requests()); got != 1 {
		t.Errorf("decisions = %d, want 1", got)
	}
}

func TestShutdownPausesRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, funcPolicy(func(context.Context, policy.Request) (policy.Decision, error) {
		cancel()
		return policy.Decision{Action: policy.Create}, nil
	}), testConfig())

	run := h.submit(t, draft("a", "first note"), draft("b", "second note"))
	if _, err := h.tracker.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.runner.Process(ctx, run.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Process err = %v, want context.Canceled", err)
	}
	if got := h.run(t, run.ID); got.Status != storage.RunPaused {
		t.Errorf("Status = %q, want paused", got.Status)
	}
}

// gatedRuns holds the save of the final cursor until released.
type gatedRuns struct {
	*runstate.Tracker
	last      int
	advancing chan struct{}
	release   chan struct{}
}

func (g *gatedRuns) Advance(ctx context.Context, id string, cursor int) error {
	if cursor == g.last {
		close(g.advancing)
		<-g.release
	}
	return g.Tracker.Advance(ctx, id, cursor)
}

// gatedExchanges holds a reply append until the run's exchanges have been
// listed by someone else.
type gatedExchanges struct {
	*storage.Store
	replying chan struct{}
	listed   chan struct{}
	once     sync.Once
}

func (g *gatedExchanges) AppendExchange(ctx context.Context, e storage.Exchange) (storage.Exchange, error) {
	if e.Kind == storage.KindReply {
		close(g.replying)
		<-g.listed
	}
	return g.Store.AppendExchange(ctx, e)
}

func (g *gatedExchanges) ListExchanges(ctx context.Context, runID string) ([]storage.Exchange, error) {
	out, err := g.Store.ListExchanges(ctx, runID)
	select {
	case <-g.replying:
		g.once.Do(func() { close(g.listed) })
	default:
	}
	return out, err
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestReplyRacingLastDraftCompletesRun(t *testing.T) {
	store := openTestStore(t)
	tracker := runstate.NewTracker(store, nil)
	runs := &gatedRuns{Tracker: tracker, last: 2, advancing: make(chan struct{}), release: make(chan struct{})}
	exchanges := &gatedExchanges{Store: store, replying: make(chan struct{}), listed: make(chan struct{})}
	runner := NewRunner(store, exchanges, runs, policy.Rules{MinContentLength: 3}, testConfig())
	sched := NewScheduler(tracker, store, runner.Agent())

	ctx := context.Background()
	run, err := sched.Submit(ctx, debounce.Batch{
		Key:    debounce.Key{Source: "slack", Channel: "C1"},
		Drafts: []storage.NoteDraft{draft("a", "ok"), draft("b", "a real note")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	processed := make(chan error, 1)
	go func() { processed <- runner.Process(ctx, run.ID) }()
	waitFor(t, runs.advancing, "the last cursor save")

	pending, err := runner.PendingRequests(ctx, run.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingRequests = %v, %v", pending, err)
	}

	// The reply reads the run before the last cursor is saved and appends
	// after the loop has checked for outstanding requests.
	replied := make(chan error, 1)
	go func() {
		_, err := runner.Reply(ctx, run.ID, pending[0].ID, Reply{Action: "skip"})
		replied <- err
	}()
	waitFor(t, exchanges.replying, "the reply append")
	close(runs.release)

	for name, ch := range map[string]chan error{"Process": processed, "Reply": replied} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not return", name)
		}
	}

	got, err := tracker.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != storage.RunSuccess || got.Cursor != 2 {
		t.Errorf("run = %s at %d/%d, want success at 2/2", got.Status, got.Cursor, got.BatchSize)
	}
	if pending, _ := runner.PendingRequests(ctx, run.ID); len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}
