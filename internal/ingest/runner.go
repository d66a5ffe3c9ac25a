// Package ingest runs the decision loop over flushed batches of note
// drafts.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/tasuke/internal/fingerprint"
	"github.com/kalambet/tasuke/internal/policy"
	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/storage"
)

var (
	// ErrNotAwaitingInput is returned by Reply when the run cannot take a
	// human answer in its current state.
	ErrNotAwaitingInput = errors.New("run is not awaiting input")

	// ErrAlreadyAnswered is returned by Reply for a request that already has
	// a reply.
	ErrAlreadyAnswered = errors.New("request already answered")

	// ErrInvalidReply is returned for replies with an unknown action.
	ErrInvalidReply = errors.New("invalid reply")
)

// NoteStore is the note persistence the loop writes through.
type NoteStore interface {
	FindByFingerprint(ctx context.Context, fp string) (storage.Note, error)
	FindByIdentity(ctx context.Context, source, sourceNoteID string) (storage.Note, error)
	InsertIfAbsent(ctx context.Context, d storage.NoteDraft) (storage.Note, bool, error)
	UpdateContent(ctx context.Context, id, content string) (storage.Note, error)
}

// ExchangeStore records the audit trail of a run.
type ExchangeStore interface {
	AppendExchange(ctx context.Context, e storage.Exchange) (storage.Exchange, error)
	GetExchange(ctx context.Context, id string) (storage.Exchange, error)
	ListExchanges(ctx context.Context, runID string) ([]storage.Exchange, error)
}

// RunTracker is the subset of runstate.Tracker the loop drives.
type RunTracker interface {
	Get(ctx context.Context, id string) (storage.Run, error)
	Start(ctx context.Context, id string) (storage.Run, error)
	Pause(ctx context.Context, id string) (storage.Run, error)
	Succeed(ctx context.Context, id, summary string) (storage.Run, error)
	Fail(ctx context.Context, id string, cause error) (storage.Run, error)
	RecordError(ctx context.Context, id string, cause error) (storage.Run, error)
	Advance(ctx context.Context, id string, cursor int) error
}

// RunnerConfig tunes failure handling.
type RunnerConfig struct {
	// OracleTimeout bounds each policy decision.
	OracleTimeout time.Duration
	// StorageRetries is how many times an unavailable store is retried
	// before the run fails.
	StorageRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// FailOnOracleError fails the run on the first policy error instead of
	// recording it and moving to the next draft.
	FailOnOracleError bool
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		OracleTimeout:  30 * time.Second,
		StorageRetries: 3,
		RetryBackoff:   200 * time.Millisecond,
	}
}

// Runner processes one run's batch: for every draft it asks the policy for a
// decision and applies it to the note store, recording each step as an
// exchange.
type Runner struct {
	notes     NoteStore
	exchanges ExchangeStore
	runs      RunTracker
	policy    policy.Policy
	cfg       RunnerConfig
	logger    *slog.Logger

	// replyMu serialises human replies so a request is answered once.
	replyMu sync.Mutex
}

// NewRunner creates a Runner.
func NewRunner(notes NoteStore, exchanges ExchangeStore, runs RunTracker, p policy.Policy, cfg RunnerConfig) *Runner {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultRunnerConfig().OracleTimeout
	}
	if cfg.StorageRetries < 0 {
		cfg.StorageRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRunnerConfig().RetryBackoff
	}
	return &Runner{
		notes:     notes,
		exchanges: exchanges,
		runs:      runs,
		policy:    p,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Agent returns the tag recorded on runs processed by this runner.
func (r *Runner) Agent() string {
	return r.policy.Name()
}

// Process runs the decision loop for runID from its saved cursor. It returns
// nil when the run finished, paused, or awaits human input, and an error
// when the run failed or ctx was cancelled.
func (r *Runner) Process(ctx context.Context, runID string) error {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}

	switch runstate.Status(run.Status) {
	case runstate.Success, runstate.Failed, runstate.Paused:
		r.logger.Info("run not runnable, skipping", "run_id", runID, "status", run.Status)
		return nil
	case runstate.Planning:
		if run, err = r.runs.Start(ctx, runID); err != nil {
			return fmt.Errorf("starting run %s: %w", runID, err)
		}
	}

	var batch []storage.NoteDraft
	if err := json.Unmarshal([]byte(run.BatchJSON), &batch); err != nil {
		err = fmt.Errorf("decoding batch: %w", err)
		r.fail(ctx, runID, err)
		return err
	}

	logger := r.logger.With("run_id", runID)
	logger.Info("processing run", "batch_size", len(batch), "cursor", run.Cursor)

	for i := run.Cursor; i < len(batch); i++ {
		if ctx.Err() != nil {
			r.interrupt(ctx, runID)
			return ctx.Err()
		}

		var current storage.Run
		err := r.retry(ctx, runID, "reading run status", func() error {
			var err error
			current, err = r.runs.Get(ctx, runID)
			return err
		})
		if err != nil {
			r.fail(ctx, runID, fmt.Errorf("reading run status: %w", err))
			return err
		}
		if runstate.Status(current.Status) != runstate.Active {
			logger.Info("run stopped between drafts", "status", current.Status, "cursor", i)
			return nil
		}

		if err := r.processDraft(ctx, runID, batch[i]); err != nil {
			if ctx.Err() != nil {
				r.interrupt(ctx, runID)
				return ctx.Err()
			}
			logger.Error("run failed", "draft", i, "error", err)
			r.fail(ctx, runID, fmt.Errorf("draft %d: %w", i, err))
			return err
		}

		if err := r.retry(ctx, runID, "saving cursor", func() error { return r.runs.Advance(ctx, runID, i+1) }); err != nil {
			r.fail(ctx, runID, err)
			return err
		}
	}

	return r.finish(ctx, runID)
}

// processDraft decides and applies one draft. Only errors that must end the
// run are returned.
func (r *Runner) processDraft(ctx context.Context, runID string, d storage.NoteDraft) error {
	if err := d.Validate(); err != nil {
		return r.appendExchange(ctx, runID, storage.Exchange{Role: storage.RoleSystem, Kind: storage.KindRejected, Content: err.Error()})
	}

	fp := fingerprint.Sum(d.Content)
	req := policy.Request{Draft: d, Fingerprint: fp}
	err := r.retry(ctx, runID, "looking up note", func() error {
		req.Duplicate, req.Previous = nil, nil
		dup, err := r.notes.FindByFingerprint(ctx, fp)
		switch {
		case err == nil:
			req.Duplicate = &dup
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		prev, err := r.notes.FindByIdentity(ctx, d.Source, d.SourceNoteID)
		switch {
		case err == nil && prev.ContentFingerprint != fp:
			req.Previous = &prev
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.OracleTimeout)
	decision, err := r.policy.Decide(dctx, req)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, policy.ErrOracle) {
			err = fmt.Errorf("%w: %v", policy.ErrOracle, err)
		}
		r.recordError(ctx, runID, err)
		if appendErr := r.appendExchange(ctx, runID, storage.Exchange{Role: storage.RoleSystem, Kind: storage.KindError, Content: err.Error()}); appendErr != nil {
			return appendErr
		}
		if r.cfg.FailOnOracleError {
			return recordedError{err}
		}
		return nil
	}

	return r.apply(ctx, runID, d, req, decision)
}

func (r *Runner) apply(ctx context.Context, runID string, d storage.NoteDraft, req policy.Request, decision policy.Decision) error {
	ex := storage.Exchange{
		Role:       storage.RoleAgent,
		Content:    decision.Reason,
		Model:      decision.Model,
		TokensUsed: decision.TokensUsed,
	}

	switch decision.Action {
	case policy.Create:
		draft := d
		if decision.Content != "" {
			draft.Content = decision.Content
		}
		var note storage.Note
		var created bool
		err := r.retry(ctx, runID, "inserting note", func() error {
			var err error
			note, created, err = r.notes.InsertIfAbsent(ctx, draft)
			return err
		})
		if errors.Is(err, storage.ErrInvalidDraft) {
			ex.Role, ex.Kind, ex.Content = storage.RoleSystem, storage.KindRejected, err.Error()
			return r.appendExchange(ctx, runID, ex)
		}
		if err != nil {
			return err
		}
		ex.NoteID = note.ID
		ex.Kind = storage.KindCreate
		if !created {
			ex.Kind = storage.KindSkip
			ex.Content = "duplicate of note " + note.ID
		}

	case policy.Update:
		content := decision.Content
		if content == "" {
			content = d.Content
		}
		var note storage.Note
		err := r.retry(ctx, runID, "updating note", func() error {
			var err error
			note, err = r.notes.UpdateContent(ctx, decision.TargetID, content)
			return err
		})
		switch {
		case errors.Is(err, storage.ErrConflict):
			r.recordError(ctx, runID, err)
			ex.Role, ex.Kind, ex.Content, ex.NoteID = storage.RoleSystem, storage.KindConflict, err.Error(), decision.TargetID
			return r.appendExchange(ctx, runID, ex)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidDraft):
			err = fmt.Errorf("updating note %s: %w", decision.TargetID, err)
			r.recordError(ctx, runID, err)
			ex.Role, ex.Kind, ex.Content = storage.RoleSystem, storage.KindError, err.Error()
			return r.appendExchange(ctx, runID, ex)
		case err != nil:
			return err
		}
		ex.Kind = storage.KindUpdate
		ex.NoteID = note.ID

	case policy.Skip:
		ex.Kind = storage.KindSkip
		if req.Duplicate != nil {
			ex.NoteID = req.Duplicate.ID
		}

	case policy.Defer:
		payload, err := json.Marshal(deferral{Question: decision.Reason, Draft: d})
		if err != nil {
			return fmt.Errorf("encoding deferral: %w", err)
		}
		ex.Kind = storage.KindDefer
		ex.Content = string(payload)

	default:
		err := fmt.Errorf("%w: unknown action %q", policy.ErrOracle, decision.Action)
		r.recordError(ctx, runID, err)
		ex.Role, ex.Kind, ex.Content = storage.RoleSystem, storage.KindError, err.Error()
	}

	return r.appendExchange(ctx, runID, ex)
}

// deferral is the content of a defer exchange.
type deferral struct {
	Question string            `json:"question"`
	Draft    storage.NoteDraft `json:"draft"`
}

// finish completes the run unless human input is outstanding, in which case
// it stays active.
func (r *Runner) finish(ctx context.Context, runID string) error {
	exchanges, err := r.exchanges.ListExchanges(ctx, runID)
	if err != nil {
		return fmt.Errorf("listing exchanges: %w", err)
	}

	if pending := pendingRequests(exchanges); len(pending) > 0 {
		r.logger.Info("run awaiting human input", "run_id", runID, "pending", len(pending))
		return nil
	}

	_, err = r.runs.Succeed(ctx, runID, summarize(exchanges))
	if errors.Is(err, runstate.ErrInvalidTransition) {
		r.logger.Info("run changed state before completion", "run_id", runID, "error", err)
		return nil
	}
	return err
}

func pendingRequests(exchanges []storage.Exchange) []storage.Exchange {
	answered := make(map[string]bool)
	for _, e := range exchanges {
		if e.Kind == storage.KindReply {
			answered[e.ReplyTo] = true
		}
	}
	var out []storage.Exchange
	for _, e := range exchanges {
		if e.Kind == storage.KindDefer && !answered[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

func summarize(exchanges []storage.Exchange) string {
	counts := map[string]int{}
	for _, e := range exchanges {
		counts[e.Kind]++
	}
	return fmt.Sprintf("created=%d updated=%d skipped=%d deferred=%d answered=%d rejected=%d failed=%d",
		counts[storage.KindCreate], counts[storage.KindUpdate], counts[storage.KindSkip],
		counts[storage.KindDefer], counts[storage.KindReply], counts[storage.KindRejected],
		counts[storage.KindConflict]+counts[storage.KindError])
}

// retry runs fn, retrying while the store is unavailable. Every failed
// attempt is recorded on the run, including ones a later attempt recovers
// from.
func (r *Runner) retry(ctx context.Context, runID, op string, fn func() error) error {
	backoff := r.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		r.recordError(ctx, runID, fmt.Errorf("%s: %w", op, err))
		if attempt >= r.cfg.StorageRetries {
			return recordedError{fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt+1, err)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (r *Runner) recordError(ctx context.Context, runID string, cause error) {
	if _, err := r.runs.RecordError(ctx, runID, cause); err != nil {
		r.logger.Error("recording run error", "run_id", runID, "cause", cause, "error", err)
	}
}

func (r *Runner) appendExchange(ctx context.Context, runID string, e storage.Exchange) error {
	e.RunID = runID
	return r.retry(ctx, runID, "appending exchange", func() error {
		_, err := r.exchanges.AppendExchange(ctx, e)
		return err
	})
}

// recordedError wraps an error that is already counted on the run.
type recordedError struct{ err error }

func (e recordedError) Error() string { return e.err.Error() }
func (e recordedError) Unwrap() error { return e.err }

// fail moves the run to failed. cause is counted unless a retry or the
// oracle path already recorded it.
func (r *Runner) fail(ctx context.Context, runID string, cause error) {
	var rec recordedError
	if errors.As(cause, &rec) {
		cause = nil
	}
	if _, err := r.runs.Fail(context.WithoutCancel(ctx), runID, cause); err != nil {
		r.logger.Error("failing run", "run_id", runID, "error", err)
	}
}

// interrupt pauses a run whose processing was cut short by shutdown so that
// it can be resumed explicitly.
func (r *Runner) interrupt(ctx context.Context, runID string) {
	if _, err := r.runs.Pause(context.WithoutCancel(ctx), runID); err != nil {
		r.logger.Warn("pausing interrupted run", "run_id", runID, "error", err)
		return
	}
	r.logger.Info("run interrupted, paused for resume", "run_id", runID)
}

// Reply is a human answer to a deferred draft.
type Reply struct {
	// Action is "create" or "skip".
	Action string `json:"action"`
	// Content optionally replaces the draft's content on create.
	Content string `json:"content,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Reply answers a human-input request of an active run and completes the run
// when nothing else is outstanding.
func (r *Runner) Reply(ctx context.Context, runID, requestID string, reply Reply) (storage.Exchange, error) {
	r.replyMu.Lock()
	defer r.replyMu.Unlock()

	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return storage.Exchange{}, err
	}
	if runstate.Status(run.Status) != runstate.Active {
		return storage.Exchange{}, fmt.Errorf("%w: run is %s", ErrNotAwaitingInput, run.Status)
	}

	request, err := r.exchanges.GetExchange(ctx, requestID)
	if err != nil {
		return storage.Exchange{}, err
	}
	if request.RunID != runID || request.Kind != storage.KindDefer {
		return storage.Exchange{}, storage.ErrNotFound
	}

	exchanges, err := r.exchanges.ListExchanges(ctx, runID)
	if err != nil {
		return storage.Exchange{}, err
	}
	for _, e := range exchanges {
		if e.Kind == storage.KindReply && e.ReplyTo == requestID {
			return storage.Exchange{}, ErrAlreadyAnswered
		}
	}

	var def deferral
	if err := json.Unmarshal([]byte(request.Content), &def); err != nil {
		return storage.Exchange{}, fmt.Errorf("decoding request %s: %w", requestID, err)
	}

	out := storage.Exchange{RunID: runID, Role: storage.RoleHuman, Kind: storage.KindReply, ReplyTo: requestID}
	switch policy.Action(reply.Action) {
	case policy.Create:
		draft := def.Draft
		if reply.Content != "" {
			draft.Content = reply.Content
		}
		note, created, err := r.notes.InsertIfAbsent(ctx, draft)
		if err != nil {
			return storage.Exchange{}, err
		}
		out.NoteID = note.ID
		out.Content = "create"
		if !created {
			out.Content = "create: duplicate of note " + note.ID
		}
	case policy.Skip:
		out.Content = "skip"
	default:
		return storage.Exchange{}, fmt.Errorf("%w: action must be create or skip, got %q", ErrInvalidReply, reply.Action)
	}
	if reply.Note != "" {
		out.Content += ": " + reply.Note
	}

	saved, err := r.exchanges.AppendExchange(ctx, out)
	if err != nil {
		return storage.Exchange{}, err
	}

	// Process may have decided the last draft since run was read.
	latest, err := r.runs.Get(ctx, runID)
	if err != nil {
		return saved, err
	}
	if latest.Cursor >= latest.BatchSize {
		if err := r.finish(ctx, runID); err != nil {
			return saved, err
		}
	}
	return saved, nil
}

// PendingRequests returns the unanswered human-input requests of a run.
func (r *Runner) PendingRequests(ctx context.Context, runID string) ([]storage.Exchange, error) {
	exchanges, err := r.exchanges.ListExchanges(ctx, runID)
	if err != nil {
		return nil, err
	}
	pending := pendingRequests(exchanges)
	if pending == nil {
		pending = []storage.Exchange{}
	}
	return pending, nil
}
