// Package runstate owns the lifecycle of ingestion runs.
//
// A run moves planning -> active -> success|failed, may alternate between
// active and paused, and may be cancelled into failed from planning, active
// or paused. success and failed are terminal.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/tasuke/internal/events"
	"github.com/kalambet/tasuke/internal/storage"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the run's current status.
var ErrInvalidTransition = errors.New("invalid run transition")

// Status is a run's lifecycle state.
type Status string

const (
	Planning Status = storage.RunPlanning
	Active   Status = storage.RunActive
	Paused   Status = storage.RunPaused
	Success  Status = storage.RunSuccess
	Failed   Status = storage.RunFailed
)

var transitions = map[Status][]Status{
	Planning: {Active, Failed},
	Active:   {Paused, Success, Failed},
	Paused:   {Active, Failed},
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == Success || s == Failed
}

// ParseStatus validates a status name.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case Planning, Active, Paused, Success, Failed:
		return s, nil
	}
	return "", fmt.Errorf("unknown run status %q", v)
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the persistence the tracker needs.
type Store interface {
	CreateRunWithJob(ctx context.Context, r storage.Run, job storage.Job) (storage.Run, error)
	GetRun(ctx context.Context, id string) (storage.Run, error)
	ListRuns(ctx context.Context, f storage.RunFilter) ([]storage.Run, error)
	ChangeRun(ctx context.Context, id, from, to string, c storage.RunChange) (storage.Run, error)
	RecordRunError(ctx context.Context, id, msg string) (storage.Run, error)
	SetRunCursor(ctx context.Context, id string, cursor int) error
}

// Publisher receives run events after they are committed.
type Publisher interface {
	Publish(ev events.Event)
}

// Tracker applies run transitions as compare-and-set updates and publishes
// each committed change.
type Tracker struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
}

// NewTracker creates a Tracker. pub may be nil.
func NewTracker(store Store, pub Publisher) *Tracker {
	return &Tracker{store: store, pub: pub, logger: slog.Default()}
}

func (t *Tracker) publish(ev events.Event) {
	if t.pub != nil {
		t.pub.Publish(ev)
	}
}

// CreateWithJob persists a planning run together with the job that will
// process it.
func (t *Tracker) CreateWithJob(ctx context.Context, r storage.Run, job storage.Job) (storage.Run, error) {
	r.Status = string(Planning)
	created, err := t.store.CreateRunWithJob(ctx, r, job)
	if err != nil {
		return storage.Run{}, fmt.Errorf("creating run: %w", err)
	}
	t.logger.Info("run created", "run_id", created.ID, "source", created.Source, "channel", created.Channel, "batch_size", created.BatchSize)
	t.publish(events.Event{Type: events.TypeRunCreated, RunID: created.ID, To: created.Status})
	return created, nil
}

// Get returns a run by id.
func (t *Tracker) Get(ctx context.Context, id string) (storage.Run, error) {
	return t.store.GetRun(ctx, id)
}

// List returns runs, optionally filtered by status, newest first.
func (t *Tracker) List(ctx context.Context, f storage.RunFilter) ([]storage.Run, error) {
	if f.Status != "" {
		if _, err := ParseStatus(f.Status); err != nil {
			return nil, err
		}
	}
	return t.store.ListRuns(ctx, f)
}

// Transition moves run id to status `to`. Concurrent changes are retried
// against the freshly read status so that the rules are always checked
// against the committed state.
func (t *Tracker) Transition(ctx context.Context, id string, to Status, summary string) (storage.Run, error) {
	return t.change(ctx, id, "", to, storage.RunChange{Summary: summary})
}

// change applies a transition and its accompanying writes as one
// compare-and-set. A non-empty from additionally requires the run to be in
// that status.
func (t *Tracker) change(ctx context.Context, id string, from, to Status, c storage.RunChange) (storage.Run, error) {
	const attempts = 3
	for range attempts {
		run, err := t.store.GetRun(ctx, id)
		if err != nil {
			return storage.Run{}, err
		}
		current := Status(run.Status)
		if from != "" && current != from {
			return run, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
		}
		if current == to && to == Active {
			return run, nil
		}
		if !CanTransition(current, to) {
			return run, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
		}

		updated, err := t.store.ChangeRun(ctx, id, string(current), string(to), c)
		if errors.Is(err, storage.ErrStatusChanged) {
			continue
		}
		if err != nil {
			return storage.Run{}, fmt.Errorf("updating run %s: %w", id, err)
		}

		t.logger.Info("run transition", "run_id", id, "from", current, "to", to)
		if c.Error != "" {
			t.publish(events.Event{Type: events.TypeRunError, RunID: id, Error: c.Error})
		}
		t.publish(events.Event{Type: events.TypeRunTransition, RunID: id, From: string(current), To: string(to)})
		return updated, nil
	}
	return storage.Run{}, fmt.Errorf("run %s: %w", id, storage.ErrStatusChanged)
}

// Start moves a planning run to active. Starting an active run is a no-op.
func (t *Tracker) Start(ctx context.Context, id string) (storage.Run, error) {
	return t.Transition(ctx, id, Active, "")
}

// Pause suspends an active run.
func (t *Tracker) Pause(ctx context.Context, id string) (storage.Run, error) {
	return t.Transition(ctx, id, Paused, "")
}

// Resume reactivates a paused run. The caller is responsible for scheduling
// the remaining work.
func (t *Tracker) Resume(ctx context.Context, id string) (storage.Run, error) {
	return t.change(ctx, id, Paused, Active, storage.RunChange{})
}

// ResumeWithJob reactivates a paused run and enqueues job in the same
// commit, so an active run is never left without work scheduled.
func (t *Tracker) ResumeWithJob(ctx context.Context, id string, job storage.Job) (storage.Run, error) {
	return t.change(ctx, id, Paused, Active, storage.RunChange{Job: &job})
}

// Succeed completes an active run with a summary.
func (t *Tracker) Succeed(ctx context.Context, id, summary string) (storage.Run, error) {
	return t.Transition(ctx, id, Success, summary)
}

// Fail marks a run failed. A non-nil cause is counted and stored as the last
// error together with the transition; a run that cannot fail is left as is.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) (storage.Run, error) {
	var c storage.RunChange
	if cause != nil {
		c.Error = cause.Error()
	}
	return t.change(ctx, id, "", Failed, c)
}

// Cancel finalizes a run that will not make further progress.
func (t *Tracker) Cancel(ctx context.Context, id, reason string) (storage.Run, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return t.Fail(ctx, id, fmt.Errorf("cancelled: %s", reason))
}

// RecordError increments the run's error count and sets its last error.
func (t *Tracker) RecordError(ctx context.Context, id string, cause error) (storage.Run, error) {
	run, err := t.store.RecordRunError(ctx, id, cause.Error())
	if err != nil {
		return storage.Run{}, err
	}
	t.logger.Warn("run error", "run_id", id, "error_count", run.ErrorCount, "error", cause)
	t.publish(events.Event{Type: events.TypeRunError, RunID: id, Error: cause.Error()})
	return run, nil
}

// Advance records that the first cursor drafts of the batch are decided.
func (t *Tracker) Advance(ctx context.Context, id string, cursor int) error {
	return t.store.SetRunCursor(ctx, id, cursor)
}
