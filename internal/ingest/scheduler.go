package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tasuke/internal/debounce"
	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/storage"
)

// RunCreator is the subset of runstate.Tracker the scheduler drives.
type RunCreator interface {
	CreateWithJob(ctx context.Context, r storage.Run, job storage.Job) (storage.Run, error)
	Get(ctx context.Context, id string) (storage.Run, error)
	List(ctx context.Context, f storage.RunFilter) ([]storage.Run, error)
	ResumeWithJob(ctx context.Context, id string, job storage.Job) (storage.Run, error)
	Pause(ctx context.Context, id string) (storage.Run, error)
}

// Queue recovers jobs a previous process left running.
type Queue interface {
	FailRunningJobs(ctx context.Context, errMsg string) (int, error)
}

// Scheduler turns flushed batches into runs and queues them for workers.
// Jobs of one source channel share a group key, so a channel's runs are
// processed one at a time in the order they were flushed.
type Scheduler struct {
	runs   RunCreator
	queue  Queue
	agent  string
	logger *slog.Logger

	submitTimeout time.Duration
	retryBackoff  time.Duration
}

// NewScheduler creates a Scheduler. agent is recorded on every run.
func NewScheduler(runs RunCreator, queue Queue, agent string) *Scheduler {
	return &Scheduler{
		runs:          runs,
		queue:         queue,
		agent:         agent,
		logger:        slog.Default(),
		submitTimeout: 30 * time.Second,
		retryBackoff:  500 * time.Millisecond,
	}
}

func batchJob(runID, groupKey string) storage.Job {
	payload, _ := json.Marshal(batchPayload{RunID: runID})
	return storage.Job{
		Type:        JobTypeBatch,
		GroupKey:    groupKey,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
}

// Submit persists batch as a planning run with its job.
func (s *Scheduler) Submit(ctx context.Context, batch debounce.Batch) (storage.Run, error) {
	payload, err := json.Marshal(batch.Drafts)
	if err != nil {
		return storage.Run{}, fmt.Errorf("encoding batch: %w", err)
	}
	run := storage.Run{
		ID:        uuid.NewString(),
		Agent:     s.agent,
		Source:    batch.Key.Source,
		Channel:   batch.Key.Channel,
		BatchJSON: string(payload),
		BatchSize: len(batch.Drafts),
	}
	return s.runs.CreateWithJob(ctx, run, batchJob(run.ID, batch.Key.String()))
}

// Flush is the debounce window's flush function. Transient storage errors
// are retried a few times; a batch that still cannot be persisted is logged
// and dropped.
func (s *Scheduler) Flush(batch debounce.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), s.submitTimeout)
	defer cancel()

	logger := s.logger.With("key", batch.Key.String(), "size", len(batch.Drafts), "reason", batch.Reason)
	backoff := s.retryBackoff
	for attempt := 1; ; attempt++ {
		run, err := s.Submit(ctx, batch)
		if err == nil {
			logger.Info("batch scheduled", "run_id", run.ID)
			return
		}
		if !errors.Is(err, storage.ErrUnavailable) || attempt >= 3 {
			logger.Error("dropping batch", "attempts", attempt, "error", err)
			return
		}
		logger.Warn("scheduling batch failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			logger.Error("dropping batch", "error", ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Resume reactivates a paused run and queues the rest of its batch. Both
// commit together.
func (s *Scheduler) Resume(ctx context.Context, runID string) (storage.Run, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return storage.Run{}, err
	}
	key := debounce.Key{Source: run.Source, Channel: run.Channel}
	run, err = s.runs.ResumeWithJob(ctx, runID, batchJob(run.ID, key.String()))
	if err != nil {
		return run, err
	}
	s.logger.Info("run resumed", "run_id", runID, "cursor", run.Cursor)
	return run, nil
}

// Recover prepares runs left behind by a previous process: running jobs are
// failed and active runs with undecided drafts are paused so an operator can
// resume or cancel them. Runs that only await human input stay active.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.queue.FailRunningJobs(ctx, "interrupted by restart")
	if err != nil {
		return fmt.Errorf("failing orphaned jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("failed orphaned jobs", "count", n)
	}

	for {
		runs, err := s.runs.List(ctx, storage.RunFilter{Status: string(runstate.Active), Limit: 100})
		if err != nil {
			return fmt.Errorf("listing active runs: %w", err)
		}
		paused := 0
		for _, run := range runs {
			if run.Cursor >= run.BatchSize {
				continue
			}
			if _, err := s.runs.Pause(ctx, run.ID); err != nil {
				s.logger.Warn("pausing interrupted run", "run_id", run.ID, "error", err)
				continue
			}
			s.logger.Warn("paused interrupted run", "run_id", run.ID, "cursor", run.Cursor, "batch_size", run.BatchSize)
			paused++
		}
		if paused == 0 || len(runs) < 100 {
			return nil
		}
	}
}
