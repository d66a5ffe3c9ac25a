package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tasuke/internal/storage"
)

// JobTypeBatch is the job type that carries a run to the decision loop.
const JobTypeBatch = "ingest_batch"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Processor runs the decision loop for one run.
type Processor interface {
	Process(ctx context.Context, runID string) error
}

// Worker processes ingest_batch jobs from the job queue.
type Worker struct {
	store     JobStore
	processor Processor
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, processor Processor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		processor: processor,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest_batch job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeBatch})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Job bookkeeping must land even when ctx was cancelled mid-run.
	bg := context.WithoutCancel(ctx)

	if err := w.processJob(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) {
			w.logger.Info("job interrupted", "job_id", job.ID)
		} else {
			w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		}
		if failErr := w.store.FailJob(bg, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bg, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type batchPayload struct {
	RunID string `json:"run_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload batchPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.RunID == "" {
		return errors.New("payload has no run_id")
	}

	if err := w.processor.Process(ctx, payload.RunID); err != nil {
		return fmt.Errorf("processing run %s: %w", payload.RunID, err)
	}
	return nil
}
