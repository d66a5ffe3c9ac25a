package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrStatusChanged is returned by TransitionRun when the run's status no
// longer matches the expected one.
var ErrStatusChanged = errors.New("run status changed concurrently")

const runColumns = `id, agent, status, source, channel, batch_json, batch_size, next_index, error_count, last_error, summary, created_at, updated_at, completed_at`

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var createdAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Agent, &r.Status, &r.Source, &r.Channel, &r.BatchJSON, &r.BatchSize,
		&r.Cursor, &r.ErrorCount, &r.LastError, &r.Summary, &createdAt, &updatedAt, &completedAt); err != nil {
		return Run{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Run{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		r.CompletedAt = &t
	}
	return r, nil
}

func isTerminal(status string) bool {
	return status == RunSuccess || status == RunFailed
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertRun(ctx context.Context, db execer, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunPlanning
	}
	if r.BatchJSON == "" {
		r.BatchJSON = "[]"
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := db.ExecContext(ctx, s.q(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
		r.ID, r.Agent, r.Status, r.Source, r.Channel, r.BatchJSON, r.BatchSize, r.Cursor,
		r.ErrorCount, r.LastError, r.Summary, formatTime(now), formatTime(now),
	)
	return err
}

// CreateRun inserts a new run. An empty status defaults to planning.
func (s *Store) CreateRun(ctx context.Context, r Run) (Run, error) {
	if err := s.insertRun(ctx, s.db, &r); err != nil {
		return Run{}, classify(err)
	}
	return s.GetRun(ctx, r.ID)
}

// CreateRunWithJob inserts a run and the job that will process it in one
// transaction.
func (s *Store) CreateRunWithJob(ctx context.Context, r Run, job Job) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, classify(err)
	}
	defer tx.Rollback()

	if err := s.insertRun(ctx, tx, &r); err != nil {
		return Run{}, classify(err)
	}
	if err := s.insertJob(ctx, tx, job); err != nil {
		return Run{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, classify(err)
	}
	return s.GetRun(ctx, r.ID)
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, classify(err)
	}
	return r, nil
}

// ListRuns returns runs newest first. The result is never nil.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, classify(err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return runs, nil
}

// RunChange holds the writes that accompany a status transition and commit
// with it.
type RunChange struct {
	// Summary replaces the stored summary when non-empty.
	Summary string
	// Error, when non-empty, increments error_count and becomes last_error.
	Error string
	// Job is enqueued in the same transaction.
	Job *Job
}

// TransitionRun moves run id from status `from` to `to` if it is still in
// `from`. Terminal targets stamp completed_at. A non-empty summary replaces
// the stored one.
func (s *Store) TransitionRun(ctx context.Context, id, from, to, summary string) (Run, error) {
	return s.ChangeRun(ctx, id, from, to, RunChange{Summary: summary})
}

// ChangeRun is TransitionRun with the writes of c applied atomically. When
// the run is no longer in `from` nothing is written.
func (s *Store) ChangeRun(ctx context.Context, id, from, to string, c RunChange) (Run, error) {
	now := s.timestamp()
	var completedAt any
	if isTerminal(to) {
		completedAt = now
	}

	sets := []string{"status = ?", "updated_at = ?", "completed_at = ?"}
	args := []any{to, now, completedAt}
	if c.Summary != "" {
		sets = append(sets, "summary = ?")
		args = append(args, c.Summary)
	}
	if c.Error != "" {
		sets = append(sets, "error_count = error_count + 1", "last_error = ?")
		args = append(args, c.Error)
	}
	args = append(args, id, from)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return Run{}, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Run{}, classify(err)
	}
	if n == 0 {
		// Release the connection before reading; sqlite runs on one.
		tx.Rollback()
		current, err := s.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		return current, fmt.Errorf("%w: expected %s, found %s", ErrStatusChanged, from, current.Status)
	}
	if c.Job != nil {
		if err := s.insertJob(ctx, tx, *c.Job); err != nil {
			return Run{}, classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Run{}, classify(err)
	}
	return s.GetRun(ctx, id)
}

// RecordRunError increments the run's error count and stores msg as its
// last error.
func (s *Store) RecordRunError(ctx context.Context, id, msg string) (Run, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET error_count = error_count + 1, last_error = ?, updated_at = ? WHERE id = ?`),
		msg, s.timestamp(), id)
	if err != nil {
		return Run{}, classify(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Run{}, classify(err)
	} else if n == 0 {
		return Run{}, ErrNotFound
	}
	return s.GetRun(ctx, id)
}

// SetRunCursor records how many drafts of the batch have been decided.
func (s *Store) SetRunCursor(ctx context.Context, id string, cursor int) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET next_index = ?, updated_at = ? WHERE id = ?`),
		cursor, s.timestamp(), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Exchanges ---

const exchangeColumns = `id, run_id, seq, role, kind, content, note_id, reply_to, model, tokens_used, created_at`

func scanExchange(row rowScanner) (Exchange, error) {
	var e Exchange
	var createdAt string
	if err := row.Scan(&e.ID, &e.RunID, &e.Seq, &e.Role, &e.Kind, &e.Content, &e.NoteID,
		&e.ReplyTo, &e.Model, &e.TokensUsed, &createdAt); err != nil {
		return Exchange{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Exchange{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}

// AppendExchange stores e as the next exchange of its run and returns it
// with id, sequence number and timestamp filled in.
func (s *Store) AppendExchange(ctx context.Context, e Exchange) (Exchange, error) {
	const attempts = 3
	var lastErr error
	for range attempts {
		out, err := s.appendExchange(ctx, e)
		if err == nil {
			return out, nil
		}
		if !isUniqueViolation(err) {
			return Exchange{}, classify(err)
		}
		lastErr = err
	}
	return Exchange{}, fmt.Errorf("allocating exchange sequence: %w", lastErr)
}

func (s *Store) appendExchange(ctx context.Context, e Exchange) (Exchange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Exchange{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM runs WHERE id = ?`), e.RunID).Scan(&exists); err != nil {
		return Exchange{}, err
	}
	if exists == 0 {
		return Exchange{}, ErrNotFound
	}

	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM exchanges WHERE run_id = ?`), e.RunID).Scan(&e.Seq); err != nil {
		return Exchange{}, err
	}
	e.ID = uuid.NewString()
	e.CreatedAt = s.now().UTC()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO exchanges (`+exchangeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.RunID, e.Seq, e.Role, e.Kind, e.Content, e.NoteID, e.ReplyTo, e.Model, e.TokensUsed, formatTime(e.CreatedAt),
	); err != nil {
		return Exchange{}, err
	}
	if err := tx.Commit(); err != nil {
		return Exchange{}, err
	}
	return e, nil
}

// GetExchange returns the exchange with the given id.
func (s *Store) GetExchange(ctx context.Context, id string) (Exchange, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+exchangeColumns+` FROM exchanges WHERE id = ?`), id)
	e, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Exchange{}, ErrNotFound
	}
	if err != nil {
		return Exchange{}, classify(err)
	}
	return e, nil
}

// ListExchanges returns a run's exchanges in the order they were appended.
func (s *Store) ListExchanges(ctx context.Context, runID string) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+exchangeColumns+` FROM exchanges WHERE run_id = ? ORDER BY seq ASC`), runID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []Exchange{}
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
