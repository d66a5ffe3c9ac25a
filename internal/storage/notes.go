package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kalambet/tasuke/internal/fingerprint"
)

const noteColumns = `id, source, source_note_id, content, content_fingerprint, author, channel, received_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var n Note
	var receivedAt, updatedAt string
	if err := row.Scan(&n.ID, &n.Source, &n.SourceNoteID, &n.Content, &n.ContentFingerprint,
		&n.Author, &n.Channel, &receivedAt, &updatedAt); err != nil {
		return Note{}, err
	}
	var err error
	if n.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return Note{}, fmt.Errorf("parsing received_at: %w", err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Note{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return n, nil
}

func (s *Store) getNote(ctx context.Context, where string, args ...any) (Note, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+noteColumns+` FROM notes WHERE `+where), args...)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, classify(err)
	}
	return n, nil
}

// GetNote returns the note with the given id.
func (s *Store) GetNote(ctx context.Context, id string) (Note, error) {
	return s.getNote(ctx, `id = ?`, id)
}

// FindByFingerprint returns the note whose content fingerprint is fp.
func (s *Store) FindByFingerprint(ctx context.Context, fp string) (Note, error) {
	return s.getNote(ctx, `content_fingerprint = ?`, fp)
}

// FindByIdentity returns the most recently updated note for a source
// identity.
func (s *Store) FindByIdentity(ctx context.Context, source, sourceNoteID string) (Note, error) {
	return s.getNote(ctx, `source = ? AND source_note_id = ? ORDER BY updated_at DESC LIMIT 1`, source, sourceNoteID)
}

// FindNotes returns notes matching f, newest first. The result is capped at
// DefaultNoteLimit and is never nil.
func (s *Store) FindNotes(ctx context.Context, f NoteFilter) ([]Note, error) {
	var where []string
	var args []any
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Author != "" {
		where = append(where, "author = ?")
		args = append(args, f.Author)
	}
	if !f.After.IsZero() {
		where = append(where, "received_at > ?")
		args = append(args, formatTime(f.After))
	}
	if !f.Before.IsZero() {
		where = append(where, "received_at < ?")
		args = append(args, formatTime(f.Before))
	}
	if q := strings.TrimSpace(f.ContentQuery); q != "" {
		where = append(where, `LOWER(content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q))+"%")
	}

	limit := f.Limit
	if limit <= 0 || limit > DefaultNoteLimit {
		limit = DefaultNoteLimit
	}

	query := `SELECT ` + noteColumns + ` FROM notes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, classify(err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return notes, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// InsertIfAbsent persists the draft unless a note with the same content
// fingerprint exists. It returns the stored note and whether it was created
// by this call. Concurrent calls with equivalent content produce exactly one
// note.
func (s *Store) InsertIfAbsent(ctx context.Context, d NoteDraft) (Note, bool, error) {
	if err := d.Validate(); err != nil {
		return Note{}, false, err
	}

	now := s.timestamp()
	content := strings.TrimSpace(d.Content)
	n := Note{
		ID:                 uuid.NewString(),
		Source:             d.Source,
		SourceNoteID:       d.SourceNoteID,
		Content:            content,
		ContentFingerprint: fingerprint.Sum(content),
		Author:             d.Author,
		Channel:            d.Channel,
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_fingerprint) DO NOTHING`),
		n.ID, n.Source, n.SourceNoteID, n.Content, n.ContentFingerprint, n.Author, n.Channel, now, now,
	)
	if err != nil && !isUniqueViolation(err) {
		return Note{}, false, classify(err)
	}
	if err == nil {
		affected, err := res.RowsAffected()
		if err != nil {
			return Note{}, false, classify(err)
		}
		if affected == 1 {
			created, err := s.GetNote(ctx, n.ID)
			if err != nil {
				return Note{}, false, err
			}
			return created, true, nil
		}
	}

	existing, err := s.FindByFingerprint(ctx, n.ContentFingerprint)
	if err != nil {
		return Note{}, false, fmt.Errorf("reading existing note: %w", err)
	}
	return existing, false, nil
}

// UpdateContent replaces the content of note id. It returns ErrConflict,
// leaving the note unchanged, when the new fingerprint belongs to another
// note.
func (s *Store) UpdateContent(ctx context.Context, id, content string) (Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Note{}, fmt.Errorf("%w: content must not be blank", ErrInvalidDraft)
	}
	fp := fingerprint.Sum(content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, classify(err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.q(`SELECT content_fingerprint FROM notes WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, classify(err)
	}

	if fp != current {
		var other string
		err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM notes WHERE content_fingerprint = ? AND id <> ?`), fp, id).Scan(&other)
		if err == nil {
			return Note{}, fmt.Errorf("%w: content matches note %s", ErrConflict, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Note{}, classify(err)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE notes SET content = ?, content_fingerprint = ?, updated_at = ? WHERE id = ?`),
		content, fp, s.timestamp(), id)
	if isUniqueViolation(err) {
		return Note{}, fmt.Errorf("%w: content matches another note", ErrConflict)
	}
	if err != nil {
		return Note{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return Note{}, fmt.Errorf("%w: content matches another note", ErrConflict)
		}
		return Note{}, classify(err)
	}
	return s.GetNote(ctx, id)
}

// CountNotes returns the number of stored notes.
func (s *Store) CountNotes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}
