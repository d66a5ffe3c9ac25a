package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a content update would collide with the
	// fingerprint of a different note.
	ErrConflict = errors.New("fingerprint conflict")

	// ErrUnavailable marks transient storage failures (locked database,
	// dropped connection). Callers may retry.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInvalidDraft is returned for drafts that fail validation.
	ErrInvalidDraft = errors.New("invalid note draft")
)

// DefaultNoteLimit caps the number of notes returned by FindNotes.
const DefaultNoteLimit = 50

// Note is a persisted, deduplicated unit of content.
type Note struct {
	ID                 string    `json:"id"`
	Source             string    `json:"source"`
	SourceNoteID       string    `json:"source_note_id"`
	Content            string    `json:"content"`
	ContentFingerprint string    `json:"content_fingerprint"`
	Author             string    `json:"author,omitempty"`
	Channel            string    `json:"channel,omitempty"`
	ReceivedAt         time.Time `json:"received_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NoteDraft is an inbound note that has not been persisted yet.
type NoteDraft struct {
	Source       string `json:"source" yaml:"source"`
	SourceNoteID string `json:"source_note_id" yaml:"source_note_id"`
	Content      string `json:"content" yaml:"content"`
	Author       string `json:"author,omitempty" yaml:"author,omitempty"`
	Channel      string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// Validate checks the draft's required fields. The returned error wraps
// ErrInvalidDraft.
func (d NoteDraft) Validate() error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.Source, validation.Required, validation.Length(1, 64)),
		validation.Field(&d.SourceNoteID, validation.Required, validation.Length(1, 256)),
		validation.Field(&d.Content, validation.Required, validation.By(notBlank)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	return nil
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

// NoteFilter narrows FindNotes. Zero values are ignored.
type NoteFilter struct {
	Source       string
	Author       string
	After        time.Time
	Before       time.Time
	ContentQuery string
	Limit        int
}

// Run status values. The transition rules live in package runstate.
const (
	RunPlanning = "planning"
	RunActive   = "active"
	RunPaused   = "paused"
	RunSuccess  = "success"
	RunFailed   = "failed"
)

// Run is one bounded pass of the decision loop over a flushed batch.
type Run struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent"`
	Status      string     `json:"status"`
	Source      string     `json:"source"`
	Channel     string     `json:"channel,omitempty"`
	BatchJSON   string     `json:"-"`
	BatchSize   int        `json:"batch_size"`
	Cursor      int        `json:"cursor"`
	ErrorCount  int        `json:"error_count"`
	LastError   string     `json:"last_error,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status string
	Limit  int
	Offset int
}

// Exchange roles.
const (
	RoleAgent  = "agent"
	RoleHuman  = "human"
	RoleSystem = "system"
)

// Exchange kinds.
const (
	KindCreate   = "create"
	KindUpdate   = "update"
	KindSkip     = "skip"
	KindDefer    = "defer"
	KindReply    = "reply"
	KindRejected = "rejected"
	KindConflict = "conflict"
	KindError    = "error"
)

// Exchange is an immutable audit record of one step of a run.
type Exchange struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Seq        int       `json:"seq"`
	Role       string    `json:"role"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	NoteID     string    `json:"note_id,omitempty"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	Model      string    `json:"model,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	GroupKey    string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
