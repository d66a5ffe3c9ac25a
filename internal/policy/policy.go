// Package policy decides what the ingestion loop does with each note draft.
package policy

import (
	"context"
	"errors"

	"github.com/kalambet/tasuke/internal/storage"
)

// ErrOracle wraps every failure of a decision policy to produce a usable
// decision, including timeouts.
var ErrOracle = errors.New("decision oracle failed")

// Action is what the loop should do with a draft.
type Action string

const (
	Create Action = "create"
	Update Action = "update"
	Skip   Action = "skip"
	Defer  Action = "defer"
)

// Request is the context a policy decides on.
type Request struct {
	Draft       storage.NoteDraft
	Fingerprint string
	// Duplicate is the stored note with the same fingerprint, if any.
	Duplicate *storage.Note
	// Previous is the stored note with the same source identity and a
	// different fingerprint, if any: the draft is an edit of it.
	Previous *storage.Note
}

// Decision is a policy's verdict on one draft.
type Decision struct {
	Action Action
	// Content to write for Create and Update. Empty means the draft's own
	// content.
	Content string
	// TargetID is the note to rewrite for Update.
	TargetID string
	// Reason is recorded in the run's exchange log. For Defer it is the
	// question put to the human.
	Reason     string
	Model      string
	TokensUsed int
}

// Policy turns a draft plus context into a decision.
type Policy interface {
	Name() string
	Decide(ctx context.Context, req Request) (Decision, error)
}
