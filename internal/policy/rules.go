package policy

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/kalambet/tasuke/internal/fingerprint"
)

// Rules is the deterministic policy: skip duplicates, update edited notes,
// defer drafts too short to judge, create everything else.
type Rules struct {
	// MinContentLength is the minimum normalized length, in runes, below
	// which a new draft is deferred to a human. Zero disables the check.
	MinContentLength int
}

func (r Rules) Name() string { return "rules" }

func (r Rules) Decide(_ context.Context, req Request) (Decision, error) {
	switch {
	case req.Duplicate != nil:
		return Decision{Action: Skip, Reason: "identical to note " + req.Duplicate.ID}, nil
	case req.Previous != nil:
		return Decision{
			Action:   Update,
			Content:  req.Draft.Content,
			TargetID: req.Previous.ID,
			Reason:   "source note " + req.Draft.SourceNoteID + " was edited",
		}, nil
	}

	if n := utf8.RuneCountInString(fingerprint.Normalize(req.Draft.Content)); n < r.MinContentLength {
		return Decision{
			Action: Defer,
			Reason: fmt.Sprintf("%q is too short to judge (%d characters); keep it?", req.Draft.Content, n),
		}, nil
	}
	return Decision{Action: Create, Content: req.Draft.Content, Reason: "new note"}, nil
}
