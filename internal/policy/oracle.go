package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/tasuke/internal/fingerprint"
	"github.com/kalambet/tasuke/internal/proxy"
	"github.com/kalambet/tasuke/internal/storage"
)

const (
	DefaultModel       = "anthropic/claude-3-haiku"
	DefaultTemperature = 0.7
	defaultMaxRounds   = 4
)

// Completer sends chat completion requests.
type Completer interface {
	Complete(ctx context.Context, req proxy.ChatRequest) (*proxy.ChatResponse, error)
}

// NoteReader answers read_notes tool calls.
type NoteReader interface {
	FindNotes(ctx context.Context, f storage.NoteFilter) ([]storage.Note, error)
}

// OracleConfig configures an Oracle.
type OracleConfig struct {
	Model       string
	Temperature float64
	// MaxRounds bounds the read_notes round trips per draft.
	MaxRounds int
}

// Oracle asks a language model to decide through tool calls. The model must
// answer every turn with a tool call; free text is an error.
type Oracle struct {
	client Completer
	notes  NoteReader
	cfg    OracleConfig
	tools  *toolset
	now    func() time.Time
	logger *slog.Logger
}

// NewOracle creates an Oracle. Zero config fields take their defaults.
func NewOracle(client Completer, notes NoteReader, cfg OracleConfig) (*Oracle, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	ts, err := newToolset()
	if err != nil {
		return nil, err
	}
	return &Oracle{
		client: client,
		notes:  notes,
		cfg:    cfg,
		tools:  ts,
		now:    time.Now,
		logger: slog.Default(),
	}, nil
}

func (o *Oracle) Name() string { return "oracle:" + o.cfg.Model }

func (o *Oracle) Decide(ctx context.Context, req Request) (Decision, error) {
	messages := []proxy.Message{
		{Role: "system", Content: systemPrompt(o.now())},
		{Role: "user", Content: describeRequest(req)},
	}
	temp := o.cfg.Temperature

	tokens := 0
	for range o.cfg.MaxRounds {
		resp, err := o.client.Complete(ctx, proxy.ChatRequest{
			Model:       o.cfg.Model,
			Messages:    messages,
			Tools:       o.tools.defs,
			ToolChoice:  "required",
			Temperature: &temp,
		})
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrOracle, err)
		}
		tokens += resp.Usage.TotalTokens
		model := resp.Model
		if model == "" {
			model = o.cfg.Model
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return Decision{}, fmt.Errorf("%w: model answered without a tool call: %q", ErrOracle, truncate(msg.Content, 200))
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			if call.Function.Name == toolReadNotes {
				messages = append(messages, proxy.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    o.readNotes(ctx, call.Function),
				})
				continue
			}

			d, err := o.terminal(req, call.Function)
			if err != nil {
				return Decision{}, fmt.Errorf("%w: %v", ErrOracle, err)
			}
			d.Model = model
			d.TokensUsed = tokens
			return d, nil
		}
	}
	return Decision{}, fmt.Errorf("%w: no decision after %d rounds", ErrOracle, o.cfg.MaxRounds)
}

// terminal converts a deciding tool call into a Decision.
func (o *Oracle) terminal(req Request, call proxy.FunctionCall) (Decision, error) {
	switch call.Name {
	case toolWriteNote:
		var args writeNoteArgs
		if err := o.tools.decode(call, &args); err != nil {
			return Decision{}, err
		}
		return resolveWrite(req, args), nil

	case toolSkipNote:
		var args skipNoteArgs
		if err := o.tools.decode(call, &args); err != nil {
			return Decision{}, err
		}
		return Decision{Action: Skip, Reason: args.Reason}, nil

	case toolRequestHuman:
		var args requestHumanArgs
		if err := o.tools.decode(call, &args); err != nil {
			return Decision{}, err
		}
		return Decision{Action: Defer, Reason: args.Question}, nil
	}
	return Decision{}, fmt.Errorf("unknown tool %q", call.Name)
}

// resolveWrite maps write_note onto create, update or skip depending on
// what is already stored.
func resolveWrite(req Request, args writeNoteArgs) Decision {
	content := strings.TrimSpace(args.Content)
	if content == "" {
		content = req.Draft.Content
	}
	reason := args.Reason

	if req.Duplicate != nil && fingerprint.Sum(content) == req.Duplicate.ContentFingerprint {
		return Decision{Action: Skip, Reason: "identical to note " + req.Duplicate.ID}
	}
	if req.Previous != nil {
		if reason == "" {
			reason = "source note was edited"
		}
		return Decision{Action: Update, Content: content, TargetID: req.Previous.ID, Reason: reason}
	}
	if reason == "" {
		reason = "new note"
	}
	return Decision{Action: Create, Content: content, Reason: reason}
}

// readNotes executes a read_notes call. Errors are returned to the model as
// the tool result so it can correct its arguments.
func (o *Oracle) readNotes(ctx context.Context, call proxy.FunctionCall) string {
	var args readNotesArgs
	if err := o.tools.decode(call, &args); err != nil {
		return toolError(err)
	}

	f := storage.NoteFilter{
		Source:       args.Source,
		Author:       args.Author,
		ContentQuery: args.ContentQuery,
		Limit:        args.Limit,
	}
	var err error
	if f.After, err = parseDate(args.AfterDate); err != nil {
		return toolError(err)
	}
	if f.Before, err = parseDate(args.BeforeDate); err != nil {
		return toolError(err)
	}

	notes, err := o.notes.FindNotes(ctx, f)
	if err != nil {
		o.logger.Warn("read_notes failed", "error", err)
		return toolError(err)
	}

	type row struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		SourceNoteID string `json:"source_note_id"`
		Author       string `json:"author,omitempty"`
		Content      string `json:"content"`
		ReceivedAt   string `json:"received_at"`
	}
	rows := make([]row, 0, len(notes))
	for _, n := range notes {
		rows = append(rows, row{
			ID:           n.ID,
			Source:       n.Source,
			SourceNoteID: n.SourceNoteID,
			Author:       n.Author,
			Content:      n.Content,
			ReceivedAt:   n.ReceivedAt.Format(time.RFC3339),
		})
	}
	b, _ := json.Marshal(rows)
	return string(b)
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t, nil
}

func toolError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func systemPrompt(now time.Time) string {
	return `You are the ingestion agent of a personal note store. Today is ` + now.Format("2006-01-02") + `.

Notes arrive in bursts from Slack, email, meeting transcripts and other sources. They are later used to track projects, todos and deadlines, so keep the store organised, deduplicated and current.

For every note you are given, answer with exactly one of these tool calls:
- write_note: store it. You may fix spelling or tidy the wording, but keep every fact, link and name.
- skip_note: it carries nothing worth keeping (greetings, acknowledgements, chatter).
- request_human_input: you cannot tell whether it matters. Ask a short question.
You may call read_notes first to look at what is already stored.

If the note is an edit of an already stored note, write_note replaces the stored version.
Never answer with plain text.`
}

func describeRequest(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New note from %s", req.Draft.Source)
	if req.Draft.Channel != "" {
		fmt.Fprintf(&b, " (channel %s)", req.Draft.Channel)
	}
	if req.Draft.Author != "" {
		fmt.Fprintf(&b, " by %s", req.Draft.Author)
	}
	fmt.Fprintf(&b, ", source id %s:\n\n%s\n", req.Draft.SourceNoteID, req.Draft.Content)

	if req.Duplicate != nil {
		fmt.Fprintf(&b, "\nAn identical note is already stored as %s.\n", req.Duplicate.ID)
	}
	if req.Previous != nil {
		fmt.Fprintf(&b, "\nThis is an edit. The stored version (%s) reads:\n\n%s\n", req.Previous.ID, req.Previous.Content)
	}
	return b.String()
}
