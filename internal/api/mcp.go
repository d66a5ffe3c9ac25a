package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/storage"
)

// NewMCPServer creates an MCP server exposing notes and runs as tools.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"tasuke",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tasuke collects notes from Slack, Kafka and files, deduplicates them and keeps an audit trail of every ingestion run."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("read_notes",
			mcp.WithDescription("Search stored notes, newest first. At most 50 notes are returned."),
			mcp.WithString("source", mcp.Description("Only notes from this source (slack, kafka, file, ...)")),
			mcp.WithString("author", mcp.Description("Only notes by this author")),
			mcp.WithString("after", mcp.Description("Only notes received after this RFC 3339 time or YYYY-MM-DD date")),
			mcp.WithString("before", mcp.Description("Only notes received before this RFC 3339 time or YYYY-MM-DD date")),
			mcp.WithString("query", mcp.Description("Case-insensitive substring of the note content")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of notes (default and cap 50)")),
		),
		mcpReadNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("get_note",
			mcp.WithDescription("Fetch one note by id."),
			mcp.WithString("id", mcp.Description("Note id"), mcp.Required()),
		),
		mcpGetNote(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_note",
			mcp.WithDescription("Submit a note for ingestion. It is batched with other notes from the same source and channel before a run decides whether to store it."),
			mcp.WithString("content", mcp.Description("Note text"), mcp.Required()),
			mcp.WithString("source_note_id", mcp.Description("Stable id of the note in its source"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Source name (default mcp)")),
			mcp.WithString("author", mcp.Description("Author of the note")),
			mcp.WithString("channel", mcp.Description("Channel or folder the note belongs to")),
		),
		mcpIngestNote(deps),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List ingestion runs, newest first."),
			mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("planning", "active", "paused", "success", "failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20, max 100)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Fetch a run with its exchanges (the decision log)."),
			mcp.WithString("id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	s.AddTool(
		mcp.NewTool("pause_run",
			mcp.WithDescription("Pause an active run. The run stops before its next note."),
			mcp.WithString("id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpPauseRun(deps),
	)

	s.AddTool(
		mcp.NewTool("resume_run",
			mcp.WithDescription("Resume a paused run from where it stopped."),
			mcp.WithString("id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpResumeRun(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tasuke://runs/recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 ingestion runs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func mcpReadNotes(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.NoteFilter{
			Source:       req.GetString("source", ""),
			Author:       req.GetString("author", ""),
			ContentQuery: req.GetString("query", ""),
			Limit:        req.GetInt("limit", storage.DefaultNoteLimit),
		}
		var err error
		if f.After, err = parseDateArg(req.GetString("after", "")); err != nil {
			return mcpError(fmt.Sprintf("invalid after: %v", err)), nil
		}
		if f.Before, err = parseDateArg(req.GetString("before", "")); err != nil {
			return mcpError(fmt.Sprintf("invalid before: %v", err)), nil
		}

		notes, err := deps.Notes.FindNotes(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("read failed: %v", err)), nil
		}
		if notes == nil {
			notes = []storage.Note{}
		}
		return mcpJSON(notes)
	}
}

func mcpGetNote(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		note, err := deps.Notes.GetNote(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("get note %s: %v", id, err)), nil
		}
		return mcpJSON(note)
	}
}

func mcpIngestNote(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		id, err := req.RequireString("source_note_id")
		if err != nil {
			return mcpError("source_note_id is required"), nil
		}
		d := storage.NoteDraft{
			Source:       req.GetString("source", "mcp"),
			SourceNoteID: id,
			Content:      content,
			Author:       req.GetString("author", ""),
			Channel:      req.GetString("channel", ""),
		}
		if err := d.Validate(); err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Sink.Add(d); err != nil {
			return mcpError(fmt.Sprintf("failed to queue note: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued note %s/%s", d.Source, d.SourceNoteID)), nil
	}
}

func mcpListRuns(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		f := storage.RunFilter{Limit: limit}
		if s := req.GetString("status", ""); s != "" {
			status, err := runstate.ParseStatus(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Status = string(status)
		}
		runs, err := deps.Runs.List(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("list runs: %v", err)), nil
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		return mcpJSON(runs)
	}
}

type runDetail struct {
	storage.Run
	Exchanges []storage.Exchange `json:"exchanges"`
}

func mcpGetRun(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		run, err := deps.Runs.Get(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("get run %s: %v", id, err)), nil
		}
		exchanges, err := deps.Exchanges.ListExchanges(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("list exchanges of %s: %v", id, err)), nil
		}
		if exchanges == nil {
			exchanges = []storage.Exchange{}
		}
		return mcpJSON(runDetail{Run: run, Exchanges: exchanges})
	}
}

func mcpPauseRun(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		run, err := deps.Runs.Pause(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("pause run %s: %v", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Run %s is %s", run.ID, run.Status)), nil
	}
}

func mcpResumeRun(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		run, err := deps.Scheduler.Resume(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("resume run %s: %v", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Run %s is %s at %d/%d", run.ID, run.Status, run.Cursor, run.BatchSize)), nil
	}
}

func mcpResourceRecentRuns(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Runs.List(ctx, storage.RunFilter{Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		b, err := json.Marshal(runs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func parseDateArg(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
