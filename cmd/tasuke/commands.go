package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/tasuke/internal/api"
	"github.com/kalambet/tasuke/internal/config"
	"github.com/kalambet/tasuke/internal/ingest"
	"github.com/kalambet/tasuke/internal/sources"
	"github.com/kalambet/tasuke/internal/storage"
)

// importChunk is the number of drafts sent per POST /ingest by `import`.
const importChunk = 100

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit a note for ingestion",
	Long: `Submit a note for ingestion. The note is buffered with other notes from
the same source and channel and stored by the next run.

Examples:
  tasuke ingest --text "Standup moved to 10:30" --id standup-1
  tasuke ingest --url https://example.com/post --channel reading
  tasuke ingest --file ./minutes.pdf --channel meetings`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")

		req := api.IngestRequest{}
		req.Source, _ = cmd.Flags().GetString("source")
		req.SourceNoteID, _ = cmd.Flags().GetString("id")
		req.Channel, _ = cmd.Flags().GetString("channel")
		req.Author, _ = cmd.Flags().GetString("author")

		if err := buildIngestRequest(&req, text, link, file); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := submitIngest(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		printSuccess("Queued %d note(s)", res.Accepted)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "note text")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file to ingest (text, markdown, html, pdf, eml, json, yaml)")
	ingestCmd.Flags().String("source", "cli", "source name")
	ingestCmd.Flags().String("id", "", "stable id of the note in its source")
	ingestCmd.Flags().String("channel", "", "channel or folder")
	ingestCmd.Flags().String("author", "", "author")
}

// buildIngestRequest fills req from exactly one of text, link or file.
func buildIngestRequest(req *api.IngestRequest, text, link, file string) error {
	set := 0
	for _, v := range []string{text, link, file} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of --text, --url, or --file is required")
	}

	switch {
	case text != "":
		req.Type = "text"
		req.Content = text
		if req.SourceNoteID == "" {
			req.SourceNoteID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
		}
	case link != "":
		req.Type = "url"
		req.URL = link
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		req.Type = "file"
		req.Filename = filepath.Base(file)
		req.Content = base64.StdEncoding.EncodeToString(data)
	}
	return nil
}

func submitIngest(ctx context.Context, client *apiClient, body any) (api.IngestResponse, error) {
	return client.ingest(ctx, body)
}

// --- import ---

// draftCollector is a sources.Sink that keeps drafts in memory.
type draftCollector struct {
	drafts []storage.NoteDraft
}

func (c *draftCollector) Add(d storage.NoteDraft) error {
	c.drafts = append(c.drafts, d)
	return nil
}

var importCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import a file or directory of notes",
	Long: `Import a file, or every file under a directory. Paths relative to the
directory become source note ids and their folders become channels, so
re-importing an edited tree updates notes instead of duplicating them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c draftCollector
		if _, err := sources.Import(args[0], &c); err != nil {
			return err
		}
		if len(c.drafts) == 0 {
			printWarning("No notes found in %s", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := importDrafts(cmd.Context(), client, c.drafts)
		if err != nil {
			return err
		}
		printSuccess("Queued %d note(s) from %s", n, args[0])
		return nil
	},
}

func importDrafts(ctx context.Context, client *apiClient, drafts []storage.NoteDraft) (int, error) {
	total := 0
	for start := 0; start < len(drafts); start += importChunk {
		end := min(start+importChunk, len(drafts))
		printStep("Sending notes %d-%d of %d", start+1, end, len(drafts))
		res, err := submitIngest(ctx, client, drafts[start:end])
		if err != nil {
			return total, err
		}
		total += res.Accepted
	}
	return total, nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and control ingestion runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listRuns(cmd.Context(), client, os.Stdout, status, limit)
	},
}

func listRuns(ctx context.Context, client *apiClient, w io.Writer, status string, limit int) error {
	runs, err := client.listRuns(ctx, status, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range runs {
		progress := fmt.Sprintf("%d/%d", r.Cursor, r.BatchSize)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			colorize(stepColor, r.ID),
			colorStatus(r.Status),
			sourceLabel(r.Source, r.Channel),
			progress,
			r.CreatedAt.Local().Format(time.DateTime),
			r.Summary,
		)
	}
	return tw.Flush()
}

func sourceLabel(source, channel string) string {
	if channel == "" {
		return source
	}
	return source + "/" + channel
}

type runDetail struct {
	storage.Run
	Exchanges []storage.Exchange
}

func fetchRun(ctx context.Context, client *apiClient, id string) (runDetail, error) {
	var d runDetail
	var err error
	if d.Run, err = client.getRun(ctx, id); err != nil {
		if isNotFound(err) {
			return d, fmt.Errorf("run %s not found: %w", id, err)
		}
		return d, err
	}
	d.Exchanges, err = client.runExchanges(ctx, id)
	return d, err
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its decision log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		d, err := fetchRun(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printRun(os.Stdout, d)
		return nil
	},
}

func printRun(w io.Writer, d runDetail) {
	fmt.Fprintf(w, "%s %s\n", colorize(boldColor, "Run"), d.ID)
	fmt.Fprintf(w, "  Status:   %s\n", colorStatus(d.Status))
	fmt.Fprintf(w, "  Agent:    %s\n", d.Agent)
	fmt.Fprintf(w, "  Source:   %s\n", sourceLabel(d.Source, d.Channel))
	fmt.Fprintf(w, "  Progress: %d/%d (errors %d)\n", d.Cursor, d.BatchSize, d.ErrorCount)
	if d.Summary != "" {
		fmt.Fprintf(w, "  Summary:  %s\n", d.Summary)
	}
	if d.LastError != "" {
		fmt.Fprintf(w, "  Error:    %s\n", colorize(errorColor, d.LastError))
	}
	if len(d.Exchanges) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, e := range d.Exchanges {
		line := fmt.Sprintf("%3d %-6s %-16s %s", e.Seq, e.Role, e.Kind, e.Content)
		if e.NoteID != "" {
			line += "  note=" + e.NoteID
		}
		if e.ReplyTo != "" {
			line += "  reply_to=" + e.ReplyTo
		}
		fmt.Fprintln(w, line)
	}
}

var runsPendingCmd = &cobra.Command{
	Use:   "pending <run-id>",
	Short: "List unanswered human-input requests of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		pending, err := client.pendingRequests(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}
		for _, e := range pending {
			fmt.Printf("%s  %s\n", colorize(stepColor, e.ID), e.Content)
		}
		return nil
	},
}

// runAction posts to a run control endpoint and prints the new status.
func runAction(ctx context.Context, client *apiClient, id, action string, body any) (storage.Run, error) {
	return client.controlRun(ctx, id, action, body)
}

func runActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if action == "cancel" {
				reason, _ := cmd.Flags().GetString("reason")
				if reason != "" {
					body = map[string]string{"reason": reason}
				}
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			run, err := runAction(cmd.Context(), client, args[0], action, body)
			if err != nil {
				return err
			}
			printSuccess("Run %s is %s", run.ID, run.Status)
			return nil
		},
	}
}

var runsReplyCmd = &cobra.Command{
	Use:   "reply <run-id> <request-id>",
	Short: "Answer a human-input request",
	Long: `Answer a human-input request raised by a run. --action create stores the
held note (optionally with --content replacing its text); --action skip
drops it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply ingest.Reply
		reply.Action, _ = cmd.Flags().GetString("action")
		reply.Content, _ = cmd.Flags().GetString("content")
		reply.Note, _ = cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ex, err := sendReply(cmd.Context(), client, args[0], args[1], reply)
		if err != nil {
			return err
		}
		printSuccess("Recorded reply %s", ex.ID)
		return nil
	},
}

func sendReply(ctx context.Context, client *apiClient, runID, requestID string, reply ingest.Reply) (storage.Exchange, error) {
	return client.reply(ctx, runID, requestID, reply)
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (planning, active, paused, success, failed)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs")

	cancelCmd := runActionCmd("cancel", "Cancel a run")
	cancelCmd.Flags().String("reason", "", "reason recorded on the run")

	runsReplyCmd.Flags().String("action", "", "create or skip")
	runsReplyCmd.Flags().String("content", "", "replacement content for create")
	runsReplyCmd.Flags().String("note", "", "free-form note kept in the audit trail")
	runsReplyCmd.MarkFlagRequired("action")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsPendingCmd)
	runsCmd.AddCommand(runActionCmd("pause", "Pause an active run"))
	runsCmd.AddCommand(runActionCmd("resume", "Resume a paused run"))
	runsCmd.AddCommand(cancelCmd)
	runsCmd.AddCommand(runsReplyCmd)
}

// --- notes ---

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Browse stored notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List notes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, flag := range []string{"source", "author", "after", "before"} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				q.Set(flag, v)
			}
		}
		if len(args) > 0 {
			q.Set("q", strings.Join(args, " "))
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listNotes(cmd.Context(), client, os.Stdout, q)
	},
}

func listNotes(ctx context.Context, client *apiClient, w io.Writer, q url.Values) error {
	notes, err := client.listNotes(ctx, q)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Fprintln(w, "No notes found.")
		return nil
	}
	for _, n := range notes {
		content := strings.Join(strings.Fields(n.Content), " ")
		if len(content) > 80 {
			content = content[:80] + "..."
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			colorize(stepColor, n.ID),
			n.ReceivedAt.Local().Format(time.DateTime),
			sourceLabel(n.Source, n.Channel),
			content,
		)
	}
	return nil
}

var notesShowCmd = &cobra.Command{
	Use:   "show <note-id>",
	Short: "Show a note as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		note, err := client.getNote(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(note)
	},
}

func init() {
	notesListCmd.Flags().String("source", "", "only notes from this source")
	notesListCmd.Flags().String("author", "", "only notes by this author")
	notesListCmd.Flags().String("after", "", "only notes received after this time (RFC 3339 or YYYY-MM-DD)")
	notesListCmd.Flags().String("before", "", "only notes received before this time (RFC 3339 or YYYY-MM-DD)")
	notesListCmd.Flags().Int("limit", storage.DefaultNoteLimit, "maximum number of notes")
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Backfill notes from a source",
}

var syncSlackCmd = &cobra.Command{
	Use:   "slack <channel-id>",
	Short: "Backfill a Slack channel's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oldest, _ := cmd.Flags().GetString("oldest")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := client.syncSlack(cmd.Context(), api.SlackSyncRequest{
			Channel: args[0],
			Oldest:  oldest,
		})
		if err != nil {
			return err
		}
		printSuccess("Queued %d message(s) from %s", res.Accepted, args[0])
		return nil
	},
}

func init() {
	syncSlackCmd.Flags().String("oldest", "", "only messages after this Slack timestamp")
	syncCmd.AddCommand(syncSlackCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve notes and runs over MCP on stdin/stdout",
	Long: `Serve the MCP tools over stdio. The process opens the same storage as the
server; notes it queues are processed by the running server's workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)

		rt, err := newAppRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		stdio := server.NewStdioServer(api.NewMCPServer(rt.apiDeps(), version))
		return stdio.Listen(cmd.Context(), os.Stdin, os.Stdout)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printConfig(os.Stdout, config.ShowAll(cfg))
		return nil
	},
}

func printConfig(w io.Writer, keys []config.KeyInfo) {
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s", colorize(boldColor, k.Key), k.Value)
		if k.EnvVar != "" {
			fmt.Fprintf(w, "  (%s)", k.EnvVar)
		}
		fmt.Fprintln(w)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
