package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/tasuke/internal/proxy"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	toolReadNotes    = "read_notes"
	toolWriteNote    = "write_note"
	toolSkipNote     = "skip_note"
	toolRequestHuman = "request_human_input"
)

type toolSpec struct {
	name        string
	description string
	schema      string
}

var toolSpecs = []toolSpec{
	{
		name:        toolReadNotes,
		description: "Search stored notes. Returns at most 50 notes, newest first.",
		schema: `{
			"type": "object",
			"properties": {
				"source": {"type": "string"},
				"author": {"type": "string"},
				"after_date": {"type": "string", "description": "RFC 3339 timestamp or YYYY-MM-DD"},
				"before_date": {"type": "string", "description": "RFC 3339 timestamp or YYYY-MM-DD"},
				"content_query": {"type": "string", "description": "case-insensitive substring"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`,
	},
	{
		name:        toolWriteNote,
		description: "Store the current note. Content may be lightly rewritten for clarity; it replaces the stored version when the source note was edited.",
		schema: `{
			"type": "object",
			"properties": {
				"content": {"type": "string", "minLength": 1},
				"reason": {"type": "string"}
			},
			"required": ["content"],
			"additionalProperties": false
		}`,
	},
	{
		name:        toolSkipNote,
		description: "Do not store the current note.",
		schema: `{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "minLength": 1}
			},
			"required": ["reason"],
			"additionalProperties": false
		}`,
	},
	{
		name:        toolRequestHuman,
		description: "Ask the operator whether the current note should be stored.",
		schema: `{
			"type": "object",
			"properties": {
				"question": {"type": "string", "minLength": 1}
			},
			"required": ["question"],
			"additionalProperties": false
		}`,
	},
}

type readNotesArgs struct {
	Source       string `json:"source"`
	Author       string `json:"author"`
	AfterDate    string `json:"after_date"`
	BeforeDate   string `json:"before_date"`
	ContentQuery string `json:"content_query"`
	Limit        int    `json:"limit"`
}

type writeNoteArgs struct {
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

type skipNoteArgs struct {
	Reason string `json:"reason"`
}

type requestHumanArgs struct {
	Question string `json:"question"`
}

// toolset holds the compiled argument schema of every tool.
type toolset struct {
	defs    []proxy.Tool
	schemas map[string]*jsonschema.Schema
}

func newToolset() (*toolset, error) {
	ts := &toolset{schemas: make(map[string]*jsonschema.Schema)}
	c := jsonschema.NewCompiler()
	for _, spec := range toolSpecs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.schema))
		if err != nil {
			return nil, fmt.Errorf("parsing %s schema: %w", spec.name, err)
		}
		url := "https://tasuke.local/tools/" + spec.name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("adding %s schema: %w", spec.name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", spec.name, err)
		}
		ts.schemas[spec.name] = sch
		ts.defs = append(ts.defs, proxy.Tool{
			Type: "function",
			Function: proxy.FunctionDef{
				Name:        spec.name,
				Description: spec.description,
				Parameters:  json.RawMessage(spec.schema),
			},
		})
	}
	return ts, nil
}

// decode validates a tool call's arguments against the tool's schema and
// unmarshals them into dst.
func (ts *toolset) decode(call proxy.FunctionCall, dst any) error {
	sch, ok := ts.schemas[call.Name]
	if !ok {
		return fmt.Errorf("unknown tool %q", call.Name)
	}
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(args))
	if err != nil {
		return fmt.Errorf("%s arguments are not JSON: %w", call.Name, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%s arguments: %w", call.Name, err)
	}
	if err := json.Unmarshal([]byte(args), dst); err != nil {
		return fmt.Errorf("decoding %s arguments: %w", call.Name, err)
	}
	return nil
}
