package api

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/toolgate-dev/toolgate/internal/errx"
)

// ToolCall is the upstream request shape: one planner-issued tool
// invocation attributed to an agent and a conversation turn.
type ToolCall struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
}

// Per-tool argument payloads. These are the wire shapes a planner fills in;
// BuildOperation validates them and produces the matching Operation.
type FetchArgs struct {
	URL string `json:"url" jsonschema:"description=Absolute http(s) URL to fetch" validate:"required"`
	Cwd string `json:"cwd,omitempty" jsonschema:"description=Working directory the fetch is attributed to"`
}

type ShellArgs struct {
	Command string `json:"command" jsonschema:"description=Command line passed to /bin/sh -c" validate:"required"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory for the command"`
	PTY     bool   `json:"pty,omitempty" jsonschema:"description=Run the command under a pseudo-terminal"`
}

type WriteFileArgs struct {
	Path      string `json:"path" jsonschema:"description=Destination file path" validate:"required"`
	Content   []byte `json:"content" jsonschema:"description=File content (base64 on the wire)"`
	Overwrite bool   `json:"overwrite,omitempty" jsonschema:"description=Replace the file if it already exists"`
}

type PatchFileArgs struct {
	Path    string `json:"path" jsonschema:"description=File to patch" validate:"required"`
	Find    string `json:"find" jsonschema:"description=Exact text to replace; must occur exactly once" validate:"required"`
	Replace string `json:"replace" jsonschema:"description=Replacement text"`
}

type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"description=File to read" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// BuildOperation decodes and validates a tool call's arguments into the
// corresponding Operation. Paths are cleaned and shell commands normalized
// so equal requests produce equal fingerprints.
func BuildOperation(tool string, raw json.RawMessage) (Operation, error) {
	switch tool {
	case ToolFetch:
		var args FetchArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		u, err := url.Parse(args.URL)
		if err != nil {
			return nil, errx.With(ErrInvalidArguments, " url %q: %w", args.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errx.With(ErrInvalidArguments, " unsupported url scheme %q", u.Scheme)
		}
		return FetchOp{URL: args.URL, Cwd: cleanScope(args.Cwd)}, nil

	case ToolShell:
		var args ShellArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return ShellOp{
			Command: NormalizeCommand(args.Command),
			Cwd:     cleanScope(args.Cwd),
			PTY:     args.PTY,
		}, nil

	case ToolWriteFile:
		var args WriteFileArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return WriteFileOp{
			Path:      filepath.Clean(args.Path),
			Content:   args.Content,
			Overwrite: args.Overwrite,
		}, nil

	case ToolPatchFile:
		var args PatchFileArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return PatchFileOp{
			Path:    filepath.Clean(args.Path),
			Find:    args.Find,
			Replace: args.Replace,
		}, nil

	case ToolReadFile:
		var args ReadFileArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return ReadFileOp{Path: filepath.Clean(args.Path)}, nil
	}

	return nil, errx.With(ErrUnknownTool, " %q", tool)
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return errx.With(ErrInvalidArguments, ": missing arguments")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errx.Wrap(ErrInvalidArguments, err)
	}
	if err := validate.Struct(into); err != nil {
		return errx.Wrap(ErrInvalidArguments, err)
	}
	return nil
}

func cleanScope(cwd string) string {
	if cwd == "" {
		return ""
	}
	return filepath.Clean(cwd)
}

// OutcomeStatus enumerates the terminal results a planner can observe.
type OutcomeStatus string

const (
	StatusSucceeded            OutcomeStatus = "succeeded"
	StatusDenied               OutcomeStatus = "denied"
	StatusAwaitingConfirmation OutcomeStatus = "awaiting_confirmation"
	StatusFailed               OutcomeStatus = "failed"
	StatusTimedOut             OutcomeStatus = "timed_out"
	StatusToolDisabled         OutcomeStatus = "tool_disabled"
	StatusCapabilityDenied     OutcomeStatus = "capability_denied"
	StatusBudgetExhausted      OutcomeStatus = "budget_exhausted"
)

// Outcome is the structured result of one mediated tool call. Exactly one
// status is set; denial reasons, execution errors, and timeouts are never
// conflated because the planner's correct next action differs for each.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	Result   *ToolResult   `json:"result,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	PromptID string        `json:"prompt_id,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ToolResult carries the tool-specific payload. A failed shell call still
// carries its captured output so the planner can read the diagnostics.
type ToolResult struct {
	Fetch      *FetchResult `json:"fetch,omitempty"`
	Shell      *ShellResult `json:"shell,omitempty"`
	File       *FileResult  `json:"file,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

type FetchResult struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

type ShellResult struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    []byte `json:"stdout,omitempty"`
	Stderr    []byte `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

type FileResult struct {
	Content      []byte `json:"content,omitempty"`
	BytesWritten int    `json:"bytes_written,omitempty"`
	Created      bool   `json:"created,omitempty"`
}

// ToolSpec describes one tool for planner grounding: its name plus a JSON
// Schema for its argument payload.
type ToolSpec struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// ToolCatalog returns the spec of every tool the gate mediates, sorted by
// name. Schemas are reflected from the argument structs.
func ToolCatalog() ([]ToolSpec, error) {
	reflector := &jsonschema.Reflector{DoNotReference: true}
	prototypes := map[string]any{
		ToolFetch:     &FetchArgs{},
		ToolShell:     &ShellArgs{},
		ToolWriteFile: &WriteFileArgs{},
		ToolPatchFile: &PatchFileArgs{},
		ToolReadFile:  &ReadFileArgs{},
	}

	specs := make([]ToolSpec, 0, len(prototypes))
	for name, proto := range prototypes {
		schema := reflector.Reflect(proto)
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, errx.With(ErrToolSchema, " %s: %w", name, err)
		}
		specs = append(specs, ToolSpec{Name: name, Schema: data})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}
