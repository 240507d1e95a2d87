package api

import (
	"path/filepath"
)

// Tool names understood by the gate. One Operation variant per tool.
const (
	ToolFetch     = "fetch"
	ToolShell     = "shell"
	ToolWriteFile = "write_file"
	ToolPatchFile = "patch_file"
	ToolReadFile  = "read_file"
)

// Operation is a typed, immutable description of a requested mediated
// action. It carries only what matching and execution need, never secrets.
// The variant set is closed: FetchOp, ShellOp, WriteFileOp, PatchFileOp,
// ReadFileOp.
type Operation interface {
	// Kind returns the tool-name discriminant.
	Kind() string
	// Primary returns the field rules match against: URL, command, or path.
	Primary() string
	// Scope returns the working directory the operation is attributed to.
	// For file operations this is the parent directory of the target path.
	Scope() string
	// Mutates reports whether executing the operation overwrites host state
	// and therefore requires a snapshot under the per-path lock.
	Mutates() bool
	// TargetPath returns the filesystem path a mutation touches, or "".
	TargetPath() string
	// Fingerprint identifies the exact operation signature for confirmation
	// records and confirmation-synthesized rules.
	Fingerprint() string

	isOperation()
}

type FetchOp struct {
	URL string
	Cwd string
}

func (o FetchOp) Kind() string        { return ToolFetch }
func (o FetchOp) Primary() string     { return o.URL }
func (o FetchOp) Scope() string       { return o.Cwd }
func (o FetchOp) Mutates() bool       { return false }
func (o FetchOp) TargetPath() string  { return "" }
func (o FetchOp) Fingerprint() string { return fingerprint(ToolFetch, o.URL, o.Cwd) }
func (o FetchOp) isOperation()        {}

type ShellOp struct {
	Command string
	Cwd     string
	PTY     bool
}

func (o ShellOp) Kind() string        { return ToolShell }
func (o ShellOp) Primary() string     { return o.Command }
func (o ShellOp) Scope() string       { return o.Cwd }
func (o ShellOp) Mutates() bool       { return false }
func (o ShellOp) TargetPath() string  { return "" }
func (o ShellOp) Fingerprint() string { return fingerprint(ToolShell, o.Command, o.Cwd) }
func (o ShellOp) isOperation()        {}

type WriteFileOp struct {
	Path      string
	Content   []byte
	Overwrite bool
}

func (o WriteFileOp) Kind() string        { return ToolWriteFile }
func (o WriteFileOp) Primary() string     { return o.Path }
func (o WriteFileOp) Scope() string       { return filepath.Dir(o.Path) }
func (o WriteFileOp) Mutates() bool       { return true }
func (o WriteFileOp) TargetPath() string  { return o.Path }
func (o WriteFileOp) Fingerprint() string { return fingerprint(ToolWriteFile, o.Path, "") }
func (o WriteFileOp) isOperation()        {}

type PatchFileOp struct {
	Path    string
	Find    string
	Replace string
}

func (o PatchFileOp) Kind() string        { return ToolPatchFile }
func (o PatchFileOp) Primary() string     { return o.Path }
func (o PatchFileOp) Scope() string       { return filepath.Dir(o.Path) }
func (o PatchFileOp) Mutates() bool       { return true }
func (o PatchFileOp) TargetPath() string  { return o.Path }
func (o PatchFileOp) Fingerprint() string { return fingerprint(ToolPatchFile, o.Path, "") }
func (o PatchFileOp) isOperation()        {}

type ReadFileOp struct {
	Path string
}

func (o ReadFileOp) Kind() string        { return ToolReadFile }
func (o ReadFileOp) Primary() string     { return o.Path }
func (o ReadFileOp) Scope() string       { return filepath.Dir(o.Path) }
func (o ReadFileOp) Mutates() bool       { return false }
func (o ReadFileOp) TargetPath() string  { return "" }
func (o ReadFileOp) Fingerprint() string { return fingerprint(ToolReadFile, o.Path, "") }
func (o ReadFileOp) isOperation()        {}

func fingerprint(kind, primary, scope string) string {
	if scope == "" {
		return kind + " " + primary
	}
	return kind + " " + primary + " @ " + scope
}
