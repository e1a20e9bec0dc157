package sandbox

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// Tool is one of the fixed gateway capabilities.
type Tool string

const (
	ToolReadFile        Tool = "read_file"
	ToolWriteFile       Tool = "write_file"
	ToolListDirectory   Tool = "list_directory"
	ToolCreateDirectory Tool = "create_directory"
	ToolRunCommand      Tool = "run_command"
)

// Tools lists every capability in a stable order.
var Tools = []Tool{ToolReadFile, ToolWriteFile, ToolListDirectory, ToolCreateDirectory, ToolRunCommand}

// ParseTool maps a wire name to a Tool.
func ParseTool(name string) (Tool, error) {
	for _, t := range Tools {
		if string(t) == name {
			return t, nil
		}
	}
	return "", apperr.Validation("unknown tool %q", name)
}

// Idempotent reports whether repeating the call is safe, which makes it
// eligible for retry on timeout.
func (t Tool) Idempotent() bool {
	return t != ToolRunCommand
}

// Request is a typed tool call. The set is closed to this package.
type Request interface {
	Tool() Tool
	validate() error
}

// ReadFileRequest reads a file relative to the workspace root.
type ReadFileRequest struct {
	Path string `json:"path"`
}

// WriteFileRequest creates or replaces a file, creating parent directories.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ListDirectoryRequest lists a directory, optionally descending into it.
type ListDirectoryRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// CreateDirectoryRequest creates a directory and its parents.
type CreateDirectoryRequest struct {
	Path string `json:"path"`
}

// RunCommandRequest runs an allow-listed program. Command plus Args is
// accepted as an alternative spelling of Argv.
type RunCommandRequest struct {
	Argv           []string `json:"argv,omitempty"`
	Command        string   `json:"command,omitempty"`
	Args           []string `json:"args,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
}

func (ReadFileRequest) Tool() Tool        { return ToolReadFile }
func (WriteFileRequest) Tool() Tool       { return ToolWriteFile }
func (ListDirectoryRequest) Tool() Tool   { return ToolListDirectory }
func (CreateDirectoryRequest) Tool() Tool { return ToolCreateDirectory }
func (RunCommandRequest) Tool() Tool      { return ToolRunCommand }

func (r ReadFileRequest) validate() error        { return requirePath(r.Path) }
func (r WriteFileRequest) validate() error       { return requirePath(r.Path) }
func (r ListDirectoryRequest) validate() error   { return nil }
func (r CreateDirectoryRequest) validate() error { return requirePath(r.Path) }

func (r RunCommandRequest) validate() error {
	argv := r.argv()
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return apperr.Validation("run_command requires a program")
	}
	if r.TimeoutSeconds < 0 {
		return apperr.Validation("timeout_seconds must not be negative")
	}
	return nil
}

func (r RunCommandRequest) argv() []string {
	if len(r.Argv) > 0 {
		return r.Argv
	}
	if r.Command == "" {
		return nil
	}
	return append([]string{r.Command}, r.Args...)
}

func (r RunCommandRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

func requirePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return apperr.Validation("path is required")
	}
	return nil
}

// Decode builds a typed request from JSON parameters.
func Decode(tool Tool, params json.RawMessage) (Request, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	var (
		req Request
		err error
	)
	switch tool {
	case ToolReadFile:
		req, err = decodeInto[ReadFileRequest](params)
	case ToolWriteFile:
		req, err = decodeInto[WriteFileRequest](params)
	case ToolListDirectory:
		req, err = decodeInto[ListDirectoryRequest](params)
	case ToolCreateDirectory:
		req, err = decodeInto[CreateDirectoryRequest](params)
	case ToolRunCommand:
		req, err = decodeInto[RunCommandRequest](params)
	default:
		return nil, apperr.Validation("unknown tool %q", tool)
	}
	if err != nil {
		return nil, apperr.Validation("invalid %s parameters: %v", tool, err)
	}
	return req, nil
}

func decodeInto[T Request](params json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}

// Result is the typed output of a tool call.
type Result interface {
	Tool() Tool
}

// ReadFileResult carries file content.
type ReadFileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileResult describes a completed write.
type WriteFileResult struct {
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	Created bool   `json:"created"`
	Digest  string `json:"digest"`
	Added   int    `json:"lines_added,omitempty"`
	Removed int    `json:"lines_removed,omitempty"`
}

// EntryType distinguishes files from directories.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry is one directory listing item. Path is relative to the workspace root.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListDirectoryResult holds entries sorted by path.
type ListDirectoryResult struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// CreateDirectoryResult reports whether the directory was new.
type CreateDirectoryResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

// RunCommandResult carries captured output. Output beyond the cap is dropped
// and flagged as truncated.
type RunCommandResult struct {
	Argv            []string `json:"argv"`
	ExitCode        int      `json:"exit_code"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	StdoutTruncated bool     `json:"stdout_truncated,omitempty"`
	StderrTruncated bool     `json:"stderr_truncated,omitempty"`
	DurationMS      int64    `json:"duration_ms"`
}

func (ReadFileResult) Tool() Tool        { return ToolReadFile }
func (WriteFileResult) Tool() Tool       { return ToolWriteFile }
func (ListDirectoryResult) Tool() Tool   { return ToolListDirectory }
func (CreateDirectoryResult) Tool() Tool { return ToolCreateDirectory }
func (RunCommandResult) Tool() Tool      { return ToolRunCommand }
