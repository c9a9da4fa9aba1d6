package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	// maxToolOutput caps the bytes returned from any single tool call
	maxToolOutput = 64 * 1024

	// maxSearchResults caps the matches returned from a search
	maxSearchResults = 100

	// commandTimeout bounds a single run_command invocation
	commandTimeout = 5 * time.Minute
)

// toolset provides the file and command tools available to a session, all
// confined to a working directory. readOnly disables write_file and
// run_command (analysis sessions must not modify anything).
type toolset struct {
	workdir  string
	readOnly bool
}

func newToolset(workdir string, readOnly bool) *toolset {
	return &toolset{workdir: workdir, readOnly: readOnly}
}

// definitions returns the tool definitions for function calling
func (t *toolset) definitions() []anthropic.ToolUnionParam {
	toolParams := []anthropic.ToolParam{
		{
			Name:        "read_file",
			Description: anthropic.String("Read a file from the repository. Returns the file contents."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "File path relative to the repository root (required)"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "list_dir",
			Description: anthropic.String("List the entries of a directory. Returns one name per line; directories end with '/'."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "Directory path relative to the repository root (default: repository root)"},
				},
			},
		},
		{
			Name:        "search",
			Description: anthropic.String("Search file contents with a regular expression. Returns matching lines as path:line:text."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"pattern": map[string]interface{}{"type": "string", "description": "Go regular expression to match (required)"},
					"path":    map[string]interface{}{"type": "string", "description": "Directory to search under (default: repository root)"},
				},
				Required: []string{"pattern"},
			},
		},
	}

	if !t.readOnly {
		toolParams = append(toolParams,
			anthropic.ToolParam{
				Name:        "write_file",
				Description: anthropic.String("Write a file, replacing its contents. Creates parent directories as needed."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path":    map[string]interface{}{"type": "string", "description": "File path relative to the worktree root (required)"},
						"content": map[string]interface{}{"type": "string", "description": "Full new file contents (required)"},
					},
					Required: []string{"path", "content"},
				},
			},
			anthropic.ToolParam{
				Name:        "run_command",
				Description: anthropic.String("Run a shell command in the worktree (e.g. build or test). Returns combined stdout and stderr."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command": map[string]interface{}{"type": "string", "description": "Shell command to run (required)"},
					},
					Required: []string{"command"},
				},
			},
		)
	}

	tools := make([]anthropic.ToolUnionParam, len(toolParams))
	for i := range toolParams {
		tool := toolParams[i]
		tools[i] = anthropic.ToolUnionParam{OfTool: &tool}
	}
	return tools
}

// execute dispatches a tool call by name.
func (t *toolset) execute(ctx context.Context, name string, input map[string]interface{}) (string, error) {
	switch name {
	case "read_file":
		return t.toolReadFile(input)
	case "list_dir":
		return t.toolListDir(input)
	case "search":
		return t.toolSearch(input)
	case "write_file":
		if t.readOnly {
			return "", fmt.Errorf("write_file is not available in analysis sessions")
		}
		return t.toolWriteFile(input)
	case "run_command":
		if t.readOnly {
			return "", fmt.Errorf("run_command is not available in analysis sessions")
		}
		return t.toolRunCommand(ctx, input)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// resolve maps a model-supplied path into the working directory, rejecting
// escapes via .. or absolute paths.
func (t *toolset) resolve(path string) (string, error) {
	if path == "" || path == "." {
		return t.workdir, nil
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}
	full := filepath.Join(t.workdir, filepath.Clean(path))
	rel, err := filepath.Rel(t.workdir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working directory: %s", path)
	}
	return full, nil
}

func (t *toolset) toolReadFile(input map[string]interface{}) (string, error) {
	path, _ := input["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	full, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return truncate(string(data)), nil
}

func (t *toolset) toolListDir(input map[string]interface{}) (string, error) {
	path, _ := input["path"].(string)
	full, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", path, err)
	}
	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(entry.Name())
		if entry.IsDir() {
			sb.WriteString("/")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (t *toolset) toolSearch(input map[string]interface{}) (string, error) {
	pattern, _ := input["pattern"].(string)
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	path, _ := input["path"].(string)
	root, err := t.resolve(path)
	if err != nil {
		return "", err
	}

	var matches []string
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			// Skip VCS internals and dependency trees
			switch d.Name() {
			case ".git", "node_modules", "vendor", "target":
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchResults {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(p)
		if err != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(t.workdir, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxSearchResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}

	if len(matches) == 0 {
		return "No matches found.", nil
	}
	sort.Strings(matches)
	result := strings.Join(matches, "\n")
	if len(matches) >= maxSearchResults {
		result += fmt.Sprintf("\n(truncated at %d matches)", maxSearchResults)
	}
	return truncate(result), nil
}

func (t *toolset) toolWriteFile(input map[string]interface{}) (string, error) {
	path, _ := input["path"].(string)
	content, hasContent := input["content"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !hasContent {
		return "", fmt.Errorf("content is required")
	}
	full, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (t *toolset) toolRunCommand(ctx context.Context, input map[string]interface{}) (string, error) {
	command, _ := input["command"].(string)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = t.workdir
	output, err := cmd.CombinedOutput()
	if err != nil {
		// The model needs the output to diagnose the failure, so include it
		// alongside the error.
		return "", fmt.Errorf("command failed: %v\n%s", err, truncate(string(output)))
	}
	return truncate(string(output)), nil
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}

// isText heuristically rejects binary files by scanning for NUL bytes.
func isText(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
