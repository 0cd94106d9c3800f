// Package toolexec implements the five tools the turn engine advertises
// to the chat service: Read, Glob, Bash, Edit, Grep. It satisfies
// dispatch.Executor and validates every call's input against the tool's
// advertised JSON schema before running it.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kilroy-labs/turnengine/internal/tools"
)

// defaultCommandTimeout bounds a Bash call when the caller does not
// specify timeout_ms.
const defaultCommandTimeout = 30 * time.Second

// maxCommandTimeout is the ceiling a caller-specified timeout_ms is
// clamped to.
const maxCommandTimeout = 10 * time.Minute

// skipDirs are pruned while walking for Glob and Grep, mirroring the
// directories a source tree never wants traversed.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, ".cargo-target": true,
}

// bashDenyList blocks a fixed set of commands that are destructive enough
// to refuse outright, independent of any configured guard hook.
var bashDenyList = []string{
	"rm -rf /",
	"rm -fr /",
	"rm -rf /*",
	"rm -fr /*",
	":(){ :|:& };:",
	"dd if=/dev",
	"mkfs",
	"chmod 777 /",
	"git push --force",
	"git push -f",
}

func isDeniedCommand(cmd string) bool {
	normalized := strings.Join(strings.Fields(strings.ToLower(cmd)), " ")
	for _, pattern := range bashDenyList {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

// Executor runs the five built-in tools against the local filesystem and
// shell, rooted at Root for any relative path.
type Executor struct {
	Root    string
	schemas map[string]*jsonschema.Schema
}

// NewExecutor compiles every tool's input schema once so each call only
// pays for validation, not compilation.
func NewExecutor(root string) (*Executor, error) {
	e := &Executor{Root: root, schemas: map[string]*jsonschema.Schema{}}
	compiler := jsonschema.NewCompiler()
	for _, def := range tools.Registry() {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("toolexec: marshaling schema for %s: %w", def.Name, err)
		}
		url := "mem://" + def.Name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("toolexec: adding schema resource for %s: %w", def.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("toolexec: compiling schema for %s: %w", def.Name, err)
		}
		e.schemas[def.Name] = schema
	}
	return e, nil
}

// Execute implements dispatch.Executor.
func (e *Executor) Execute(ctx context.Context, tool string, input any) (output string, isError bool) {
	schema, ok := e.schemas[tool]
	if !ok {
		return fmt.Sprintf("unknown tool %q", tool), true
	}
	if err := schema.Validate(input); err != nil {
		return fmt.Sprintf("invalid input for %s: %v", tool, err), true
	}

	m, ok := input.(map[string]any)
	if !ok {
		return fmt.Sprintf("%s: input must be an object", tool), true
	}

	switch tool {
	case tools.Read:
		return e.read(m)
	case tools.Glob:
		return e.glob(m)
	case tools.Bash:
		return e.bash(ctx, m)
	case tools.Edit:
		return e.edit(m)
	case tools.Grep:
		return e.grep(m)
	default:
		return fmt.Sprintf("unhandled tool %q", tool), true
	}
}

func (e *Executor) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.Root, p)
}

func (e *Executor) read(m map[string]any) (string, bool) {
	path, _ := m["file_path"].(string)
	if path == "" {
		return "file_path is required", true
	}
	b, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return fmt.Sprintf("read %s: %v", path, err), true
	}
	lines := strings.Split(string(b), "\n")

	offset := 0
	if v, ok := numberField(m["offset"]); ok {
		offset = v
	}
	limit := len(lines)
	if v, ok := numberField(m["limit"]); ok && v > 0 {
		limit = v
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(lines) {
		offset = len(lines)
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}

	var out strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&out, "%6d\t%s\n", i+1, lines[i])
	}
	return out.String(), false
}

func (e *Executor) glob(m map[string]any) (string, bool) {
	pattern, _ := m["pattern"].(string)
	if pattern == "" {
		return "pattern is required", true
	}
	root := e.Root
	if p, ok := m["path"].(string); ok && p != "" {
		root = e.resolve(p)
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("glob %s: %v", pattern, err), true
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return "no matches", false
	}
	return strings.Join(matches, "\n"), false
}

func (e *Executor) bash(ctx context.Context, m map[string]any) (string, bool) {
	command, _ := m["command"].(string)
	if command == "" {
		return "command is required", true
	}
	if isDeniedCommand(command) {
		return fmt.Sprintf("command blocked by safety guard: %s", command), true
	}
	timeout := defaultCommandTimeout
	if v, ok := numberField(m["timeout_ms"]); ok && v > 0 {
		timeout = time.Duration(v) * time.Millisecond
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", command)
	cmd.Dir = e.Root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	if cctx.Err() != nil {
		return fmt.Sprintf("command timed out after %s", timeout), true
	}
	if runErr != nil {
		return fmt.Sprintf("%s\nexit error: %v", out.String(), runErr), true
	}
	return out.String(), false
}

// maxEditableFileSize caps how large a file edit may touch, so a single
// huge file doesn't dominate a tool call's turnaround.
const maxEditableFileSize = 100 * 1024

func (e *Executor) edit(m map[string]any) (string, bool) {
	path, _ := m["file_path"].(string)
	oldStr, _ := m["old_string"].(string)
	newStr, _ := m["new_string"].(string)
	replaceAll, _ := m["replace_all"].(bool)
	if path == "" {
		return "file_path is required", true
	}

	full := e.resolve(path)

	if oldStr == "" {
		if _, err := os.Stat(full); err == nil {
			b, err := os.ReadFile(full)
			if err != nil {
				return fmt.Sprintf("read %s: %v", path, err), true
			}
			if err := os.WriteFile(full, append(b, []byte(newStr)...), 0o644); err != nil {
				return fmt.Sprintf("write %s: %v", path, err), true
			}
			return fmt.Sprintf("appended to %s", path), false
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Sprintf("create directories for %s: %v", path, err), true
		}
		if err := os.WriteFile(full, []byte(newStr), 0o644); err != nil {
			return fmt.Sprintf("create %s: %v", path, err), true
		}
		return fmt.Sprintf("created %s", path), false
	}

	if info, err := os.Stat(full); err == nil && info.Size() > maxEditableFileSize {
		return fmt.Sprintf("file too large for edit: %d bytes (limit: %d)", info.Size(), maxEditableFileSize), true
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return fmt.Sprintf("read %s: %v", path, err), true
	}
	src := string(b)

	count := strings.Count(src, oldStr)
	if count == 0 {
		return fmt.Sprintf("old_string not found in %s", path), true
	}
	if count > 1 && !replaceAll {
		return fmt.Sprintf("old_string is not unique in %s (%d occurrences); set replace_all or provide more context", path, count), true
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(src, oldStr, newStr)
	} else {
		updated = strings.Replace(src, oldStr, newStr, 1)
	}

	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return fmt.Sprintf("write %s: %v", path, err), true
	}
	return fmt.Sprintf("edited %s (%d replacement(s))", path, count), false
}

func (e *Executor) grep(m map[string]any) (string, bool) {
	pattern, _ := m["pattern"].(string)
	if pattern == "" {
		return "pattern is required", true
	}
	caseInsensitive, _ := m["case_insensitive"].(bool)
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("invalid pattern: %v", err), true
	}

	root := e.Root
	if p, ok := m["path"].(string); ok && p != "" {
		root = e.resolve(p)
	}
	globFilter, _ := m["glob_filter"].(string)

	maxResults := 1000
	if v, ok := numberField(m["max_results"]); ok && v > 0 {
		maxResults = v
	}

	var lines []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || len(lines) >= maxResults {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if globFilter != "" {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if ok, _ := doublestar.Match(globFilter, filepath.ToSlash(rel)); !ok {
				return nil
			}
		}
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(b), "\n") {
			if len(lines) >= maxResults {
				return nil
			}
			if re.MatchString(line) {
				lines = append(lines, fmt.Sprintf("%s:%d:%s", path, i+1, line))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("grep %s: %v", pattern, err), true
	}
	if len(lines) == 0 {
		return "no matches", false
	}
	return strings.Join(lines, "\n"), false
}

// numberField accepts the numeric shapes JSON decoding into any can
// produce (float64 from encoding/json, or an int already set by a test).
func numberField(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := strconv.Atoi(n.String())
		return i, err == nil
	default:
		return 0, false
	}
}
