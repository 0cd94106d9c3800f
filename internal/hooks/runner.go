// Package hooks executes the configurable lifecycle hook system: PreToolUse
// guard and observe phases, PostToolUse, and Stop, each invoking external
// commands as subprocesses, plus the atomic convergence-state file they
// share.
package hooks

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"unicode/utf8"
)

// postTruncateLimit is the byte ceiling on tool result content passed to a
// PostToolUse hook's stdin.
const postTruncateLimit = 5120
const postTruncateHalf = postTruncateLimit / 2

// Runner drives the hook lifecycle against a loaded Config. A Runner built
// from a missing configuration file has no entries, making every method a
// no-op.
type Runner struct {
	cfg                *Config
	logger             *log.Logger
	convergencePath    string
	convergenceTmpPath string
}

// NewRunner loads configPath (a missing file yields an empty, no-op
// runner) and pins convergencePath to an absolute path so later working-
// directory changes can't break the atomic rename. It clears any existing
// convergence file as a side effect of construction.
func NewRunner(configPath, convergencePath string, logger *log.Logger) (*Runner, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(convergencePath)
	if err != nil {
		return nil, fmt.Errorf("hooks: resolving convergence path: %w", err)
	}
	r := &Runner{
		cfg:                cfg,
		logger:             logger,
		convergencePath:    abs,
		convergenceTmpPath: abs + ".tmp",
	}
	r.clearConvergenceFile()
	return r, nil
}

func (r *Runner) entriesFor(event Event, tool string, phase Phase) []Entry {
	var out []Entry
	for _, e := range r.cfg.Hooks {
		if e.Event != event {
			continue
		}
		if event == EventPreToolUse && e.Phase != phase {
			continue
		}
		if !e.Matches(tool) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Guard runs the fail-closed PreToolUse guard phase, in declaration order,
// short-circuiting on the first block.
func (r *Runner) Guard(ctx context.Context, tool string, input any, toolIteration int, cwd string) (allowed bool, reason string) {
	for _, e := range r.entriesFor(EventPreToolUse, tool, PhaseGuard) {
		payload := map[string]any{
			"event":          string(EventPreToolUse),
			"phase":          string(PhaseGuard),
			"tool":           tool,
			"input":          input,
			"tool_iterations": toolIteration,
			"cwd":            cwd,
		}
		res := runSubprocess(ctx, e.Command, payload, e.TimeoutMS)

		switch {
		case res.TimedOut:
			return false, fmt.Sprintf("hook failed: %s timed out after %dms (tool blocked by default)", e.Command, e.TimeoutMS)
		case res.ExitCode != 0:
			return false, fmt.Sprintf("hook failed: %s exited with code %d (tool blocked by default)", e.Command, res.ExitCode)
		case res.ParseErr != nil:
			return false, fmt.Sprintf("hook failed: %s returned invalid JSON (tool blocked by default)", e.Command)
		}

		action, _ := res.Stdout["action"].(string)
		if action == "block" {
			blockReason, _ := res.Stdout["reason"].(string)
			return false, fmt.Sprintf("blocked by %s: %s", e.Command, blockReason)
		}
	}
	return true, ""
}

// Observe runs the fail-open PreToolUse observe phase, after the guard
// outcome is known. Failures are logged and ignored.
func (r *Runner) Observe(ctx context.Context, tool string, input any, toolIteration int, cwd string, blocked bool, blockedBy, blockReason string) {
	for _, e := range r.entriesFor(EventPreToolUse, tool, PhaseObserve) {
		payload := map[string]any{
			"event":          string(EventPreToolUse),
			"phase":          string(PhaseObserve),
			"tool":           tool,
			"input":          input,
			"tool_iterations": toolIteration,
			"cwd":            cwd,
			"blocked":        blocked,
		}
		if blockedBy != "" {
			payload["blocked_by"] = blockedBy
		}
		if blockReason != "" {
			payload["block_reason"] = blockReason
		}
		res := runSubprocess(ctx, e.Command, payload, e.TimeoutMS)
		if res.TimedOut || res.ExitCode != 0 || res.ParseErr != nil {
			r.logger.Printf("[hooks] observe hook %q failed (exit=%d timedOut=%v parseErr=%v)", e.Command, res.ExitCode, res.TimedOut, res.ParseErr)
		}
	}
}

// Post runs every matching PostToolUse hook in declaration order
// (fail-open), truncates result for each hook's stdin, and performs one
// atomic read-modify-write appending every collected observation. The
// first signaling hook's outcome controls the return value; later signals
// still persist.
func (r *Runner) Post(ctx context.Context, tool string, input any, result string, isError bool, toolIteration int, cwd string) (signal bool, reason string) {
	entries := r.entriesFor(EventPostToolUse, tool, "")
	truncated := truncateForHook(result)

	var observations []Observation
	firstSignal := false
	firstReason := ""

	for _, e := range entries {
		payload := map[string]any{
			"event":          string(EventPostToolUse),
			"tool":           tool,
			"input":          input,
			"result":         truncated,
			"is_error":       isError,
			"tool_iterations": toolIteration,
			"cwd":            cwd,
		}
		res := runSubprocess(ctx, e.Command, payload, e.TimeoutMS)
		if res.TimedOut || res.ExitCode != 0 || res.ParseErr != nil {
			r.logger.Printf("[hooks] post hook %q failed (exit=%d timedOut=%v parseErr=%v)", e.Command, res.ExitCode, res.TimedOut, res.ParseErr)
			continue
		}
		action, _ := res.Stdout["action"].(string)
		if action != "signal" {
			continue
		}
		sig, _ := res.Stdout["signal"].(string)
		rsn, _ := res.Stdout["reason"].(string)
		observations = append(observations, Observation{Signal: sig, Reason: rsn, ToolIterations: toolIteration})
		if !firstSignal {
			firstSignal = true
			firstReason = rsn
		}
	}

	r.appendObservations(observations)
	return firstSignal, firstReason
}

// Stop runs every matching Stop hook once (fail-open) and writes the
// turn's single final entry to the convergence state file atomically.
// Unknown action values are logged and treated as continue.
func (r *Runner) Stop(ctx context.Context, reason string, toolIteration, totalTokens int, cwd string, timestamp string) {
	for _, e := range r.entriesFor(EventStop, "", "") {
		payload := map[string]any{
			"event":          string(EventStop),
			"reason":         reason,
			"tool_iterations": toolIteration,
			"total_tokens":   totalTokens,
			"cwd":            cwd,
		}
		res := runSubprocess(ctx, e.Command, payload, e.TimeoutMS)
		if res.TimedOut || res.ExitCode != 0 || res.ParseErr != nil {
			r.logger.Printf("[hooks] stop hook %q failed (exit=%d timedOut=%v parseErr=%v)", e.Command, res.ExitCode, res.TimedOut, res.ParseErr)
			continue
		}
		if action, _ := res.Stdout["action"].(string); action != "" && action != "continue" {
			r.logger.Printf("[hooks] stop hook %q returned unknown action %q, treating as continue", e.Command, action)
		}
	}
	r.writeFinal(Final{Reason: reason, ToolIterations: toolIteration, TotalTokens: totalTokens, Timestamp: timestamp})
}

// truncateForHook caps result at postTruncateLimit bytes, preserving UTF-8
// code-point boundaries: first postTruncateHalf bytes + a marker + last
// postTruncateHalf bytes.
func truncateForHook(result string) string {
	if len(result) <= postTruncateLimit {
		return result
	}
	head := utf8SafePrefix(result, postTruncateHalf)
	tail := utf8SafeSuffix(result, postTruncateHalf)
	marker := fmt.Sprintf("... (truncated for hook, full result: %d bytes) ...", len(result))
	return head + marker + tail
}

func utf8SafePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8SafeSuffix(s string, n int) string {
	start := len(s) - n
	if start <= 0 {
		return s
	}
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
