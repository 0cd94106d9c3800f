// Package dispatch executes a batch of tool calls from one assistant
// message: classifying the batch as parallel-safe or sequential, wrapping
// every call in the configured lifecycle hooks, and preserving ToolUse
// ordering in the resulting ToolResults regardless of execution order.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilroy-labs/turnengine/internal/content"
	"github.com/kilroy-labs/turnengine/internal/tools"
)

// Hooks is the subset of the hook runner's lifecycle the dispatcher drives
// directly.
type Hooks interface {
	// Guard runs the fail-closed PreToolUse guard phase. allowed reports
	// whether the tool may execute; reason is the block message when it is
	// not.
	Guard(ctx context.Context, tool string, input any, toolIteration int, cwd string) (allowed bool, reason string)
	// Observe runs the fail-open PreToolUse observe phase, after a guard
	// outcome is known.
	Observe(ctx context.Context, tool string, input any, toolIteration int, cwd string, blocked bool, blockedBy, blockReason string)
	// Post runs the fail-open PostToolUse phase. signal reports whether any
	// hook asked to converge; reason is that hook's reason.
	Post(ctx context.Context, tool string, input any, result string, isError bool, toolIteration int, cwd string) (signal bool, reason string)
}

// Executor runs one tool call and reports its result text and whether it
// represents an error. The concrete tool implementations (file read, glob,
// bash, edit, grep) are an external collaborator; this interface is all
// the dispatcher needs from them.
type Executor interface {
	Execute(ctx context.Context, tool string, input any) (output string, isError bool)
}

// Counters are the turn-scoped block counters the dispatcher mutates as it
// walks a batch. The caller (the turn loop) owns the storage and resets
// ConsecutiveBlocks to zero at the start of a turn; the dispatcher itself
// only increments and, on an allow, resets ConsecutiveBlocks back to zero.
type Counters struct {
	ConsecutiveBlocks int
	TotalBlocks       int
}

// Thresholds are the turn loop's block-limit constants, injected so this
// package stays independent of the turn loop.
type Thresholds struct {
	MaxConsecutiveBlocks int
	MaxTotalBlocks       int
}

// Outcome is the result of dispatching one batch.
type Outcome struct {
	// Results holds one ToolResult content block per ToolUse, in the same
	// order as the input batch. Empty when ThresholdTripped.
	Results []content.ContentBlock
	// ThresholdTripped reports that a guard block tripped a block-count
	// threshold; the batch aborts and its ToolResults are discarded.
	ThresholdTripped bool
	// SignalBreak reports that some PostToolUse hook asked to converge.
	SignalBreak  bool
	SignalReason string
}

// Dispatch runs every ToolUse in uses, in order, against hooks and exec.
func Dispatch(ctx context.Context, hooks Hooks, exec Executor, uses []content.ToolUse, toolIteration int, cwd string, counters *Counters, th Thresholds) Outcome {
	n := len(uses)
	names := make([]string, n)
	for i, tu := range uses {
		names[i] = tu.Name
	}
	parallel := tools.AllPure(names) && n > 1

	results := make([]content.ContentBlock, n)
	blocked := make([]bool, n)

	type pendingTask struct {
		idx int
		use content.ToolUse
	}
	var pending []pendingTask

	var signalBreak bool
	var signalReason string

	for i, tu := range uses {
		allowed, reason := hooks.Guard(ctx, tu.Name, tu.Input, toolIteration, cwd)
		if !allowed {
			results[i] = content.ToolResultBlock(tu.ID, reason, true)
			blocked[i] = true
			counters.ConsecutiveBlocks++
			counters.TotalBlocks++
			hooks.Observe(ctx, tu.Name, tu.Input, toolIteration, cwd, true, "", reason)
			if counters.ConsecutiveBlocks >= th.MaxConsecutiveBlocks || counters.TotalBlocks >= th.MaxTotalBlocks {
				return Outcome{ThresholdTripped: true}
			}
			continue
		}

		counters.ConsecutiveBlocks = 0
		hooks.Observe(ctx, tu.Name, tu.Input, toolIteration, cwd, false, "", "")

		if parallel {
			pending = append(pending, pendingTask{idx: i, use: tu})
			continue
		}

		// Sequential batches run Post immediately after each tool, so a
		// later call in the same batch sees the prior call's observation
		// already recorded, matching a strict guard/execute/post-per-call
		// ordering.
		output, isError := runTool(ctx, exec, tu)
		results[i] = content.ToolResultBlock(tu.ID, output, isError)
		sig, reason := hooks.Post(ctx, tu.Name, tu.Input, output, isError, toolIteration, cwd)
		if sig && !signalBreak {
			signalBreak = true
			signalReason = reason
		}
	}

	if parallel {
		var wg sync.WaitGroup
		for _, t := range pending {
			wg.Add(1)
			go func(t pendingTask) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[t.idx] = content.ToolResultBlock(t.use.ID, fmt.Sprintf("tool panicked: %v", r), true)
					}
				}()
				output, isError := runTool(ctx, exec, t.use)
				results[t.idx] = content.ToolResultBlock(t.use.ID, output, isError)
			}(t)
		}
		wg.Wait()

		// Parallel batches cannot interleave Post with execution (results
		// aren't known until every goroutine finishes), so Post runs once
		// per call after the whole batch settles, in batch order.
		for _, t := range pending {
			rb := results[t.idx].ToolResult
			sig, reason := hooks.Post(ctx, t.use.Name, t.use.Input, rb.Content, rb.IsError != nil && *rb.IsError, toolIteration, cwd)
			if sig && !signalBreak {
				signalBreak = true
				signalReason = reason
			}
		}
	}

	return Outcome{Results: results, SignalBreak: signalBreak, SignalReason: signalReason}
}

// runTool applies the null-input guard and then executes the tool. It
// lives outside any goroutine body so both the sequential and parallel
// paths share one execution/guard implementation.
func runTool(ctx context.Context, exec Executor, tu content.ToolUse) (output string, isError bool) {
	if tu.Input == nil {
		return "null input", true
	}
	return exec.Execute(ctx, tu.Name, tu.Input)
}
