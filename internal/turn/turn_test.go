package turn

import (
	"context"
	"testing"
	"time"

	"github.com/kilroy-labs/turnengine/internal/content"
	"github.com/kilroy-labs/turnengine/internal/conversation"
	"github.com/kilroy-labs/turnengine/internal/dispatch"
	"github.com/kilroy-labs/turnengine/internal/transport"
)

// fakeClient replays a scripted sequence of transport results/errors, one
// per call to Stream.
type fakeClient struct {
	results []transport.Result
	errs    []error
	calls   int
}

func (f *fakeClient) Stream(ctx context.Context, req transport.Request) (transport.Result, error) {
	i := f.calls
	f.calls++
	var res transport.Result
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

// fakeHooks is a no-op Hooks implementation with hooks for assertions.
type fakeHooks struct {
	guardAllow  bool
	postSignal  bool
	postReason  string
	stopReasons []string
}

func (f *fakeHooks) Guard(ctx context.Context, tool string, input any, toolIteration int, cwd string) (bool, string) {
	if f.guardAllow {
		return true, ""
	}
	return false, "blocked"
}
func (f *fakeHooks) Observe(ctx context.Context, tool string, input any, toolIteration int, cwd string, blocked bool, blockedBy, blockReason string) {
}
func (f *fakeHooks) Post(ctx context.Context, tool string, input any, result string, isError bool, toolIteration int, cwd string) (bool, string) {
	return f.postSignal, f.postReason
}
func (f *fakeHooks) Stop(ctx context.Context, reason string, toolIteration, totalTokens int, cwd string, timestamp string) {
	f.stopReasons = append(f.stopReasons, reason)
}

type fakeExec struct{}

func (fakeExec) Execute(ctx context.Context, tool string, input any) (string, bool) {
	return "ok: " + tool, false
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newLoop(client StreamClient, hooks Hooks) (*Loop, *conversation.Log) {
	return &Loop{
		Client:    client,
		Hooks:     hooks,
		Exec:      fakeExec{},
		Writer:    NopWriter{},
		Model:     "test-model",
		MaxTokens: 1024,
		Cwd:       "/tmp",
		Sleep:     noSleep,
	}, conversation.New()
}

func TestEndTurnStopsImmediately(t *testing.T) {
	client := &fakeClient{results: []transport.Result{
		{Message: content.AssistantText("done"), StopReason: content.StopEndTurn, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "hi")
	if reason != StopEndTurn {
		t.Fatalf("reason = %v", reason)
	}
	if len(hooks.stopReasons) != 1 || hooks.stopReasons[0] != string(StopEndTurn) {
		t.Fatalf("stopReasons = %v", hooks.stopReasons)
	}
	if len(convo.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2 (user, assistant)", len(convo.Messages))
	}
}

func TestToolUseDispatchesAndLoopsThenEndsTurn(t *testing.T) {
	toolMsg := content.Message{Role: content.RoleAssistant, Content: []content.ContentBlock{
		content.ToolUseBlock("t1", "Read", map[string]any{"path": "a.go"}),
	}}
	client := &fakeClient{results: []transport.Result{
		{Message: toolMsg, StopReason: content.StopToolUse, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
		{Message: content.AssistantText("done"), StopReason: content.StopEndTurn, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "read a.go")
	if reason != StopEndTurn {
		t.Fatalf("reason = %v", reason)
	}
	// user, assistant(tool_use), user(tool_result), assistant(end_turn)
	if len(convo.Messages) != 4 {
		t.Fatalf("len(Messages) = %d", len(convo.Messages))
	}
	toolResultMsg := convo.Messages[2]
	if toolResultMsg.Role != content.RoleUser || len(toolResultMsg.Content) != 1 {
		t.Fatalf("tool result message malformed: %+v", toolResultMsg)
	}
	if toolResultMsg.Content[0].ToolResult.ToolUseID != "t1" {
		t.Fatalf("tool_use_id = %q", toolResultMsg.Content[0].ToolResult.ToolUseID)
	}
}

func TestGuardBlockTripsConsecutiveThresholdAndPopsAssistant(t *testing.T) {
	toolMsg := content.Message{Role: content.RoleAssistant, Content: []content.ContentBlock{
		content.ToolUseBlock("a", "Bash", map[string]any{"command": "x"}),
		content.ToolUseBlock("b", "Bash", map[string]any{"command": "y"}),
		content.ToolUseBlock("c", "Bash", map[string]any{"command": "z"}),
	}}
	client := &fakeClient{results: []transport.Result{
		{Message: toolMsg, StopReason: content.StopToolUse, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	hooks := &fakeHooks{guardAllow: false}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "run some commands")
	if reason != StopBlockLimitConsecutive {
		t.Fatalf("reason = %v", reason)
	}
	// user only: the trailing assistant message was popped, no tool result appended.
	if len(convo.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(convo.Messages))
	}
}

func TestConvergenceSignalEndsTurnWithoutRecover(t *testing.T) {
	toolMsg := content.Message{Role: content.RoleAssistant, Content: []content.ContentBlock{
		content.ToolUseBlock("t1", "Read", map[string]any{"path": "a.go"}),
	}}
	client := &fakeClient{results: []transport.Result{
		{Message: toolMsg, StopReason: content.StopToolUse, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	hooks := &fakeHooks{guardAllow: true, postSignal: true, postReason: "done"}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "read a.go")
	if reason != StopConvergenceSignal {
		t.Fatalf("reason = %v", reason)
	}
	if len(convo.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3 (user, assistant, tool-result-user)", len(convo.Messages))
	}
}

func TestTextOnlyMaxTokensInjectsContinuation(t *testing.T) {
	client := &fakeClient{results: []transport.Result{
		{Message: content.AssistantText("Part one:"), StopReason: content.StopMaxTokens, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
		{Message: content.AssistantText("Part two, done."), StopReason: content.StopEndTurn, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "Explain X.")
	if reason != StopEndTurn {
		t.Fatalf("reason = %v", reason)
	}
	// user, assistant(part one), user(continue), assistant(end_turn)
	if len(convo.Messages) != 4 {
		t.Fatalf("len(Messages) = %d", len(convo.Messages))
	}
	if convo.Messages[2].Text() != continuationText {
		t.Fatalf("continuation message = %q", convo.Messages[2].Text())
	}
}

func TestTextOnlyMaxTokensCapReachedBreaks(t *testing.T) {
	results := make([]transport.Result, 0, MaxContinuations+1)
	for i := 0; i <= MaxContinuations; i++ {
		results = append(results, transport.Result{
			Message:    content.AssistantText("still going"),
			StopReason: content.StopMaxTokens,
			Usage:      content.Usage{InputTokens: 10, OutputTokens: 5},
		})
	}
	client := &fakeClient{results: results}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "Explain X.")
	if reason != StopContinuationCap {
		t.Fatalf("reason = %v", reason)
	}
	if client.calls != MaxContinuations+1 {
		t.Fatalf("calls = %d, want %d", client.calls, MaxContinuations+1)
	}
}

func TestNullInputToolUseFilteredFromMaxTokensDispatch(t *testing.T) {
	toolMsg := content.Message{Role: content.RoleAssistant, Content: []content.ContentBlock{
		content.ToolUseBlock("t1", "Read", map[string]any{"path": "a.go"}),
		content.ToolUseBlock("t2", "Read", nil),
	}}
	client := &fakeClient{results: []transport.Result{
		{Message: toolMsg, StopReason: content.StopMaxTokens, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
		{Message: content.AssistantText("done"), StopReason: content.StopEndTurn, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "read a.go")
	if reason != StopEndTurn {
		t.Fatalf("reason = %v", reason)
	}
	toolResultMsg := convo.Messages[2]
	if len(toolResultMsg.Content) != 1 {
		t.Fatalf("expected exactly one ToolResult (null-input ToolUse excluded), got %d", len(toolResultMsg.Content))
	}
	if toolResultMsg.Content[0].ToolResult.ToolUseID != "t1" {
		t.Fatalf("tool_use_id = %q", toolResultMsg.Content[0].ToolResult.ToolUseID)
	}
}

func TestIterationLimitTriggersRecoverAndStop(t *testing.T) {
	toolMsg := content.Message{Role: content.RoleAssistant, Content: []content.ContentBlock{
		content.ToolUseBlock("t1", "Read", map[string]any{"path": "a.go"}),
	}}
	results := make([]transport.Result, MaxToolIterations)
	for i := range results {
		results[i] = transport.Result{Message: toolMsg, StopReason: content.StopToolUse, Usage: content.Usage{InputTokens: 10, OutputTokens: 5}}
	}
	client := &fakeClient{results: results}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "loop forever")
	if reason != StopIterationLimit {
		t.Fatalf("reason = %v", reason)
	}
	if hooks.stopReasons[len(hooks.stopReasons)-1] != string(StopIterationLimit) {
		t.Fatalf("stopReasons = %v", hooks.stopReasons)
	}
}

func TestAPIErrorOnPermanentFailureRecoversAndStops(t *testing.T) {
	client := &fakeClient{errs: []error{&content.StreamParseError{Detail: "bad json"}}}
	hooks := &fakeHooks{guardAllow: true}
	loop, convo := newLoop(client, hooks)

	reason := loop.Run(context.Background(), convo, "hi")
	if reason != StopAPIError {
		t.Fatalf("reason = %v", reason)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1 for a permanent error", client.calls)
	}
	if len(convo.Messages) != 0 {
		t.Fatalf("len(Messages) = %d, want 0 after recover pops the lone user message", len(convo.Messages))
	}
}

var _ dispatch.Hooks = (*fakeHooks)(nil)
