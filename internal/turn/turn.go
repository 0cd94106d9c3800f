// Package turn composes the streaming transport, retrier, conversation
// manager, tool dispatcher, and hook runner into the bounded inner loop
// that drives one user prompt to a terminal stop.
package turn

import (
	"context"
	"log"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/kilroy-labs/turnengine/internal/content"
	"github.com/kilroy-labs/turnengine/internal/conversation"
	"github.com/kilroy-labs/turnengine/internal/dispatch"
	"github.com/kilroy-labs/turnengine/internal/retry"
	"github.com/kilroy-labs/turnengine/internal/tools"
	"github.com/kilroy-labs/turnengine/internal/transport"
)

// Bounds are the loop's four numeric constants.
const (
	MaxToolIterations    = 50
	MaxContinuations     = 3
	MaxConsecutiveBlocks = 3
	MaxTotalBlocks       = 10
)

// StopReason is the closed enum of reasons the loop reports to the Stop
// hook. Exactly one fires per turn.
type StopReason string

const (
	StopEndTurn               StopReason = "end_turn"
	StopIterationLimit        StopReason = "iteration_limit"
	StopAPIError              StopReason = "api_error"
	StopContinuationCap       StopReason = "continuation_cap"
	StopBlockLimitConsecutive StopReason = "block_limit_consecutive"
	StopBlockLimitTotal       StopReason = "block_limit_total"
	StopConvergenceSignal     StopReason = "convergence_signal"
)

// continuationText is injected verbatim when a text-only max_tokens
// response is allowed another continuation.
const continuationText = "Continue from where you left off."

// emptyPlaceholder preserves assistant-message non-emptiness when a
// response arrives with no content blocks at all.
const emptyPlaceholder = " "

// maxTokensAction is the closed enum a max_tokens stop reason classifies
// into.
type maxTokensAction int

const (
	actionBreakEmpty maxTokensAction = iota
	actionDispatchTools
	actionContinue
	actionBreakCapReached
)

// Hooks is everything the loop needs from the lifecycle hook runner:
// dispatch.Hooks plus the turn-terminal Stop call.
type Hooks interface {
	dispatch.Hooks
	Stop(ctx context.Context, reason string, toolIteration, totalTokens int, cwd string, timestamp string)
}

// SessionWriter persists each turn's messages as they are appended to the
// conversation log. It is an external collaborator: the loop calls it but
// does not depend on how or where turns are stored.
type SessionWriter interface {
	PersistAssistantTurn(ctx context.Context, turnID string, msg content.Message) error
	PersistUserTurn(ctx context.Context, turnID string, msg content.Message) error
}

// NopWriter discards every turn. Useful for tests and for callers that do
// not need a persisted history.
type NopWriter struct{}

func (NopWriter) PersistAssistantTurn(context.Context, string, content.Message) error { return nil }
func (NopWriter) PersistUserTurn(context.Context, string, content.Message) error      { return nil }

// StreamClient is the subset of transport.Client the loop calls. Factored
// out as an interface so tests can drive the loop without a real HTTP
// endpoint.
type StreamClient interface {
	Stream(ctx context.Context, req transport.Request) (transport.Result, error)
}

// Loop holds the collaborators one turn needs. A Loop is reused across
// many calls to Run; it carries no turn-scoped state itself.
type Loop struct {
	Client  StreamClient
	Hooks   Hooks
	Exec    dispatch.Executor
	Writer  SessionWriter
	Logger  *log.Logger
	Sleep   retry.SleepFunc
	Model   string
	MaxTokens int
	System  string
	Tools   []tools.Definition
	Cwd     string
}

// state is the turn-scoped bookkeeping the loop owns for the duration of
// one Run call.
type state struct {
	toolIterations    int
	continuationCount int
	totalTokens       int
	lastInputTokens   int
	counters          dispatch.Counters
}

// Run drives one user prompt through the loop until a terminal Stop fires.
// userPrompt is appended to convo as a user message before the first
// iteration.
func (l *Loop) Run(ctx context.Context, convo *conversation.Log, userPrompt string) StopReason {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	turnID := ulid.Make().String()

	userMsg := content.UserText(userPrompt)
	convo.Append(userMsg)
	if err := l.Writer.PersistUserTurn(ctx, turnID, userMsg); err != nil {
		logger.Printf("[turn] warning: could not persist initial user turn: %v", err)
	}

	st := &state{}
	th := dispatch.Thresholds{MaxConsecutiveBlocks: MaxConsecutiveBlocks, MaxTotalBlocks: MaxTotalBlocks}

	for {
		if st.toolIterations >= MaxToolIterations {
			convo.Recover()
			l.stop(ctx, StopIterationLimit, st)
			return StopIterationLimit
		}

		convo.Trim(st.lastInputTokens)

		result, err := retry.Do(ctx, logger, l.Sleep, func() (transport.Result, error) {
			return l.Client.Stream(ctx, transport.Request{
				Model:     l.Model,
				MaxTokens: l.MaxTokens,
				System:    l.System,
				Messages:  convo.Messages,
				Tools:     l.Tools,
			})
		})
		if err != nil {
			convo.Recover()
			l.stop(ctx, StopAPIError, st)
			return StopAPIError
		}

		st.lastInputTokens = result.Usage.InputTokens
		st.totalTokens += result.Usage.Total()

		assistantMsg := result.Message
		if len(assistantMsg.Content) == 0 {
			assistantMsg.Content = []content.ContentBlock{content.TextBlock(emptyPlaceholder)}
		}
		convo.Append(assistantMsg)
		turnID = ulid.Make().String()
		if err := l.Writer.PersistAssistantTurn(ctx, turnID, assistantMsg); err != nil {
			logger.Printf("[turn] warning: could not persist assistant turn: %v", err)
		}

		var dispatchUses []content.ToolUse

		switch result.StopReason {
		case content.StopEndTurn:
			l.stop(ctx, StopEndTurn, st)
			return StopEndTurn

		case content.StopMaxTokens:
			action, validUses := classifyMaxTokens(assistantMsg, st.continuationCount)
			switch action {
			case actionBreakEmpty:
				l.stop(ctx, StopContinuationCap, st)
				return StopContinuationCap
			case actionDispatchTools:
				dispatchUses = validUses
			case actionContinue:
				st.continuationCount++
				contMsg := content.UserText(continuationText)
				convo.Append(contMsg)
				turnID = ulid.Make().String()
				if err := l.Writer.PersistUserTurn(ctx, turnID, contMsg); err != nil {
					logger.Printf("[turn] warning: could not persist continuation turn: %v", err)
				}
				continue
			case actionBreakCapReached:
				l.stop(ctx, StopContinuationCap, st)
				return StopContinuationCap
			}

		case content.StopToolUse:
			dispatchUses = assistantMsg.ToolUses()

		default:
			dispatchUses = assistantMsg.ToolUses()
		}

		outcome := dispatch.Dispatch(ctx, l.Hooks, l.Exec, dispatchUses, st.toolIterations, l.Cwd, &st.counters, th)

		if outcome.ThresholdTripped {
			convo.PopTrailingAssistant()
			reason := StopBlockLimitConsecutive
			if st.counters.ConsecutiveBlocks < MaxConsecutiveBlocks {
				reason = StopBlockLimitTotal
			}
			l.stop(ctx, reason, st)
			return reason
		}

		resultMsg := content.Message{Role: content.RoleUser, Content: outcome.Results}
		convo.Append(resultMsg)
		turnID = ulid.Make().String()
		if err := l.Writer.PersistUserTurn(ctx, turnID, resultMsg); err != nil {
			logger.Printf("[turn] warning: could not persist tool result turn: %v", err)
		}
		st.toolIterations++

		if outcome.SignalBreak {
			l.stop(ctx, StopConvergenceSignal, st)
			return StopConvergenceSignal
		}
	}
}

// stop invokes the Stop hook exactly once with the loop's final counters.
func (l *Loop) stop(ctx context.Context, reason StopReason, st *state) {
	l.Hooks.Stop(ctx, string(reason), st.toolIterations, st.totalTokens, l.Cwd, nowRFC3339())
}

// classifyMaxTokens applies the null-input filter (dropping ToolUse blocks
// whose Input was truncated to nil) and classifies the remainder into one
// of the four max_tokens actions.
func classifyMaxTokens(msg content.Message, continuationCount int) (maxTokensAction, []content.ToolUse) {
	var valid []content.ToolUse
	for _, u := range msg.ToolUses() {
		if u.Input != nil {
			valid = append(valid, u)
		}
	}
	if len(valid) > 0 {
		return actionDispatchTools, valid
	}

	text := strings.TrimSpace(msg.Text())
	if text == "" || text == strings.TrimSpace(emptyPlaceholder) {
		return actionBreakEmpty, nil
	}
	if continuationCount < MaxContinuations {
		return actionContinue, nil
	}
	return actionBreakCapReached, nil
}
