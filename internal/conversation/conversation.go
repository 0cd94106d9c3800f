// Package conversation manages the running dialogue: token/byte-aware
// trimming and alternation recovery after a failed or truncated turn.
package conversation

import (
	"encoding/json"

	"github.com/kilroy-labs/turnengine/internal/content"
)

const (
	// ContextWindowTokens is the assumed context window of the upstream
	// model.
	ContextWindowTokens = 200_000
	// TrimThresholdTokens is 60% of the context window; at or above this
	// input-token count the byte-budget trim runs.
	TrimThresholdTokens = 120_000
	// ByteBudget is the serialized-size ceiling the byte-budget trim holds
	// the message log under.
	ByteBudget = 720 * 1024
)

// Log holds the append-only message history for one conversation, plus the
// tail-pop operations trim and recover need.
type Log struct {
	Messages []content.Message
}

func New() *Log {
	return &Log{}
}

// Append adds a message to the end of the log.
func (l *Log) Append(m content.Message) {
	l.Messages = append(l.Messages, m)
}

// ShouldTrim decides whether the byte-budget trim should run this
// iteration, given the last observed input-token usage.
func ShouldTrim(lastInputTokens int) bool {
	if lastInputTokens == 0 {
		return true
	}
	return lastInputTokens >= TrimThresholdTokens
}

// Trim runs the byte-budget trim if ShouldTrim(lastInputTokens) holds:
// while the serialized log exceeds ByteBudget, it drops the oldest
// complete user/assistant exchange pair. It never splits a
// tool_use/tool_result pair because exchanges are dropped whole.
func (l *Log) Trim(lastInputTokens int) {
	if !ShouldTrim(lastInputTokens) {
		return
	}
	for serializedSize(l.Messages) > ByteBudget {
		if !l.dropOldestExchange() {
			return
		}
	}
}

// dropOldestExchange removes the oldest complete exchange from the head of
// the log: a user message, its assistant response, and — when that
// response carries ToolUse blocks — every further (ToolResult user,
// assistant) round trip that answers it, up to the first assistant
// response with no ToolUse blocks. Consuming the whole run keeps a
// tool_use/tool_result pair from ever being split across the trim
// boundary. It reports whether it found and removed a complete exchange.
func (l *Log) dropOldestExchange() bool {
	if len(l.Messages) < 2 || l.Messages[0].Role != content.RoleUser {
		return false
	}
	i := 1
	for i < len(l.Messages) && l.Messages[i].Role == content.RoleAssistant {
		hasToolUse := len(l.Messages[i].ToolUses()) > 0
		i++
		if !hasToolUse {
			break
		}
		if i >= len(l.Messages) || l.Messages[i].Role != content.RoleUser {
			break
		}
		i++
	}
	if i < 2 {
		return false
	}
	l.Messages = l.Messages[i:]
	return true
}

func serializedSize(msgs []content.Message) int {
	b, err := json.Marshal(msgs)
	if err != nil {
		return 0
	}
	return len(b)
}

// Recover restores strict user/assistant alternation after a permanent
// service failure or an iteration-limit exit.
//
// If the last message is a user message, it is popped. If the message now
// at the tail is an assistant message consisting only of ToolUse blocks
// (an orphaned tool call with no matching results), it is popped too, and
// then the new tail is popped as well if it is a user message.
func (l *Log) Recover() {
	if n := len(l.Messages); n > 0 && l.Messages[n-1].Role == content.RoleUser {
		l.Messages = l.Messages[:n-1]
	}
	n := len(l.Messages)
	if n > 0 && l.Messages[n-1].Role == content.RoleAssistant && l.Messages[n-1].IsOnlyToolUse() {
		l.Messages = l.Messages[:n-1]
		if n2 := len(l.Messages); n2 > 0 && l.Messages[n2-1].Role == content.RoleUser {
			l.Messages = l.Messages[:n2-1]
		}
	}
}

// PopTrailingAssistant removes the last message if it is an assistant
// message. Used directly by the block-threshold abort path, which does not
// call Recover.
func (l *Log) PopTrailingAssistant() {
	if n := len(l.Messages); n > 0 && l.Messages[n-1].Role == content.RoleAssistant {
		l.Messages = l.Messages[:n-1]
	}
}
