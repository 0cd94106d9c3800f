// Package content defines the immutable value types shared by every
// component of the turn engine: messages, content blocks, usage counters,
// stop reasons and the classified error kinds produced by the transport.
package content

import (
	"encoding/json"
	"fmt"
)

// Role is the speaker of a Message. The conversation alternates strictly
// between user and assistant (spec invariant 2).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind tags the variant held by a ContentBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is a tagged union over Text, ToolUse and ToolResult. Exactly
// one of the Kind-specific fields is populated for a given Kind.
type ContentBlock struct {
	Kind BlockKind

	// Text holds the Kind == BlockText payload.
	Text string

	// ToolUse holds the Kind == BlockToolUse payload.
	ToolUse *ToolUse

	// ToolResult holds the Kind == BlockToolResult payload.
	ToolResult *ToolResult
}

// ToolUse is a tool invocation requested by the service. Input is a
// JSON-like value and may be nil when the service truncated the call
// (e.g. a response cut short by max_tokens).
type ToolUse struct {
	ID    string
	Name  string
	Input any
}

// ToolResult answers a prior ToolUse by ID. IsError is an explicit
// three-state option: unset, false, or true. It is carried on the wire
// only when true, matching upstream wire compatibility (spec 3).
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   *bool
}

func TextBlock(s string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: s}
}

func ToolUseBlock(id, name string, input any) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

func ToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	var p *bool
	if isError {
		v := true
		p = &v
	}
	return ContentBlock{Kind: BlockToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: text, IsError: p}}
}

// Message is one turn in the dialogue. Messages are appended only; the
// conversation is a strict append-with-occasional-tail-pop log.
type Message struct {
	Role    Role
	Content []ContentBlock
}

func UserText(s string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(s)}}
}

func AssistantText(s string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(s)}}
}

// Text concatenates every text block in the message. Non-text blocks are
// ignored.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns every ToolUse block in order.
func (m Message) ToolUses() []ToolUse {
	var out []ToolUse
	for _, b := range m.Content {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			out = append(out, *b.ToolUse)
		}
	}
	return out
}

// IsOnlyToolUse reports whether every block in the message is a ToolUse
// block (used to detect an orphaned tool call during conversation
// recovery, §4.D).
func (m Message) IsOnlyToolUse() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Kind != BlockToolUse {
			return false
		}
	}
	return true
}

// wireBlock is the on-the-wire shape for a ContentBlock. is_error is
// omitted entirely when false, matching upstream wire compatibility.
type wireBlock struct {
	Type      BlockKind `json:"type"`
	Text      string    `json:"text,omitempty"`
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Input     any       `json:"input,omitempty"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	IsError   *bool     `json:"is_error,omitempty"`
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	w := wireBlock{Type: b.Kind}
	switch b.Kind {
	case BlockText:
		w.Text = b.Text
	case BlockToolUse:
		if b.ToolUse != nil {
			w.ID = b.ToolUse.ID
			w.Name = b.ToolUse.Name
			w.Input = b.ToolUse.Input
		}
	case BlockToolResult:
		if b.ToolResult != nil {
			w.ToolUseID = b.ToolResult.ToolUseID
			w.Content = b.ToolResult.Content
			if b.ToolResult.IsError != nil && *b.ToolResult.IsError {
				t := true
				w.IsError = &t
			}
		}
	default:
		return nil, fmt.Errorf("content: unknown block kind %q", b.Kind)
	}
	return json.Marshal(w)
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case BlockText:
		*b = TextBlock(w.Text)
	case BlockToolUse:
		*b = ContentBlock{Kind: BlockToolUse, ToolUse: &ToolUse{ID: w.ID, Name: w.Name, Input: w.Input}}
	case BlockToolResult:
		*b = ContentBlock{Kind: BlockToolResult, ToolResult: &ToolResult{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError}}
	default:
		return fmt.Errorf("content: unknown block type %q", w.Type)
	}
	return nil
}

type wireMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Role: m.Role, Content: m.Content}
	if w.Content == nil {
		w.Content = []ContentBlock{}
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = w.Content
	return nil
}
