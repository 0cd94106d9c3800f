package cxdb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/kilroy-labs/turnengine/internal/content"
)

// Entry types tag each line of the turn journal with a short, namespaced
// name.
const (
	typeUserTurn      = "com.turnengine.UserTurn"
	typeAssistantTurn = "com.turnengine.AssistantTurn"
)

// maxToolActionArg bounds how much of a tool call's first argument
// context.md records per action.
const maxToolActionArg = 80

// JournalEntry is one line of the append-only turn journal: a persisted
// message plus its content hash.
type JournalEntry struct {
	Type    string          `json:"type"`
	TurnID  string          `json:"turn_id"`
	Hash    string          `json:"content_hash"`
	Message content.Message `json:"message"`
}

type toolAction struct {
	Name string
	Arg  string
}

// TurnJournal persists every user and assistant turn to an append-only
// JSONL file, content-addressing each entry with a blake3 hash so a reader
// can deduplicate or verify integrity without re-deriving the message. It
// also writes the session's prompt and a running context summary alongside
// the journal, for a human reviewing a run after the fact. It implements
// turn.SessionWriter structurally.
type TurnJournal struct {
	dir       string
	sessionID string
	model     string
	cwd       string
	startTime string

	mu            sync.Mutex
	promptWritten bool
	toolActions   []toolAction
}

// NewTurnJournal creates (if absent) the session directory dir and returns
// a journal that writes journal.jsonl, prompt.txt, and context.md beneath
// it for the named session.
func NewTurnJournal(dir, sessionID, model, cwd string) (*TurnJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cxdb: creating session directory: %w", err)
	}
	return &TurnJournal{
		dir:       dir,
		sessionID: sessionID,
		model:     model,
		cwd:       cwd,
		startTime: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (j *TurnJournal) journalPath() string { return filepath.Join(j.dir, "journal.jsonl") }
func (j *TurnJournal) promptPath() string  { return filepath.Join(j.dir, "prompt.txt") }
func (j *TurnJournal) contextPath() string { return filepath.Join(j.dir, "context.md") }

func (j *TurnJournal) append(entryType, turnID string, msg content.Message) error {
	j.mu.Lock()
	j.collectToolActions(msg)
	j.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cxdb: marshaling message: %w", err)
	}
	sum := blake3.Sum256(body)

	entry := JournalEntry{
		Type:    entryType,
		TurnID:  turnID,
		Hash:    hex.EncodeToString(sum[:]),
		Message: msg,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cxdb: marshaling journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.journalPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cxdb: opening journal: %w", err)
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// PersistUserTurn appends a user-role turn to the journal.
func (j *TurnJournal) PersistUserTurn(ctx context.Context, turnID string, msg content.Message) error {
	return j.append(typeUserTurn, turnID, msg)
}

// PersistAssistantTurn appends an assistant-role turn to the journal.
func (j *TurnJournal) PersistAssistantTurn(ctx context.Context, turnID string, msg content.Message) error {
	return j.append(typeAssistantTurn, turnID, msg)
}

// WritePrompt records the user's original prompt to prompt.txt, once per
// session. Later calls are no-ops.
func (j *TurnJournal) WritePrompt(prompt string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.promptWritten {
		return nil
	}
	j.promptWritten = true
	return os.WriteFile(j.promptPath(), []byte(prompt), 0o644)
}

// WriteContext (re)writes context.md, a human-readable summary of the
// session and the tool calls made so far. Each call rewrites the whole
// file; cmd/turnengine calls it once, after the turn loop returns.
func (j *TurnJournal) WriteContext() error {
	j.mu.Lock()
	var b strings.Builder
	fmt.Fprintf(&b, "# Session Context\n\n")
	fmt.Fprintf(&b, "- Session ID: %s\n", j.sessionID)
	fmt.Fprintf(&b, "- Model: %s\n", j.model)
	fmt.Fprintf(&b, "- Start: %s\n", j.startTime)
	fmt.Fprintf(&b, "- CWD: %s\n", j.cwd)
	if len(j.toolActions) > 0 {
		fmt.Fprintf(&b, "\n## Key Actions\n\n")
		for _, a := range j.toolActions {
			fmt.Fprintf(&b, "- **%s**: %s\n", a.Name, a.Arg)
		}
	}
	out := b.String()
	j.mu.Unlock()

	return os.WriteFile(j.contextPath(), []byte(out), 0o644)
}

// collectToolActions records every ToolUse in msg for the context.md
// summary. Callers must hold j.mu.
func (j *TurnJournal) collectToolActions(msg content.Message) {
	for _, tu := range msg.ToolUses() {
		j.toolActions = append(j.toolActions, toolAction{Name: tu.Name, Arg: firstArg(tu.Input)})
	}
}

// firstArg extracts a short description of a tool call's first input
// field, truncated for a context.md line.
func firstArg(input any) string {
	m, ok := input.(map[string]any)
	if !ok || len(m) == 0 {
		return "{}"
	}
	// map[string]any has no insertion order, unlike the JSON object this
	// was decoded from, so "first field" here means "some field" — good
	// enough for a one-line context.md hint.
	var s string
	for _, v := range m {
		if str, ok := v.(string); ok {
			s = str
		} else {
			s = fmt.Sprintf("%v", v)
		}
		break
	}
	if len(s) > maxToolActionArg {
		return s[:maxToolActionArg] + "..."
	}
	return s
}
