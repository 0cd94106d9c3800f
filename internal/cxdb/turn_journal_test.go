package cxdb

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilroy-labs/turnengine/internal/content"
)

func newTestJournal(t *testing.T) (*TurnJournal, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "session")
	j, err := NewTurnJournal(dir, "sess-1", "claude-sonnet-4-5", "/work")
	if err != nil {
		t.Fatalf("NewTurnJournal: %v", err)
	}
	return j, dir
}

func TestTurnJournalAppendsOneLinePerTurn(t *testing.T) {
	j, dir := newTestJournal(t)

	if err := j.PersistUserTurn(context.Background(), "t1", content.UserText("hi")); err != nil {
		t.Fatalf("PersistUserTurn: %v", err)
	}
	if err := j.PersistAssistantTurn(context.Background(), "t2", content.AssistantText("hello")); err != nil {
		t.Fatalf("PersistAssistantTurn: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "journal.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var entries []JournalEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Type != typeUserTurn || entries[0].TurnID != "t1" {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[1].Type != typeAssistantTurn || entries[1].TurnID != "t2" {
		t.Fatalf("entries[1] = %+v", entries[1])
	}
	if entries[0].Hash == "" || entries[0].Hash == entries[1].Hash {
		t.Fatalf("expected distinct non-empty hashes, got %q and %q", entries[0].Hash, entries[1].Hash)
	}
}

func TestWritePromptIsIdempotent(t *testing.T) {
	j, dir := newTestJournal(t)

	if err := j.WritePrompt("do the thing"); err != nil {
		t.Fatalf("WritePrompt: %v", err)
	}
	if err := j.WritePrompt("a different prompt"); err != nil {
		t.Fatalf("WritePrompt (second call): %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "do the thing" {
		t.Fatalf("prompt.txt = %q, want first write to stick", string(b))
	}
}

func TestWriteContextSummarizesToolActions(t *testing.T) {
	j, dir := newTestJournal(t)

	assistantMsg := content.Message{
		Role: content.RoleAssistant,
		Content: []content.ContentBlock{
			content.ToolUseBlock("a", "Read", map[string]any{"file_path": "main.go"}),
		},
	}
	if err := j.PersistAssistantTurn(context.Background(), "t1", assistantMsg); err != nil {
		t.Fatalf("PersistAssistantTurn: %v", err)
	}
	if err := j.WriteContext(); err != nil {
		t.Fatalf("WriteContext: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "context.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(b)
	for _, want := range []string{"sess-1", "claude-sonnet-4-5", "/work", "Read", "main.go"} {
		if !strings.Contains(out, want) {
			t.Fatalf("context.md missing %q:\n%s", want, out)
		}
	}
}

func TestFirstArgTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := firstArg(map[string]any{"command": long})
	if !strings.HasSuffix(got, "...") || len(got) != maxToolActionArg+3 {
		t.Fatalf("firstArg = %q (len %d)", got, len(got))
	}
}
