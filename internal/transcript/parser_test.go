package transcript

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/termbridge/termbridge/pkg/claudecode"
)

func userText(text string) *claudecode.TranscriptEntry {
	return &claudecode.TranscriptEntry{
		Type: claudecode.EntryTypeUser,
		Message: &claudecode.EntryMessage{
			Role:    "user",
			Content: claudecode.BlockList{{Type: claudecode.BlockTypeText, Text: text}},
		},
	}
}

func assistantText(text string) *claudecode.TranscriptEntry {
	return &claudecode.TranscriptEntry{
		Type: claudecode.EntryTypeAssistant,
		Message: &claudecode.EntryMessage{
			Role:    "assistant",
			Content: claudecode.BlockList{{Type: claudecode.BlockTypeText, Text: text}},
		},
	}
}

func assistantBlocks(blocks ...claudecode.ContentBlock) *claudecode.TranscriptEntry {
	return &claudecode.TranscriptEntry{
		Type:    claudecode.EntryTypeAssistant,
		Message: &claudecode.EntryMessage{Role: "assistant", Content: claudecode.BlockList(blocks)},
	}
}

func userBlocks(blocks ...claudecode.ContentBlock) *claudecode.TranscriptEntry {
	return &claudecode.TranscriptEntry{
		Type:    claudecode.EntryTypeUser,
		Message: &claudecode.EntryMessage{Role: "user", Content: claudecode.BlockList(blocks)},
	}
}

func TestPairedToolUseAndResult(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		assistantBlocks(claudecode.ContentBlock{
			Type:  claudecode.BlockTypeToolUse,
			ID:    "t1",
			Name:  claudecode.ToolRead,
			Input: map[string]any{"file_path": "app.py"},
		}),
		userBlocks(claudecode.ContentBlock{
			Type:      claudecode.BlockTypeToolResult,
			ToolUseID: "t1",
			Content:   "line1\nline2\nline3",
		}),
	}

	out, st := Parse(entries, NewState())
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(out), out)
	}

	use := out[0]
	if use.ContentType != ContentToolUse || use.ToolUseID != "t1" {
		t.Errorf("unexpected tool_use entry: %+v", use)
	}
	if !strings.Contains(use.Text, "**Read**(app.py)") {
		t.Errorf("tool_use text = %q", use.Text)
	}

	result := out[1]
	if result.ContentType != ContentToolResult || result.ToolUseID != "t1" {
		t.Errorf("unexpected tool_result entry: %+v", result)
	}
	if !strings.Contains(result.Text, "Read 3 lines") {
		t.Errorf("tool_result text = %q", result.Text)
	}

	if len(st.Pending) != 0 {
		t.Errorf("pending tools not drained: %v", st.Pending)
	}
}

func TestNoNotifyStickiness(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		userText("[NO_NOTIFY] run summary"),
		assistantText("done."),
		userText("hello"),
		assistantText("hi"),
	}

	out, _ := Parse(entries, NewState())
	if len(out) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(out))
	}

	want := []struct {
		role     string
		noNotify bool
		text     string
	}{
		{RoleUser, true, "run summary"},
		{RoleAssistant, true, "done."},
		{RoleUser, false, "hello"},
		{RoleAssistant, false, "hi"},
	}
	for i, w := range want {
		if out[i].Role != w.role || out[i].NoNotify != w.noNotify || out[i].Text != w.text {
			t.Errorf("entry %d = %+v, want %+v", i, out[i], w)
		}
	}
}

func TestSystemTagImpliesNoNotify(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		userText("[System] scheduled run"),
		assistantText("working on it"),
	}
	out, _ := Parse(entries, NewState())
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	for i, e := range out {
		if !e.NoNotify {
			t.Errorf("entry %d: NoNotify = false, want true", i)
		}
	}
	if out[0].Text != "[System] scheduled run" {
		t.Errorf("system tag was stripped: %q", out[0].Text)
	}
}

func TestNoNotifyTagOnlyEmitsNothing(t *testing.T) {
	out, st := Parse([]*claudecode.TranscriptEntry{userText("[NO_NOTIFY]")}, NewState())
	if len(out) != 0 {
		t.Fatalf("expected no entries for bare tag, got %+v", out)
	}
	if !st.NoNotify {
		t.Error("NoNotify flag not set")
	}
}

func TestIncrementalEqualsBatch(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		userText("[NO_NOTIFY] warm up"),
		assistantBlocks(claudecode.ContentBlock{
			Type:  claudecode.BlockTypeToolUse,
			ID:    "t9",
			Name:  claudecode.ToolBash,
			Input: map[string]any{"command": "ls -la"},
		}),
		userBlocks(claudecode.ContentBlock{
			Type:      claudecode.BlockTypeToolResult,
			ToolUseID: "t9",
			Content:   "total 0",
		}),
		userText("and now?"),
		assistantText("all good"),
	}

	batch, batchState := Parse(entries, NewState())

	for split := 0; split <= len(entries); split++ {
		first, mid := Parse(entries[:split], NewState())
		second, final := Parse(entries[split:], mid)
		combined := append(append([]Entry{}, first...), second...)
		if !reflect.DeepEqual(combined, batch) {
			t.Errorf("split %d: incremental output differs\n got: %+v\nwant: %+v", split, combined, batch)
		}
		if !reflect.DeepEqual(final, batchState) {
			t.Errorf("split %d: carried state differs: %+v vs %+v", split, final, batchState)
		}
	}
}

func TestToolResultCarriedAcrossCalls(t *testing.T) {
	use := assistantBlocks(claudecode.ContentBlock{
		Type:  claudecode.BlockTypeToolUse,
		ID:    "t2",
		Name:  claudecode.ToolGrep,
		Input: map[string]any{"pattern": "func main"},
	})
	result := userBlocks(claudecode.ContentBlock{
		Type:      claudecode.BlockTypeToolResult,
		ToolUseID: "t2",
		Content:   "main.go:1\ncmd.go:10",
	})

	_, st := Parse([]*claudecode.TranscriptEntry{use}, NewState())
	if _, ok := st.Pending["t2"]; !ok {
		t.Fatal("tool_use not recorded as pending")
	}

	out, st := Parse([]*claudecode.TranscriptEntry{result}, st)
	if len(out) != 1 || !strings.Contains(out[0].Text, "Found 2 matches") {
		t.Fatalf("unexpected carried result: %+v", out)
	}
	if len(st.Pending) != 0 {
		t.Errorf("pending not drained: %v", st.Pending)
	}
}

func TestUnmatchedToolResult(t *testing.T) {
	out, _ := Parse([]*claudecode.TranscriptEntry{
		userBlocks(claudecode.ContentBlock{
			Type:      claudecode.BlockTypeToolResult,
			ToolUseID: "ghost",
			Content:   "orphaned",
		}),
	}, NewState())
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	if !strings.Contains(out[0].Text, "**UnknownTool**") {
		t.Errorf("unmatched result text = %q", out[0].Text)
	}
}

func TestLocalCommand(t *testing.T) {
	out, _ := Parse([]*claudecode.TranscriptEntry{
		userText("<command-name>/status</command-name><local-command-stdout>all systems go</local-command-stdout>"),
	}, NewState())
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	if e.ContentType != ContentLocalCommand || e.ToolName != "/status" || e.Text != "all systems go" {
		t.Errorf("unexpected local command entry: %+v", e)
	}
}

func TestSystemReminderDropped(t *testing.T) {
	out, _ := Parse([]*claudecode.TranscriptEntry{
		userText("<system-reminder>do not show this</system-reminder>"),
	}, NewState())
	if len(out) != 0 {
		t.Errorf("system reminder leaked: %+v", out)
	}
}

func TestThinkingWrappedInExpandable(t *testing.T) {
	out, _ := Parse([]*claudecode.TranscriptEntry{
		assistantBlocks(claudecode.ContentBlock{Type: claudecode.BlockTypeThinking, Thinking: "hmm"}),
	}, NewState())
	if len(out) != 1 || out[0].ContentType != ContentThinking {
		t.Fatalf("unexpected entries: %+v", out)
	}
	if out[0].Text != ExpandableOpen+"hmm"+ExpandableClose {
		t.Errorf("thinking text = %q", out[0].Text)
	}
}

func TestEmptyAssistantTextDropped(t *testing.T) {
	out, _ := Parse([]*claudecode.TranscriptEntry{assistantText("  ")}, NewState())
	if len(out) != 0 {
		t.Errorf("empty assistant text leaked: %+v", out)
	}
}

func TestBashSummaryTruncation(t *testing.T) {
	long := strings.Repeat("x", 450)
	got := summarizeToolUse(claudecode.ToolBash, map[string]any{"command": long})
	want := fmt.Sprintf("**Bash**(%s…)", long[:200])
	if got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}

func TestBashSummaryTruncatesOnRuneBoundary(t *testing.T) {
	// "é" is two bytes; byte 200 falls in the middle of a rune.
	long := "x" + strings.Repeat("é", 250)
	got := summarizeToolUse(claudecode.ToolBash, map[string]any{"command": long})
	if !utf8.ValidString(got) {
		t.Fatalf("summary contains a split rune: %q", got)
	}
	if !strings.HasSuffix(got, "…)") {
		t.Errorf("summary not truncated: %q", got)
	}
}

func TestInterruptedResult(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		assistantBlocks(claudecode.ContentBlock{
			Type: claudecode.BlockTypeToolUse, ID: "t3", Name: claudecode.ToolBash,
			Input: map[string]any{"command": "sleep 100"},
		}),
		userBlocks(claudecode.ContentBlock{
			Type:      claudecode.BlockTypeToolResult,
			ToolUseID: "t3",
			Content:   claudecode.ResultContent(claudecode.InterruptedSentinel + "]"),
		}),
	}
	out, _ := Parse(entries, NewState())
	if len(out) != 2 || !strings.Contains(out[1].Text, "Interrupted") {
		t.Errorf("interrupted result not rendered: %+v", out)
	}
}

func TestEditResultRendersDiff(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		assistantBlocks(claudecode.ContentBlock{
			Type: claudecode.BlockTypeToolUse, ID: "t4", Name: claudecode.ToolEdit,
			Input: map[string]any{
				"file_path":  "main.go",
				"old_string": "a := 1",
				"new_string": "a := 2",
			},
		}),
		userBlocks(claudecode.ContentBlock{
			Type: claudecode.BlockTypeToolResult, ToolUseID: "t4",
			Content: "The file main.go has been updated.",
		}),
	}
	out, _ := Parse(entries, NewState())
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	text := out[1].Text
	if !strings.Contains(text, "-a := 1") || !strings.Contains(text, "+a := 2") {
		t.Errorf("diff not rendered: %q", text)
	}
	if strings.Contains(text, "has been updated") {
		t.Errorf("raw result leaked into diff rendering: %q", text)
	}
}

func TestErrorResult(t *testing.T) {
	entries := []*claudecode.TranscriptEntry{
		assistantBlocks(claudecode.ContentBlock{
			Type: claudecode.BlockTypeToolUse, ID: "t5", Name: claudecode.ToolRead,
			Input: map[string]any{"file_path": "missing.txt"},
		}),
		userBlocks(claudecode.ContentBlock{
			Type: claudecode.BlockTypeToolResult, ToolUseID: "t5",
			Content: "no such file", IsError: true,
		}),
	}
	out, _ := Parse(entries, NewState())
	if !strings.Contains(out[1].Text, "Error: no such file") {
		t.Errorf("error result = %q", out[1].Text)
	}
}
