// Package claudecode provides types for the Claude Code CLI's append-only
// session transcript: a JSON-lines file with one event per line. The outer
// envelope carries the session id; the inner message carries role and
// content blocks. Content fields come in both string and block-list shapes
// depending on CLI version, so the decoders here accept either.
package claudecode

import "encoding/json"

// Entry types found in transcript files.
const (
	EntryTypeUser      = "user"
	EntryTypeAssistant = "assistant"
	EntryTypeSystem    = "system"
	EntryTypeSummary   = "summary"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// InterruptedSentinel is the literal prefix the CLI writes into a
// tool_result when the user interrupts a running tool.
const InterruptedSentinel = "[Request interrupted by user"

// TranscriptEntry is one line of the transcript file.
type TranscriptEntry struct {
	Type       string        `json:"type"`
	SessionID  string        `json:"sessionId,omitempty"`
	UUID       string        `json:"uuid,omitempty"`
	ParentUUID string        `json:"parentUuid,omitempty"`
	Timestamp  string        `json:"timestamp,omitempty"`
	CWD        string        `json:"cwd,omitempty"`
	Message    *EntryMessage `json:"message,omitempty"`
}

// EntryMessage is the inner message of a user or assistant entry.
type EntryMessage struct {
	Role    string    `json:"role"`
	Content BlockList `json:"content"`
	Model   string    `json:"model,omitempty"`
}

// BlockList is the content field of a message. Older CLI versions write a
// bare string, newer ones a list of typed blocks; a bare string decodes as
// a single text block.
type BlockList []ContentBlock

// UnmarshalJSON accepts either a JSON string or an array of blocks.
func (b *BlockList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BlockList{{Type: BlockTypeText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = BlockList(blocks)
	return nil
}

// ContentBlock represents one block of message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   ResultContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
}

// ResultContent is a tool_result body: either a bare string or a list of
// text blocks, flattened to one string on decode.
type ResultContent string

// UnmarshalJSON accepts a string or an array of {type:"text", text} blocks.
func (r *ResultContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ResultContent(s)
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	out := ""
	for _, blk := range blocks {
		if blk.Type != BlockTypeText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += blk.Text
	}
	*r = ResultContent(out)
	return nil
}

// IsUser reports whether the entry is a user turn.
func (e *TranscriptEntry) IsUser() bool {
	return e.Type == EntryTypeUser
}

// IsAssistant reports whether the entry is an assistant turn.
func (e *TranscriptEntry) IsAssistant() bool {
	return e.Type == EntryTypeAssistant
}

// ContentBlocks returns the entry's content blocks, or nil when the entry
// carries no message.
func (e *TranscriptEntry) ContentBlocks() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	return []ContentBlock(e.Message.Content)
}

// TextContent concatenates the text of every text block.
func (e *TranscriptEntry) TextContent() string {
	out := ""
	for _, blk := range e.ContentBlocks() {
		if blk.Type != BlockTypeText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += blk.Text
	}
	return out
}

// ParseLine decodes one transcript line. Callers skip lines that fail to
// decode; the file is written by a third party and partial lines appear
// during concurrent writes.
func ParseLine(line []byte) (*TranscriptEntry, error) {
	var e TranscriptEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Tool names the parser gives dedicated renderings.
const (
	ToolBash            = "Bash"
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolMultiEdit       = "MultiEdit"
	ToolNotebookEdit    = "NotebookEdit"
	ToolRead            = "Read"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolTask            = "Task"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
	ToolTodoWrite       = "TodoWrite"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)
