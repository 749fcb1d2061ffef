// Package models defines the durable data shapes shared by every kernel
// component: messages, tool-call records, the event envelope, todos,
// breakpoints, snapshots, and agent metadata.
package models

import (
	"encoding/json"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType tags the kind of content carried by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockReasoning  BlockType = "reasoning"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockFile       BlockType = "file"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged union. Only the fields relevant to Type are
// populated; the rest are zero values and omitted from JSON.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// image / audio / file
	URL    string `json:"url,omitempty"`
	FileID string `json:"file_id,omitempty"`
	Data   string `json:"data,omitempty"` // base64, when inlined
	Mime   string `json:"mime,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolResultForID string `json:"tool_result_for_id,omitempty"` // references a tool_use id
	Output          string `json:"output,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`
}

// Message is an ordered list of content blocks authored by a single role,
// with transport metadata used for reminder tagging and branch bookkeeping.
type Message struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Sequence is the message's 0-based position in the agent's history,
	// used to compute Safe-Fork-Points and branch divergence.
	Sequence int64 `json:"sequence"`
}

// ReminderTag values distinguish system-role messages injected by
// TodoManager/Scheduler/FileWatcher from ordinary user input.
type ReminderTag string

const (
	ReminderTagTodo     ReminderTag = "todo"
	ReminderTagSchedule ReminderTag = "schedule"
	ReminderTagFile     ReminderTag = "file"
	ReminderTagRoom     ReminderTag = "room"
)

// MetadataReminderKey is the Message.Metadata key holding a ReminderTag.
const MetadataReminderKey = "reminder_tag"

// IsSafeForkPoint reports whether a message at this position in a history
// is a legal Safe-Fork-Point: immediately after a complete user message or
// a complete tool-result message (i.e. not mid-assistant-turn).
func (m Message) IsSafeForkPoint() bool {
	if m.Role == RoleUser {
		return true
	}
	if m.Role != RoleAssistant && m.Role != RoleSystem {
		return false
	}
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// HasToolUse reports whether any block in the message is a tool_use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolUseIDs returns the ids of every tool_use block in the message, in order.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// Text concatenates all text blocks in the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
