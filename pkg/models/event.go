package models

import "time"

// Channel is one of the three event streams.
type Channel string

const (
	ChannelProgress Channel = "progress"
	ChannelControl  Channel = "control"
	ChannelMonitor  Channel = "monitor"
)

// EventType enumerates every event the kernel emits, grouped by channel.
type EventType string

const (
	// progress
	EventTextChunkStart  EventType = "text_chunk_start"
	EventTextChunk       EventType = "text_chunk"
	EventTextChunkEnd    EventType = "text_chunk_end"
	EventThinkChunkStart EventType = "think_chunk_start"
	EventThinkChunk      EventType = "think_chunk"
	EventThinkChunkEnd   EventType = "think_chunk_end"
	EventToolStart       EventType = "tool:start"
	EventToolEnd         EventType = "tool:end"
	EventToolError       EventType = "tool:error"
	EventDone            EventType = "done"

	// control
	EventPermissionRequired EventType = "permission_required"
	EventPermissionDecided  EventType = "permission_decided"

	// monitor
	EventStateChanged       EventType = "state_changed"
	EventStepComplete       EventType = "step_complete"
	EventError              EventType = "error"
	EventTokenUsage         EventType = "token_usage"
	EventToolExecuted       EventType = "tool_executed"
	EventAgentResumed       EventType = "agent_resumed"
	EventTodoChanged        EventType = "todo_changed"
	EventTodoReminder       EventType = "todo_reminder"
	EventFileChanged        EventType = "file_changed"
	EventReminderSent       EventType = "reminder_sent"
	EventContextCompression EventType = "context_compression"
	EventSchedulerTriggered EventType = "scheduler_triggered"
	EventBreakpointChanged  EventType = "breakpoint_changed"
	EventToolManualUpdated  EventType = "tool_manual_updated"
	EventToolCustomEvent    EventType = "tool_custom_event"
)

// Bookmark identifies a position in an agent's event log.
type Bookmark struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Before reports whether b is strictly before other (non-decreasing
// comparison used by subscribe({since})).
func (b Bookmark) Before(other Bookmark) bool {
	if b.Seq != other.Seq {
		return b.Seq < other.Seq
	}
	return b.Timestamp.Before(other.Timestamp)
}

// Event is the envelope wrapping every emitted occurrence: a monotonically
// increasing per-agent cursor, a bookmark, a channel tag, and a typed
// payload.
type Event struct {
	AgentID  string         `json:"agent_id"`
	Cursor   uint64         `json:"cursor"`
	Bookmark Bookmark       `json:"bookmark"`
	Channel  Channel        `json:"channel"`
	Type     EventType      `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
}
