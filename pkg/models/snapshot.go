package models

import "time"

// Snapshot captures an agent's history up to a Safe-Fork-Point (SFP): a
// message index immediately after a complete user message or a complete
// tool-result message.
type Snapshot struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Label     string    `json:"label,omitempty"`
	Messages  []Message `json:"messages"`
	SFPIndex  int64     `json:"sfp_index"`
	Bookmark  Bookmark  `json:"bookmark"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentInfo is the durable metadata record for one agent id.
type AgentInfo struct {
	AgentID         string         `json:"agent_id"`
	TemplateID      string         `json:"template_id,omitempty"`
	TemplateVersion string         `json:"template_version,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Lineage         []string       `json:"lineage,omitempty"`
	ConfigHash      string         `json:"config_hash,omitempty"`
	MessageCount    int64          `json:"message_count"`
	LastSFPIndex    int64          `json:"last_sfp_index"`
	LastBookmark    Bookmark       `json:"last_bookmark"`
	Breakpoint      Breakpoint     `json:"breakpoint"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
