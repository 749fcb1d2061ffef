package models

import "testing"

func TestIsSafeForkPoint(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"user message", Message{Role: RoleUser}, true},
		{"assistant text only", Message{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: "hi"}}}, false},
		{"assistant with tool_use", Message{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockToolUse}}}, false},
		{"assistant with tool_result", Message{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockToolResult}}}, true},
		{"system with tool_result", Message{Role: RoleSystem, Content: []ContentBlock{{Type: BlockToolResult}}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.msg.IsSafeForkPoint(); got != c.want {
				t.Errorf("IsSafeForkPoint() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestHasToolUseAndIDs(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			{Type: BlockText, Text: "let me check"},
			{Type: BlockToolUse, ToolUseID: "c1", ToolName: "fs_read"},
			{Type: BlockToolUse, ToolUseID: "c2", ToolName: "fs_write"},
		},
	}
	if !m.HasToolUse() {
		t.Fatal("expected HasToolUse true")
	}
	ids := m.ToolUseIDs()
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Fatalf("unexpected tool use ids: %v", ids)
	}
	if m.Text() != "let me check" {
		t.Fatalf("unexpected text: %q", m.Text())
	}
}
