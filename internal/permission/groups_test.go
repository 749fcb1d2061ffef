package permission

import (
	"slices"
	"testing"
)

func TestExpandGroups(t *testing.T) {
	r := NewResolver()
	tests := []struct {
		name     string
		input    []string
		contains []string // tools that should be present
		excludes []string // tools that should NOT be present
	}{
		{
			name:     "expand single group",
			input:    []string{"group:fs"},
			contains: []string{"read", "write", "edit", "apply_patch"},
		},
		{
			name:     "expand multiple groups",
			input:    []string{"group:fs", "group:web"},
			contains: []string{"read", "write", "edit", "websearch", "webfetch"},
		},
		{
			name:     "pass through direct tool names",
			input:    []string{"custom_tool", "another_tool"},
			contains: []string{"custom_tool", "another_tool"},
		},
		{
			name:     "deduplicate results",
			input:    []string{"group:fs", "read", "write"},
			contains: []string{"read", "write", "edit", "apply_patch"},
		},
		{
			name:     "unknown group passed through",
			input:    []string{"group:unknown"},
			contains: []string{"group:unknown"},
		},
		{
			name:     "readonly group",
			input:    []string{"group:readonly"},
			contains: []string{"read", "websearch", "memory_search"},
			excludes: []string{"write", "edit", "exec"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.ExpandGroups(tt.input)

			for _, expected := range tt.contains {
				if !slices.Contains(result, expected) {
					t.Errorf("expected %q to be in result %v", expected, result)
				}
			}

			for _, excluded := range tt.excludes {
				if slices.Contains(result, excluded) {
					t.Errorf("expected %q to NOT be in result %v", excluded, result)
				}
			}
		})
	}
}

func TestExpandGroupsDeduplication(t *testing.T) {
	r := NewResolver()
	result := r.ExpandGroups([]string{"group:fs", "read", "group:fs"})

	count := 0
	for _, tool := range result {
		if tool == "read" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 'read' to appear exactly once, got %d times in %v", count, result)
	}
}

func TestReadonlyGroupNoModifyTools(t *testing.T) {
	readonlyTools := ToolGroups["group:readonly"]
	if readonlyTools == nil {
		t.Fatal("group:readonly should exist")
	}

	modifyTools := []string{"write", "edit", "exec", "bash", "sandbox", "apply_patch"}
	for _, tool := range modifyTools {
		if slices.Contains(readonlyTools, tool) {
			t.Errorf("group:readonly should NOT contain modification tool %q", tool)
		}
	}

	readTools := []string{"read", "websearch", "memory_search"}
	for _, tool := range readTools {
		if !slices.Contains(readonlyTools, tool) {
			t.Errorf("group:readonly should contain read tool %q", tool)
		}
	}
}

func TestFromProfileSeedsAllowList(t *testing.T) {
	cfg, ok := FromProfile("coding", ModeAuto)
	if !ok {
		t.Fatal("coding profile should exist")
	}
	if cfg.Mode != ModeAuto {
		t.Fatalf("mode lost: %v", cfg.Mode)
	}
	if !slices.Contains(cfg.AllowTools, "group:fs") || !slices.Contains(cfg.AllowTools, "group:runtime") {
		t.Fatalf("coding profile allow list wrong: %v", cfg.AllowTools)
	}

	m := NewManager(cfg, nil)
	if outcome, _ := m.Evaluate("read"); outcome != OutcomeAllow {
		t.Fatalf("coding profile should allow read, got %v", outcome)
	}
	if outcome, _ := m.Evaluate("browser"); outcome != OutcomeDeny {
		t.Fatalf("coding profile should deny tools outside its allow list, got %v", outcome)
	}
}

func TestFromProfileFullAllowsEverythingNotDenied(t *testing.T) {
	cfg, ok := FromProfile("full", ModeAuto)
	if !ok {
		t.Fatal("full profile should exist")
	}
	if len(cfg.AllowTools) != 0 {
		t.Fatalf("full profile must not constrain via AllowTools, got %v", cfg.AllowTools)
	}
	cfg.DenyTools = []string{"exec"}

	m := NewManager(cfg, nil)
	if outcome, _ := m.Evaluate("anything_at_all"); outcome != OutcomeAllow {
		t.Fatalf("full profile should allow arbitrary tools, got %v", outcome)
	}
	if outcome, _ := m.Evaluate("exec"); outcome != OutcomeDeny {
		t.Fatalf("explicit deny must still win under full profile, got %v", outcome)
	}
}

func TestFromProfileUnknown(t *testing.T) {
	if _, ok := FromProfile("yolo", ModeAuto); ok {
		t.Fatal("unknown profile must report false")
	}
}
