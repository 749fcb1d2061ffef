package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

func userMsg(agentID, text string, seq int64) models.Message {
	return models.Message{
		AgentID:  agentID,
		Role:     models.RoleUser,
		Content:  []models.ContentBlock{{Type: models.BlockText, Text: text}},
		Sequence: seq,
	}
}

func assistantToolMsg(agentID, callID string, seq int64) models.Message {
	return models.Message{
		AgentID: agentID,
		Role:    models.RoleAssistant,
		Content: []models.ContentBlock{
			{Type: models.BlockToolUse, ToolUseID: callID, ToolName: "fs_read", Input: []byte(`{"path":"/tmp/x"}`)},
		},
		Sequence: seq,
	}
}

func seedAgent(t *testing.T, s store.Store, agentID string) {
	t.Helper()
	ctx := context.Background()
	msgs := []models.Message{
		userMsg(agentID, "hello", 0),
		assistantToolMsg(agentID, "c1", 1),
		{
			AgentID: agentID,
			Role:    models.RoleUser,
			Content: []models.ContentBlock{
				{Type: models.BlockToolResult, ToolResultForID: "c1", Output: "file contents"},
			},
			Sequence: 2,
		},
	}
	if err := s.SaveMessages(ctx, agentID, msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.SaveToolCalls(ctx, agentID, []models.ToolCallRecord{
		{ID: "c1", AgentID: agentID, ToolName: "fs_read", State: models.ToolCallCompleted},
		{ID: "unrelated", AgentID: agentID, ToolName: "fs_write", State: models.ToolCallCompleted},
	}); err != nil {
		t.Fatalf("SaveToolCalls: %v", err)
	}
	if err := s.SaveTodos(ctx, agentID, []models.TodoItem{{ID: "t1", Title: "follow up", Status: models.TodoPending}}); err != nil {
		t.Fatalf("SaveTodos: %v", err)
	}
	if err := s.SaveInfo(ctx, models.AgentInfo{AgentID: agentID, MessageCount: 3}); err != nil {
		t.Fatalf("SaveInfo: %v", err)
	}
}

func TestSnapshotCapturesAtLastSFP(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, "a1")
	e := NewEngine(s)
	ctx := context.Background()

	snap, err := e.Snapshot(ctx, "a1", "before-refactor")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.SFPIndex != 2 {
		t.Fatalf("expected SFP at the tool-result message (index 2), got %d", snap.SFPIndex)
	}
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 captured messages, got %d", len(snap.Messages))
	}
	if snap.Label != "before-refactor" {
		t.Fatalf("label lost: %q", snap.Label)
	}

	info, _ := s.LoadInfo(ctx, "a1")
	if info.LastSFPIndex != 2 {
		t.Fatalf("expected LastSFPIndex updated to 2, got %d", info.LastSFPIndex)
	}
}

func TestSnapshotRefusesWithoutSFP(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	// A history with only an assistant text message is mid-turn; it has
	// no legal capture point.
	s.SaveMessages(ctx, "a1", []models.Message{{
		AgentID: "a1",
		Role:    models.RoleAssistant,
		Content: []models.ContentBlock{{Type: models.BlockText, Text: "half a thought"}},
	}})
	s.SaveInfo(ctx, models.AgentInfo{AgentID: "a1"})

	if _, err := NewEngine(s).Snapshot(ctx, "a1", ""); !errors.Is(err, ErrNoSafeForkPoint) {
		t.Fatalf("expected ErrNoSafeForkPoint, got %v", err)
	}
}

func TestForkCopiesStateAndRecordsLineage(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, "a1")
	e := NewEngine(s)
	ctx := context.Background()

	snap, err := e.Snapshot(ctx, "a1", "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	info, err := e.Fork(ctx, "a1", snap.ID, "a2")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if info.AgentID != "a2" {
		t.Fatalf("expected fork id a2, got %q", info.AgentID)
	}
	if len(info.Lineage) != 1 || info.Lineage[0] != "a1" {
		t.Fatalf("expected lineage [a1], got %v", info.Lineage)
	}
	if info.Breakpoint != models.BreakpointReady {
		t.Fatalf("fork must start at READY, got %v", info.Breakpoint)
	}

	msgs, _ := s.LoadMessages(ctx, "a2")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 copied messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.AgentID != "a2" {
			t.Fatalf("copied message still owned by %q", m.AgentID)
		}
	}

	records, _ := s.LoadToolCalls(ctx, "a2")
	if len(records) != 1 || records[0].ID != "c1" {
		t.Fatalf("expected only the referenced tool record copied, got %+v", records)
	}

	todos, _ := s.LoadTodos(ctx, "a2")
	if len(todos) != 1 {
		t.Fatalf("expected todos copied, got %d", len(todos))
	}

	// Fork starts its own event log.
	events, _ := s.ReadEvents(ctx, "a2", nil, store.EventFilter{})
	if len(events) != 0 {
		t.Fatalf("fork must not inherit events, got %d", len(events))
	}
}

func TestForkIsPrefixOfSourceAndSourceUnchanged(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, "a1")
	e := NewEngine(s)
	ctx := context.Background()

	before, _ := s.LoadMessages(ctx, "a1")

	snap, _ := e.Snapshot(ctx, "a1", "")
	if _, err := e.Fork(ctx, "a1", snap.ID, "a2"); err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// Source diverges after the fork.
	after := append(before, userMsg("a1", "new work", int64(len(before))))
	s.SaveMessages(ctx, "a1", after)

	src, _ := s.LoadMessages(ctx, "a1")
	child, _ := s.LoadMessages(ctx, "a2")
	if len(child) >= len(src) {
		t.Fatalf("expected child history shorter than diverged source")
	}
	for i := range child {
		if child[i].Sequence != src[i].Sequence || child[i].Role != src[i].Role {
			t.Fatalf("child history is not a prefix of source at %d", i)
		}
	}
}

func TestForkRefusesExistingID(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, "a1")
	seedAgent(t, s, "a2")
	e := NewEngine(s)
	ctx := context.Background()

	snap, _ := e.Snapshot(ctx, "a1", "")
	if _, err := e.Fork(ctx, "a1", snap.ID, "a2"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestForkLatestSnapshotByDefault(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, "a1")
	e := NewEngine(s)
	ctx := context.Background()

	if _, err := e.Snapshot(ctx, "a1", "first"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	msgs, _ := s.LoadMessages(ctx, "a1")
	msgs = append(msgs, userMsg("a1", "more", int64(len(msgs))))
	s.SaveMessages(ctx, "a1", msgs)
	second, err := e.Snapshot(ctx, "a1", "second")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	info, err := e.Fork(ctx, "a1", "", "")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child, _ := s.LoadMessages(ctx, info.AgentID)
	if int64(len(child)) != second.SFPIndex+1 {
		t.Fatalf("expected fork from the latest snapshot (%d messages), got %d", second.SFPIndex+1, len(child))
	}
}
