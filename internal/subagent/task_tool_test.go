package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentcore/kernel/internal/agent"
	"github.com/agentcore/kernel/pkg/models"
)

type fakeSpawner struct {
	calls   int
	lastTpl string
	result  string
	err     error
}

func (f *fakeSpawner) SpawnChild(ctx context.Context, parentID, templateID, prompt string, inherit bool) (string, string, error) {
	f.calls++
	f.lastTpl = templateID
	if f.err != nil {
		return "", "", f.err
	}
	return f.result, "child-1", nil
}

func exec(t *testing.T, tool *TaskTool, input string) (models.ToolResultPayload, error) {
	t.Helper()
	return tool.Exec(context.Background(), json.RawMessage(input), &agent.ToolContext{AgentID: "parent"})
}

func TestExecSpawnsAllowedTemplate(t *testing.T) {
	sp := &fakeSpawner{result: "done: 42"}
	tool := NewTaskTool(Config{Templates: []string{"researcher"}, Depth: 2}, sp, func(ctx context.Context, id string) (int, error) { return 0, nil })

	out, err := exec(t, tool, `{"template":"researcher","prompt":"count things"}`)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !out.OK || out.Content != "done: 42" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if sp.calls != 1 || sp.lastTpl != "researcher" {
		t.Fatalf("spawner not invoked as expected: %+v", sp)
	}
}

func TestExecRejectsUnknownTemplate(t *testing.T) {
	sp := &fakeSpawner{}
	tool := NewTaskTool(Config{Templates: []string{"researcher"}}, sp, nil)

	out, err := exec(t, tool, `{"template":"hacker","prompt":"do bad things"}`)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorValidation {
		t.Fatalf("expected validation failure, got %+v", out)
	}
	if sp.calls != 0 {
		t.Fatal("spawner must not run for a disallowed template")
	}
}

func TestExecEnforcesDepthLimit(t *testing.T) {
	sp := &fakeSpawner{}
	tool := NewTaskTool(Config{Depth: 1}, sp, func(ctx context.Context, id string) (int, error) { return 1, nil })

	out, err := exec(t, tool, `{"template":"any","prompt":"nest deeper"}`)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorValidation {
		t.Fatalf("expected depth rejection, got %+v", out)
	}
	if sp.calls != 0 {
		t.Fatal("spawner must not run past the depth limit")
	}
}

func TestExecEmptyAllowlistAllowsAny(t *testing.T) {
	sp := &fakeSpawner{result: "ok"}
	tool := NewTaskTool(Config{Depth: 3}, sp, nil)

	out, err := exec(t, tool, `{"template":"whatever","prompt":"go"}`)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected success, got %+v", out)
	}
}

func TestExecSpawnerErrorPropagates(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("pool full")}
	tool := NewTaskTool(Config{Depth: 3}, sp, nil)

	if _, err := exec(t, tool, `{"template":"t","prompt":"p"}`); err == nil {
		t.Fatal("expected spawn error to propagate for runtime classification")
	}
}

func TestExecEmitsCustomEvent(t *testing.T) {
	sp := &fakeSpawner{result: "ok"}
	tool := NewTaskTool(Config{Depth: 3}, sp, nil)

	var emitted []string
	tc := &agent.ToolContext{
		AgentID: "parent",
		Emit: func(eventType string, data map[string]any) {
			emitted = append(emitted, eventType)
		},
	}
	if _, err := tool.Exec(context.Background(), json.RawMessage(`{"template":"t","prompt":"p"}`), tc); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != "subagent_completed" {
		t.Fatalf("expected one subagent_completed custom event, got %v", emitted)
	}
}
