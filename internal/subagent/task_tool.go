// Package subagent implements the task_run meta-tool: a tool like any
// other whose execution happens to spawn a child agent through the pool.
// Template reachability and nesting depth are policy here, not in the
// pool, so one pool can serve agents with different subagent budgets.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentcore/kernel/internal/agent"
	"github.com/agentcore/kernel/pkg/models"
)

// Config bounds what task_run may spawn.
type Config struct {
	// Templates is the allowlist of template ids reachable via task_run.
	// Empty means any template the spawner knows.
	Templates []string
	// Depth is the maximum lineage length a spawning agent may have; an
	// agent at the limit gets a validation failure instead of a child.
	Depth int
	// InheritConfig passes the parent's stored config to the child when
	// the spawner supports it.
	InheritConfig bool
}

// Spawner creates a child agent, runs prompt through it, and returns the
// final assistant text. Implemented by the embedder over pool.Pool.
type Spawner interface {
	SpawnChild(ctx context.Context, parentID, templateID, prompt string, inheritConfig bool) (result string, childID string, err error)
}

// LineageFunc reports the spawning agent's current lineage depth.
type LineageFunc func(ctx context.Context, agentID string) (int, error)

type taskInput struct {
	Template string `json:"template"`
	Prompt   string `json:"prompt"`
}

// TaskTool is the task_run tool.
type TaskTool struct {
	cfg     Config
	spawner Spawner
	lineage LineageFunc
}

// NewTaskTool constructs the tool. lineage may be nil, disabling the
// depth check.
func NewTaskTool(cfg Config, spawner Spawner, lineage LineageFunc) *TaskTool {
	if cfg.Depth <= 0 {
		cfg.Depth = 1
	}
	return &TaskTool{cfg: cfg, spawner: spawner, lineage: lineage}
}

func (t *TaskTool) Name() string { return "task_run" }

func (t *TaskTool) Description() string {
	return "Run a task in a fresh sub-agent built from a named template and return its final answer."
}

func (t *TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "template": {"type": "string", "description": "Template id of the sub-agent to spawn"},
    "prompt": {"type": "string", "description": "The task for the sub-agent"}
  },
  "required": ["template", "prompt"],
  "additionalProperties": false
}`)
}

func (t *TaskTool) Attributes() agent.ToolAttributes {
	return agent.ToolAttributes{
		Prompt: "Use task_run for self-contained subtasks that benefit from a clean context. The sub-agent cannot see this conversation; include everything it needs in the prompt.",
	}
}

// Exec validates template and depth policy, then spawns.
func (t *TaskTool) Exec(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (models.ToolResultPayload, error) {
	var input taskInput
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ToolResultPayload{}, fmt.Errorf("task_run: decode input: %w", err)
	}

	if !t.templateAllowed(input.Template) {
		return models.ToolResultPayload{
			OK:        false,
			Error:     fmt.Sprintf("template %q is not reachable from this agent", input.Template),
			ErrorType: models.ErrorValidation,
		}, nil
	}

	if t.lineage != nil {
		depth, err := t.lineage(ctx, tc.AgentID)
		if err != nil {
			return models.ToolResultPayload{}, fmt.Errorf("task_run: read lineage: %w", err)
		}
		if depth >= t.cfg.Depth {
			return models.ToolResultPayload{
				OK:        false,
				Error:     fmt.Sprintf("subagent nesting depth %d reached (limit %d)", depth, t.cfg.Depth),
				ErrorType: models.ErrorValidation,
			}, nil
		}
	}

	result, childID, err := t.spawner.SpawnChild(ctx, tc.AgentID, input.Template, input.Prompt, t.cfg.InheritConfig)
	if err != nil {
		return models.ToolResultPayload{}, fmt.Errorf("task_run: spawn %s: %w", input.Template, err)
	}

	if tc.Emit != nil {
		tc.Emit("subagent_completed", map[string]any{"child_id": childID, "template": input.Template})
	}
	return models.ToolResultPayload{OK: true, Content: result}, nil
}

func (t *TaskTool) templateAllowed(template string) bool {
	if len(t.cfg.Templates) == 0 {
		return true
	}
	for _, allowed := range t.cfg.Templates {
		if allowed == template {
			return true
		}
	}
	return false
}

var _ agent.Tool = (*TaskTool)(nil)
