package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentcore/kernel/internal/loop"
	"github.com/agentcore/kernel/pkg/models"
)

// ErrUnknownTool is returned when the model requests a tool no one
// registered.
var ErrUnknownTool = errors.New("agent: unknown tool")

// Emitter is the narrow slice of eventbus.Bus the registry needs for
// tool_custom_event.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

type registeredTool struct {
	tool      Tool
	validator *jsonschema.Schema
}

// Registry holds the tools offered to one agent and executes them on
// behalf of the dispatcher: schema validation, tool-level timeout, and
// failure classification into the 5-way taxonomy all happen here so
// every tool gets them uniformly.
type Registry struct {
	agentID string
	sandbox Sandbox
	emitter Emitter

	mu              sync.RWMutex
	tools           map[string]registeredTool
	recommendations map[string][]string
}

// NewRegistry constructs an empty Registry for agentID.
func NewRegistry(agentID string, sandbox Sandbox, emitter Emitter) *Registry {
	return &Registry{
		agentID:         agentID,
		sandbox:         sandbox,
		emitter:         emitter,
		tools:           make(map[string]registeredTool),
		recommendations: make(map[string][]string),
	}
}

// Register adds t, compiling its schema for input validation. A tool
// with a malformed schema is rejected at registration, not at call time.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("agent: tool has no name")
	}

	var validator *jsonschema.Schema
	if schema := t.Schema(); len(schema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(schema)); err != nil {
			return fmt.Errorf("agent: tool %s schema: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("agent: tool %s schema: %w", name, err)
		}
		validator = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{tool: t, validator: validator}
	return nil
}

// RegisterRecommendations sets the advice strings attached to every
// failed result for toolName, per the per-tool-name lookup the failure
// payload exposes to the model.
func (r *Registry) RegisterRecommendations(toolName string, recs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recommendations[toolName] = append([]string(nil), recs...)
}

// Tools returns the registered tools; the order of the result is not defined.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool)
	}
	return out
}

// Get returns the registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Definitions converts the registry into the loop's tool-definition
// slice (schema for the provider, prompt for the manual).
func (r *Registry) Definitions() []loop.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]loop.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, loop.ToolDefinition{
			Name:         rt.tool.Name(),
			Description:  rt.tool.Description(),
			Schema:       rt.tool.Schema(),
			ManualPrompt: rt.tool.Attributes().Prompt,
		})
	}
	return defs
}

// Execute satisfies dispatcher.Executor. Validation failures are
// classified `validation`, timeouts and cancellations `aborted`,
// ok:false results `logical`, error returns `runtime`, and panics
// `exception`; each failed payload carries the tool's recommendations.
func (r *Registry) Execute(ctx context.Context, toolName string, input json.RawMessage) (result models.ToolResultPayload, err error) {
	r.mu.RLock()
	rt, ok := r.tools[toolName]
	recs := r.recommendations[toolName]
	r.mu.RUnlock()
	if !ok {
		return r.failure(toolName, recs, fmt.Sprintf("no tool named %q is registered", toolName), models.ErrorValidation), nil
	}

	if rt.validator != nil {
		var doc any
		if len(input) == 0 {
			doc = map[string]any{}
		} else if err := json.Unmarshal(input, &doc); err != nil {
			return r.failure(toolName, recs, "input is not valid JSON: "+err.Error(), models.ErrorValidation), nil
		}
		if err := rt.validator.Validate(doc); err != nil {
			return r.failure(toolName, recs, "input rejected by schema: "+err.Error(), models.ErrorValidation), nil
		}
	}

	execCtx := ctx
	if timeout := rt.tool.Attributes().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tc := &ToolContext{
		AgentID: r.agentID,
		Sandbox: r.sandbox,
		Emit: func(eventType string, data map[string]any) {
			if r.emitter == nil {
				return
			}
			payload := map[string]any{"tool": toolName, "event": eventType}
			for k, v := range data {
				payload[k] = v
			}
			r.emitter.EmitMonitor(r.agentID, models.EventToolCustomEvent, payload)
		},
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = r.failure(toolName, recs, fmt.Sprintf("tool panicked: %v", rec), models.ErrorException)
			err = nil
		}
	}()

	out, execErr := rt.tool.Exec(execCtx, input, tc)
	if execErr != nil {
		errType := models.ErrorRuntime
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, context.Canceled) {
			errType = models.ErrorAborted
		}
		return r.failure(toolName, recs, execErr.Error(), errType), nil
	}

	if !out.OK {
		if out.ErrorType == "" {
			out.ErrorType = models.ErrorLogical
		}
		out.Retryable = out.ErrorType.Retryable()
		if len(out.Recommendations) == 0 {
			out.Recommendations = recs
		}
	}
	return out, nil
}

func (r *Registry) failure(toolName string, recs []string, msg string, errType models.ErrorType) models.ToolResultPayload {
	return models.ToolResultPayload{
		OK:              false,
		Error:           msg,
		ErrorType:       errType,
		Retryable:       errType.Retryable(),
		Recommendations: recs,
	}
}
