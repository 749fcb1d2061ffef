// Package hooks implements the fixed set of extension points an
// embedder can register callbacks on: preModel, postModel,
// messagesChanged, preToolUse, and postToolUse. Each point has its own
// verdict sum type rather than a shared boolean, since "deny" at
// preToolUse means something structurally different from "deny" at
// preModel (the former blocks a tool call, the latter blocks the whole
// model turn).
//
// A hook that panics is caught, reported as a monitor error with
// phase "lifecycle", and treated as if it had returned no verdict; a
// broken embedder hook degrades the feature it implements, never the
// agent.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentcore/kernel/pkg/models"
)

// ModelVerdictKind is the outcome of a preModel/postModel hook.
type ModelVerdictKind int

const (
	ModelContinue ModelVerdictKind = iota
	ModelBlock
	ModelReplace
)

// ModelVerdict is returned by PreModel/PostModel hooks.
type ModelVerdict struct {
	Kind     ModelVerdictKind
	Reason   string           // required when Kind == ModelBlock
	Messages []models.Message // used when Kind == ModelReplace
}

// ToolVerdictKind is the outcome of a preToolUse/postToolUse hook.
type ToolVerdictKind int

const (
	ToolContinue ToolVerdictKind = iota

	// ToolDeny blocks the call; a synthetic failed result carries Reason.
	ToolDeny

	// ToolAsk forces an approval round even when the permission policy
	// already decided allow.
	ToolAsk

	// ToolShortCircuit skips real execution entirely; ModifiedResult is
	// the synthetic outcome the model sees.
	ToolShortCircuit

	// ToolModifyInput rewrites the call's input before execution.
	ToolModifyInput

	// ToolModifyResult replaces the execution outcome wholesale.
	ToolModifyResult

	// ToolMergeResult merges ModifiedResult's non-zero fields into the
	// execution outcome instead of replacing it.
	ToolMergeResult
)

// ToolVerdict is returned by PreToolUse/PostToolUse hooks.
// ModifiedResult carries the payload for ToolShortCircuit,
// ToolModifyResult, and ToolMergeResult alike; Kind says how to apply it.
type ToolVerdict struct {
	Kind           ToolVerdictKind
	Reason         string                    // required when Kind == ToolDeny
	ModifiedInput  json.RawMessage           // used when Kind == ToolModifyInput
	ModifiedResult *models.ToolResultPayload // used when Kind is ToolShortCircuit/ToolModifyResult/ToolMergeResult
}

// MessagesChangedVerdict is returned by the messagesChanged hook; it
// cannot block (history has already changed by the time it fires) but
// it can request a rewritten history, e.g. to redact a secret that just
// landed in a tool result.
type MessagesChangedVerdict struct {
	Rewrite  bool
	Messages []models.Message
}

// PreModelHook runs immediately before a model call is dispatched.
type PreModelHook func(ctx context.Context, agentID string, history []models.Message) ModelVerdict

// PostModelHook runs immediately after a model call returns.
type PostModelHook func(ctx context.Context, agentID string, response models.Message) ModelVerdict

// MessagesChangedHook runs after history is mutated for any reason
// (model turn, tool result, compression, reminder injection).
type MessagesChangedHook func(ctx context.Context, agentID string, history []models.Message) MessagesChangedVerdict

// PreToolUseHook runs before a tool call is dispatched for execution.
type PreToolUseHook func(ctx context.Context, agentID string, call models.ToolCallRecord) ToolVerdict

// PostToolUseHook runs after a tool call's result is known, before it is
// written back into history.
type PostToolUseHook func(ctx context.Context, agentID string, call models.ToolCallRecord, result models.ToolResultPayload) ToolVerdict

// Emitter is the narrow slice of eventbus.Bus the manager needs to
// report a panicking hook.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// Manager holds the registered hook chain for each of the five points.
// Multiple hooks may be registered per point; they run in registration
// order, and the first non-Continue verdict short-circuits the rest.
type Manager struct {
	emitter Emitter

	preModel        []PreModelHook
	postModel       []PostModelHook
	messagesChanged []MessagesChangedHook
	preToolUse      []PreToolUseHook
	postToolUse     []PostToolUseHook
}

// NewManager constructs an empty hook chain.
func NewManager() *Manager {
	return &Manager{}
}

// SetEmitter attaches the bus panicking hooks are reported on. Without
// one, panics are still swallowed, just unreported.
func (m *Manager) SetEmitter(e Emitter) {
	m.emitter = e
}

func (m *Manager) RegisterPreModel(h PreModelHook)   { m.preModel = append(m.preModel, h) }
func (m *Manager) RegisterPostModel(h PostModelHook) { m.postModel = append(m.postModel, h) }
func (m *Manager) RegisterMessagesChanged(h MessagesChangedHook) {
	m.messagesChanged = append(m.messagesChanged, h)
}
func (m *Manager) RegisterPreToolUse(h PreToolUseHook)   { m.preToolUse = append(m.preToolUse, h) }
func (m *Manager) RegisterPostToolUse(h PostToolUseHook) { m.postToolUse = append(m.postToolUse, h) }

// guard runs one hook invocation, converting a panic into a monitor
// error with phase "lifecycle". The caller's verdict variable keeps its
// zero value (Continue) when the hook panicked.
func (m *Manager) guard(agentID, point string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if m.emitter != nil {
				m.emitter.EmitMonitor(agentID, models.EventError, map[string]any{
					"severity": "warning",
					"phase":    "lifecycle",
					"point":    point,
					"message":  fmt.Sprintf("hook panicked: %v", r),
				})
			}
		}
	}()
	fn()
}

func (m *Manager) RunPreModel(ctx context.Context, agentID string, history []models.Message) ModelVerdict {
	for _, h := range m.preModel {
		var v ModelVerdict
		m.guard(agentID, "preModel", func() { v = h(ctx, agentID, history) })
		if v.Kind != ModelContinue {
			return v
		}
	}
	return ModelVerdict{Kind: ModelContinue}
}

func (m *Manager) RunPostModel(ctx context.Context, agentID string, response models.Message) ModelVerdict {
	for _, h := range m.postModel {
		var v ModelVerdict
		m.guard(agentID, "postModel", func() { v = h(ctx, agentID, response) })
		if v.Kind != ModelContinue {
			return v
		}
	}
	return ModelVerdict{Kind: ModelContinue}
}

// RunMessagesChanged runs every registered hook in order, threading the
// (possibly rewritten) history through each successive hook, and
// returns the final history plus whether anything rewrote it.
func (m *Manager) RunMessagesChanged(ctx context.Context, agentID string, history []models.Message) ([]models.Message, bool) {
	rewritten := false
	current := history
	for _, h := range m.messagesChanged {
		var v MessagesChangedVerdict
		m.guard(agentID, "messagesChanged", func() { v = h(ctx, agentID, current) })
		if v.Rewrite {
			current = v.Messages
			rewritten = true
		}
	}
	return current, rewritten
}

func (m *Manager) RunPreToolUse(ctx context.Context, agentID string, call models.ToolCallRecord) ToolVerdict {
	for _, h := range m.preToolUse {
		var v ToolVerdict
		m.guard(agentID, "preToolUse", func() { v = h(ctx, agentID, call) })
		if v.Kind != ToolContinue {
			return v
		}
	}
	return ToolVerdict{Kind: ToolContinue}
}

func (m *Manager) RunPostToolUse(ctx context.Context, agentID string, call models.ToolCallRecord, result models.ToolResultPayload) ToolVerdict {
	for _, h := range m.postToolUse {
		var v ToolVerdict
		m.guard(agentID, "postToolUse", func() { v = h(ctx, agentID, call, result) })
		if v.Kind != ToolContinue {
			return v
		}
	}
	return ToolVerdict{Kind: ToolContinue}
}
