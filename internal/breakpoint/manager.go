// Package breakpoint implements the persisted eight-state execution
// phase indicator (models.Breakpoint) and the crash-resume reconciliation
// it exists to support: a resumed agent must either find itself at a
// legitimate resting point, auto-seal an in-flight tool call, or restart
// an interrupted model call, before the main loop may proceed.
package breakpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentcore/kernel/pkg/models"
)

// InfoStore is the narrow slice of store.Store the manager needs to
// write the breakpoint through to durable agent metadata.
type InfoStore interface {
	LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, error)
	SaveInfo(ctx context.Context, info models.AgentInfo) error
}

// ToolCallStore is the narrow slice needed to seal in-flight tool calls
// on crash-resume.
type ToolCallStore interface {
	LoadToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error)
	SaveToolCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error
}

// Emitter is the narrow slice of eventbus.Bus the manager needs.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// Manager tracks and persists the current breakpoint per agent and
// reconciles crash-open state on resume.
type Manager struct {
	info      InfoStore
	toolCalls ToolCallStore
	emitter   Emitter

	mu      sync.Mutex
	current map[string]models.Breakpoint
}

// NewManager constructs a Manager backed by info and toolCalls for
// persistence and emitter for breakpoint_changed notifications.
func NewManager(info InfoStore, toolCalls ToolCallStore, emitter Emitter) *Manager {
	return &Manager{info: info, toolCalls: toolCalls, emitter: emitter, current: make(map[string]models.Breakpoint)}
}

// Current returns the in-memory breakpoint for agentID, defaulting to
// READY if never set.
func (m *Manager) Current(agentID string) models.Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bp, ok := m.current[agentID]; ok {
		return bp
	}
	return models.BreakpointReady
}

// Transition sets the breakpoint for agentID, writes it through to
// durable agent metadata, and emits breakpoint_changed.
func (m *Manager) Transition(ctx context.Context, agentID string, next models.Breakpoint) error {
	m.mu.Lock()
	prev := m.current[agentID]
	m.current[agentID] = next
	m.mu.Unlock()

	info, err := m.info.LoadInfo(ctx, agentID)
	if err != nil {
		info = models.AgentInfo{AgentID: agentID}
	}
	info.Breakpoint = next
	if err := m.info.SaveInfo(ctx, info); err != nil {
		return fmt.Errorf("breakpoint: persist transition for %s: %w", agentID, err)
	}

	if m.emitter != nil {
		m.emitter.EmitMonitor(agentID, models.EventBreakpointChanged, map[string]any{
			"from": string(prev),
			"to":   string(next),
		})
	}
	return nil
}

// ReconcileResult reports what ResolveCrashOpen did on resume.
type ReconcileResult struct {
	StartingBreakpoint models.Breakpoint
	SealedToolCallIDs  []string
	SealedRecords      []models.ToolCallRecord
	RestartModelCall   bool
}

// ResolveCrashOpen inspects the agent's persisted breakpoint at process
// start and reconciles it before the main loop resumes:
//
//   - READY / AWAITING_APPROVAL: nothing to do, these are legitimate
//     resting points.
//   - TOOL_PENDING / PRE_TOOL / TOOL_EXECUTING / POST_TOOL: any tool
//     call record still in a non-terminal state is sealed (marked
//     SEALED with an audit note), since the process cannot know
//     whether the underlying side effect completed; the breakpoint is
//     then reset to READY so the loop re-evaluates from scratch.
//   - PRE_MODEL / STREAMING_MODEL: no tool call was in flight, only the
//     model call itself; the breakpoint resets to READY and the caller
//     is told to restart the model call.
func (m *Manager) ResolveCrashOpen(ctx context.Context, agentID string) (ReconcileResult, error) {
	info, err := m.info.LoadInfo(ctx, agentID)
	if err != nil {
		return ReconcileResult{}, err
	}
	bp := info.Breakpoint
	if bp == "" {
		bp = models.BreakpointReady
	}

	result := ReconcileResult{StartingBreakpoint: bp}

	if bp.IsLegitimateRestingPoint() {
		m.mu.Lock()
		m.current[agentID] = bp
		m.mu.Unlock()
		return result, nil
	}

	if bp.RequiresAutoSeal() {
		sealed, err := m.sealInFlightToolCalls(ctx, agentID)
		if err != nil {
			return result, err
		}
		result.SealedRecords = sealed
		for _, r := range sealed {
			result.SealedToolCallIDs = append(result.SealedToolCallIDs, r.ID)
		}
	} else {
		result.RestartModelCall = true
	}

	if err := m.Transition(ctx, agentID, models.BreakpointReady); err != nil {
		return result, err
	}
	return result, nil
}

func (m *Manager) sealInFlightToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	records, err := m.toolCalls.LoadToolCalls(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var sealed []models.ToolCallRecord
	for i, rec := range records {
		if rec.State.IsTerminal() {
			continue
		}
		note := sealNote(rec.State)
		records[i].Transition(models.ToolCallSealed, note)
		records[i].Result = &models.ToolResultPayload{
			OK:        false,
			Error:     note,
			ErrorType: models.ErrorAborted,
		}
		sealed = append(sealed, records[i])
	}
	if len(sealed) > 0 {
		if err := m.toolCalls.SaveToolCalls(ctx, agentID, records); err != nil {
			return nil, err
		}
	}
	return sealed, nil
}

// sealNote is the synthetic error text the model sees for a call sealed
// at a given pre-terminal state. The EXECUTING text warns explicitly
// about side effects, since the process cannot know how far the tool got.
func sealNote(state models.ToolCallState) string {
	switch state {
	case models.ToolCallPending:
		return "auto-sealed: crash before execution"
	case models.ToolCallApprovalRequired:
		return "auto-sealed: approval lost"
	case models.ToolCallApproved:
		return "auto-sealed: approved but unexecuted"
	case models.ToolCallExecuting:
		return "auto-sealed: execution interrupted, check for side effects"
	default:
		return "auto-sealed on crash-resume: execution state unknown"
	}
}
