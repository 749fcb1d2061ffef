// Package dispatcher implements the ToolDispatcher: it takes the tool
// calls a model turn requested, gates each one through permission and
// hook checks, runs it with bounded concurrency (mutating calls
// serialized with each other, read-only calls allowed to run
// concurrently with each other and with a mutating call), and writes results back to history in
// the same order the model requested them.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/kernel/internal/hooks"
	"github.com/agentcore/kernel/internal/infra"
	"github.com/agentcore/kernel/internal/permission"
	"github.com/agentcore/kernel/pkg/models"
)

// Executor runs one tool call and returns its outcome. Implementations
// are expected to classify failures into the ErrorType taxonomy rather
// than letting the dispatcher guess.
type Executor interface {
	Execute(ctx context.Context, toolName string, input json.RawMessage) (models.ToolResultPayload, error)
}

// ToolCallStore is the narrow persistence slice the dispatcher needs.
type ToolCallStore interface {
	SaveToolCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error
	LoadToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error)
}

// Emitter is the narrow slice of eventbus.Bus the dispatcher needs.
type Emitter interface {
	EmitProgress(agentID string, eventType models.EventType, data map[string]any)
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// Config tunes dispatcher concurrency.
type Config struct {
	MaxConcurrentReadonly int64         // default 4
	ApprovalTimeout       time.Duration // default 0 (no timeout)
}

// Dispatcher coordinates a batch of tool calls for one model turn.
type Dispatcher struct {
	cfg        Config
	permission *permission.Manager
	hooks      *hooks.Manager
	store      ToolCallStore
	emitter    Emitter
	executor   Executor

	mutating *infra.Semaphore // capacity 1: mutating calls never overlap each other (readonly calls use their own semaphore)
	readonly *infra.Semaphore

	persistMu sync.Mutex // serializes mid-flight record upserts for one store
}

// New constructs a Dispatcher.
func New(cfg Config, perm *permission.Manager, hookMgr *hooks.Manager, store ToolCallStore, emitter Emitter, executor Executor) *Dispatcher {
	if cfg.MaxConcurrentReadonly <= 0 {
		cfg.MaxConcurrentReadonly = 4
	}
	return &Dispatcher{
		cfg:        cfg,
		permission: perm,
		hooks:      hookMgr,
		store:      store,
		emitter:    emitter,
		executor:   executor,
		mutating:   infra.NewSemaphore(1),
		readonly:   infra.NewSemaphore(cfg.MaxConcurrentReadonly),
	}
}

// DispatchBatch runs every call in calls (order as requested by the
// model), respecting mutating/read-only concurrency rules, and returns
// each call's final ToolCallRecord with its Result populated, in the
// SAME order as the input slice. Ordered writeback means the model's
// next turn sees tool_result blocks lined up with their tool_use ids
// regardless of what order execution actually finished in.
func (d *Dispatcher) DispatchBatch(ctx context.Context, agentID string, calls []models.ToolCallRecord) ([]models.ToolCallRecord, error) {
	results := make([]models.ToolCallRecord, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCallRecord) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, agentID, call)
		}(i, call)
	}
	wg.Wait()

	if d.store != nil {
		if err := d.upsertCalls(ctx, agentID, results); err != nil {
			return results, err
		}
	}
	return results, nil
}

// upsertCalls merges records into the agent's persisted table by id, so
// mid-flight writes from persistCall are updated rather than duplicated.
func (d *Dispatcher) upsertCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	existing, err := d.store.LoadToolCalls(ctx, agentID)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(existing))
	for i, r := range existing {
		index[r.ID] = i
	}
	for _, r := range records {
		if i, ok := index[r.ID]; ok {
			existing[i] = r
		} else {
			existing = append(existing, r)
			index[r.ID] = len(existing) - 1
		}
	}
	return d.store.SaveToolCalls(ctx, agentID, existing)
}

// persistCall writes one record's current state through to the store,
// best-effort: a persistence failure here must not fail the call, since
// the terminal upsert in DispatchBatch will retry the write.
func (d *Dispatcher) persistCall(ctx context.Context, agentID string, call models.ToolCallRecord) {
	if d.store == nil {
		return
	}
	_ = d.upsertCalls(ctx, agentID, []models.ToolCallRecord{call})
}

func (d *Dispatcher) dispatchOne(ctx context.Context, agentID string, call models.ToolCallRecord) models.ToolCallRecord {
	asked := false
	outcome, reason := d.permission.Evaluate(call.ToolName)
	switch outcome {
	case permission.OutcomeDeny:
		call.Transition(models.ToolCallDenied, reason)
		call.Result = &models.ToolResultPayload{OK: false, Error: reason, ErrorType: models.ErrorValidation}
		d.emitProgress(agentID, models.EventToolError, call, reason)
		return call

	case permission.OutcomeAsk:
		asked = true
		var approved bool
		call, approved = d.awaitApproval(ctx, agentID, call)
		if !approved {
			return call
		}

	case permission.OutcomeAllow:
		call.Transition(models.ToolCallApproved, "")
	}

	if verdict := d.hooks.RunPreToolUse(ctx, agentID, call); verdict.Kind != hooks.ToolContinue {
		switch verdict.Kind {
		case hooks.ToolDeny:
			call.Transition(models.ToolCallDenied, verdict.Reason)
			call.Result = &models.ToolResultPayload{OK: false, Error: verdict.Reason, ErrorType: models.ErrorValidation}
			d.emitProgress(agentID, models.EventToolError, call, verdict.Reason)
			return call

		case hooks.ToolAsk:
			// The hook forces an approval round the policy did not require.
			// An already-asked call has its decision; don't ask twice.
			if !asked {
				var approved bool
				call, approved = d.awaitApproval(ctx, agentID, call)
				if !approved {
					return call
				}
			}

		case hooks.ToolShortCircuit:
			// Synthetic outcome, no real execution: terminal state follows
			// the result's ok flag, and the side-effect-free path skips
			// EXECUTING entirely.
			result := models.ToolResultPayload{OK: true}
			if verdict.ModifiedResult != nil {
				result = *verdict.ModifiedResult
			}
			call.Result = &result
			if result.OK {
				call.Transition(models.ToolCallCompleted, "short-circuited by hook")
				d.emitProgress(agentID, models.EventToolEnd, call, "")
			} else {
				call.Transition(models.ToolCallFailed, result.Error)
				d.emitProgress(agentID, models.EventToolError, call, result.Error)
			}
			if d.emitter != nil {
				d.emitter.EmitMonitor(agentID, models.EventToolExecuted, map[string]any{
					"call_id":         call.ID,
					"tool_name":       call.ToolName,
					"ok":              result.OK,
					"short_circuited": true,
				})
			}
			return call

		case hooks.ToolModifyInput:
			call.Input = verdict.ModifiedInput
		}
	}

	sem := d.readonly
	if !d.permission.IsReadonly(call.ToolName) {
		sem = d.mutating
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		call.Transition(models.ToolCallFailed, "concurrency acquire cancelled: "+err.Error())
		call.Result = &models.ToolResultPayload{OK: false, Error: err.Error(), ErrorType: models.ErrorAborted}
		return call
	}
	defer sem.Release(1)

	call.Transition(models.ToolCallExecuting, "")
	started := time.Now()
	call.StartedAt = &started
	// Persist before running: a crash mid-execution must find EXECUTING so
	// resume auto-seals rather than trusting an unknown side effect.
	d.persistCall(ctx, agentID, call)
	d.emitProgress(agentID, models.EventToolStart, call, "")

	result, err := d.executor.Execute(ctx, call.ToolName, call.Input)
	ended := time.Now()
	call.EndedAt = &ended

	if err != nil {
		result = classifyExecutorError(err)
	}

	if verdict := d.hooks.RunPostToolUse(ctx, agentID, call, result); verdict.ModifiedResult != nil {
		switch verdict.Kind {
		case hooks.ToolModifyResult:
			result = *verdict.ModifiedResult
		case hooks.ToolMergeResult:
			result = mergeResult(result, *verdict.ModifiedResult)
		}
	}

	call.Result = &result
	if result.OK {
		call.Transition(models.ToolCallCompleted, "")
		d.emitProgress(agentID, models.EventToolEnd, call, "")
	} else {
		call.Transition(models.ToolCallFailed, result.Error)
		d.emitProgress(agentID, models.EventToolError, call, result.Error)
	}

	if d.emitter != nil {
		d.emitter.EmitMonitor(agentID, models.EventToolExecuted, map[string]any{
			"call_id":     call.ID,
			"tool_name":   call.ToolName,
			"ok":          result.OK,
			"duration":    ended.Sub(started).String(),
			"duration_ms": ended.Sub(started).Milliseconds(),
		})
	}
	return call
}

// awaitApproval transitions the call to APPROVAL_REQUIRED, persists it,
// emits permission_required, and suspends until a decision (or the
// approval timeout) arrives. The second return is false when the call
// ended in DENIED and must not execute.
func (d *Dispatcher) awaitApproval(ctx context.Context, agentID string, call models.ToolCallRecord) (models.ToolCallRecord, bool) {
	call.Transition(models.ToolCallApprovalRequired, "")
	call.Approval.Required = true
	now := time.Now()
	call.Approval.RequestedAt = &now
	// Persist before suspending: a crash while waiting must find the
	// record in APPROVAL_REQUIRED so resume can apply the strategy rule.
	d.persistCall(ctx, agentID, call)
	ch := d.permission.RequestApproval(agentID, call.ID, call.ToolName, call.Input)

	decideCtx := ctx
	var cancel context.CancelFunc
	if d.cfg.ApprovalTimeout > 0 {
		decideCtx, cancel = context.WithTimeout(ctx, d.cfg.ApprovalTimeout)
		defer cancel()
	}

	select {
	case dec := <-ch:
		decidedAt := time.Now()
		call.Approval.Decision = dec.Decision
		call.Approval.Note = dec.Note
		call.Approval.DecidedAt = &decidedAt
		if dec.Decision != models.ApprovalDecisionAllow {
			reason := "denied by approver"
			if dec.Note != "" {
				reason += ": " + dec.Note
			}
			call.Transition(models.ToolCallDenied, reason)
			call.Result = &models.ToolResultPayload{OK: false, Error: reason, ErrorType: models.ErrorValidation}
			d.emitProgress(agentID, models.EventToolError, call, reason)
			return call, false
		}
		call.Transition(models.ToolCallApproved, "")
		return call, true

	case <-decideCtx.Done():
		call.Transition(models.ToolCallDenied, "approval timed out or context cancelled")
		call.Result = &models.ToolResultPayload{OK: false, Error: "approval timed out", ErrorType: models.ErrorAborted}
		d.emitProgress(agentID, models.EventToolError, call, "approval timed out")
		return call, false
	}
}

// mergeResult overlays the partial update's non-zero fields onto base.
// The ok flag is untouched: a partial update annotates an outcome, it
// does not flip it. Hooks that need to change success/failure use
// ToolModifyResult and replace the whole payload.
func mergeResult(base, update models.ToolResultPayload) models.ToolResultPayload {
	out := base
	if update.Content != "" {
		out.Content = update.Content
	}
	if update.Error != "" {
		out.Error = update.Error
	}
	if update.ErrorType != "" {
		out.ErrorType = update.ErrorType
		out.Retryable = update.ErrorType.Retryable()
	}
	if len(update.Recommendations) > 0 {
		out.Recommendations = update.Recommendations
	}
	return out
}

func (d *Dispatcher) emitProgress(agentID string, eventType models.EventType, call models.ToolCallRecord, reason string) {
	if d.emitter == nil {
		return
	}
	data := map[string]any{"call_id": call.ID, "tool_name": call.ToolName}
	if reason != "" {
		data["reason"] = reason
	}
	d.emitter.EmitProgress(agentID, eventType, data)
}

// classifyExecutorError maps an unclassified executor error to the
// "exception" bucket: uncaught but retryable, since the dispatcher has
// no further information about whether the failure is transient.
func classifyExecutorError(err error) models.ToolResultPayload {
	return models.ToolResultPayload{
		OK:        false,
		Error:     fmt.Sprintf("tool execution error: %v", err),
		ErrorType: models.ErrorException,
		Retryable: models.ErrorException.Retryable(),
	}
}
