// Package loop implements the AgentLoop: the per-agent cooperative state
// machine that drives one turn from READY through the model call and any
// resulting tool calls back to READY, threading every step through the
// BreakpointManager so a crash mid-turn leaves a reconcilable trail.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentcore/kernel/internal/breakpoint"
	kernelcontext "github.com/agentcore/kernel/internal/context"
	"github.com/agentcore/kernel/internal/dispatcher"
	"github.com/agentcore/kernel/internal/hooks"
	"github.com/agentcore/kernel/internal/permission"
	"github.com/agentcore/kernel/internal/provider"
	"github.com/agentcore/kernel/pkg/models"
)

// ErrMaxIterations is returned when a turn exhausts its iteration budget
// without reaching a tool-call-free assistant response.
var ErrMaxIterations = errors.New("loop: reached max iterations without a final response")

// ErrNoProvider is returned when a Loop has no ModelProvider configured.
var ErrNoProvider = errors.New("loop: no model provider configured")

// ToolDefinition is a tool offered to the model, carrying both the JSON
// schema the provider adapter needs and the extra prose ContextManager's
// tool manual includes for it.
type ToolDefinition struct {
	Name         string
	Description  string
	Schema       json.RawMessage
	ManualPrompt string
}

// MessageStore is the narrow persistence slice the loop needs for history.
type MessageStore interface {
	SaveMessages(ctx context.Context, agentID string, messages []models.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]models.Message, error)
}

// InfoStore is the narrow persistence slice the loop needs for agent metadata.
type InfoStore interface {
	LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, error)
	SaveInfo(ctx context.Context, info models.AgentInfo) error
}

// Emitter is the narrow slice of eventbus.Bus the loop needs.
type Emitter interface {
	EmitProgress(agentID string, eventType models.EventType, data map[string]any)
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// Config tunes one Loop's turn limits and model selection.
type Config struct {
	MaxIterations        int // default 10
	MaxToolCalls         int // 0 = unlimited
	MaxWallTime          time.Duration
	Model                string
	MaxTokens            int
	SystemPromptTemplate string
}

func sanitize(cfg Config) Config {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	return cfg
}

// Loop ties ContextManager, a ModelProvider, the ToolDispatcher,
// PermissionManager, HookManager, and BreakpointManager together into one
// turn-driving state machine for a single agent.
type Loop struct {
	cfg Config

	provider    provider.ModelProvider
	dispatcher  *dispatcher.Dispatcher
	permission  *permission.Manager
	hooks       *hooks.Manager
	breakpoints *breakpoint.Manager
	contextMgr  *kernelcontext.Manager

	messages MessageStore
	info     InfoStore
	emitter  Emitter

	tools []ToolDefinition
}

// New constructs a Loop from its collaborators.
func New(
	cfg Config,
	p provider.ModelProvider,
	d *dispatcher.Dispatcher,
	perm *permission.Manager,
	hookMgr *hooks.Manager,
	bp *breakpoint.Manager,
	ctxMgr *kernelcontext.Manager,
	messages MessageStore,
	info InfoStore,
	emitter Emitter,
	tools []ToolDefinition,
) *Loop {
	return &Loop{
		cfg:         sanitize(cfg),
		provider:    p,
		dispatcher:  d,
		permission:  perm,
		hooks:       hookMgr,
		breakpoints: bp,
		contextMgr:  ctxMgr,
		messages:    messages,
		info:        info,
		emitter:     emitter,
		tools:       tools,
	}
}

// Send appends userMsg to agentID's history and drives the loop forward:
// model call, optional tool dispatch, repeat, until the model's turn has
// no further tool_use blocks, the turn is interrupted, or a limit is hit.
// On return the agent is parked at BreakpointReady (success or recoverable
// limit) or whatever breakpoint the failure occurred at (caller decides
// whether to surface it as an error to the embedder).
func (l *Loop) Send(ctx context.Context, agentID string, userMsg models.Message) error {
	if l.provider == nil {
		return ErrNoProvider
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.cfg.MaxWallTime)
		defer cancel()
	}

	history, err := l.messages.LoadMessages(runCtx, agentID)
	if err != nil {
		return fmt.Errorf("loop: load history: %w", err)
	}

	userMsg.AgentID = agentID
	userMsg.Sequence = int64(len(history))
	if userMsg.CreatedAt.IsZero() {
		userMsg.CreatedAt = time.Now()
	}
	history = append(history, userMsg)
	if err := l.messages.SaveMessages(runCtx, agentID, history); err != nil {
		return fmt.Errorf("loop: persist inbound message: %w", err)
	}

	totalToolCalls := 0

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		default:
		}

		assistantMsg, err := l.modelTurn(runCtx, agentID, history)
		if err != nil {
			return err
		}

		assistantMsg.Sequence = int64(len(history))
		history = append(history, assistantMsg)
		if err := l.messages.SaveMessages(runCtx, agentID, history); err != nil {
			return fmt.Errorf("loop: persist assistant message: %w", err)
		}

		if !assistantMsg.HasToolUse() {
			return l.setBreakpoint(runCtx, agentID, models.BreakpointReady)
		}

		calls := toolCallRecords(agentID, assistantMsg)
		if l.cfg.MaxToolCalls > 0 && totalToolCalls+len(calls) > l.cfg.MaxToolCalls {
			return fmt.Errorf("loop: tool calls exceed maximum of %d for this turn", l.cfg.MaxToolCalls)
		}
		totalToolCalls += len(calls)

		if err := l.setBreakpoint(runCtx, agentID, l.breakpointForDispatch(calls)); err != nil {
			return err
		}

		results, err := l.dispatcher.DispatchBatch(runCtx, agentID, calls)
		if err != nil {
			return fmt.Errorf("loop: tool dispatch: %w", err)
		}

		if err := l.setBreakpoint(runCtx, agentID, models.BreakpointPostTool); err != nil {
			return err
		}

		resultMsg := toolResultMessage(agentID, len(history), results)
		history = append(history, resultMsg)
		if err := l.messages.SaveMessages(runCtx, agentID, history); err != nil {
			return fmt.Errorf("loop: persist tool results: %w", err)
		}
	}

	l.setBreakpoint(runCtx, agentID, models.BreakpointReady)
	return ErrMaxIterations
}

// breakpointForDispatch reports AWAITING_APPROVAL when any call in the
// batch is known up front to require approval, since the loop will then
// block on a human decision rather than on tool execution.
func (l *Loop) breakpointForDispatch(calls []models.ToolCallRecord) models.Breakpoint {
	if l.permission == nil {
		return models.BreakpointToolPending
	}
	for _, c := range calls {
		if outcome, _ := l.permission.Evaluate(c.ToolName); outcome == permission.OutcomeAsk {
			return models.BreakpointAwaitingApproval
		}
	}
	return models.BreakpointToolPending
}

func (l *Loop) setBreakpoint(ctx context.Context, agentID string, bp models.Breakpoint) error {
	if l.breakpoints == nil {
		return nil
	}
	return l.breakpoints.Transition(ctx, agentID, bp)
}

// modelTurn assembles the outgoing context, runs PreModel hooks, streams
// one completion, accumulates it into a message, and runs PostModel hooks.
func (l *Loop) modelTurn(ctx context.Context, agentID string, history []models.Message) (models.Message, error) {
	if err := l.setBreakpoint(ctx, agentID, models.BreakpointPreModel); err != nil {
		return models.Message{}, err
	}

	outgoing := history
	system := ""
	if l.contextMgr != nil {
		manual := make([]kernelcontext.ToolManualEntry, 0, len(l.tools))
		for _, t := range l.tools {
			manual = append(manual, kernelcontext.ToolManualEntry{Name: t.Name, Description: t.Description, Prompt: t.ManualPrompt})
		}
		system = l.contextMgr.AssembleSystemPrompt(agentID, l.cfg.SystemPromptTemplate, manual)

		compressed := l.contextMgr.Compress(agentID, outgoing, nil)
		outgoing = compressed.Messages
		outgoing = l.contextMgr.ApplyMultimodalRetention(outgoing, nil)
		outgoing = l.contextMgr.ApplyReasoningTransport(outgoing)
	}

	if l.hooks != nil {
		if verdict := l.hooks.RunPreModel(ctx, agentID, outgoing); verdict.Kind != hooks.ModelContinue {
			switch verdict.Kind {
			case hooks.ModelBlock:
				return models.Message{}, fmt.Errorf("loop: blocked by pre-model hook: %s", verdict.Reason)
			case hooks.ModelReplace:
				outgoing = verdict.Messages
			}
		}
	}

	req := provider.CompletionRequest{
		Model:     l.cfg.Model,
		System:    system,
		Messages:  outgoing,
		Tools:     toolSpecs(l.tools),
		MaxTokens: l.cfg.MaxTokens,
	}

	if err := l.setBreakpoint(ctx, agentID, models.BreakpointStreamingModel); err != nil {
		return models.Message{}, err
	}

	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return models.Message{}, fmt.Errorf("loop: model completion: %w", err)
	}

	l.emitProgress(agentID, models.EventTextChunkStart, nil)
	acc := provider.NewAccumulator()
	var streamErr error
	for chunk := range chunks {
		switch chunk.Kind {
		case provider.ChunkTextDelta:
			l.emitProgress(agentID, models.EventTextChunk, map[string]any{"delta": chunk.TextDelta})
		case provider.ChunkReasoningDelta:
			l.emitProgress(agentID, models.EventThinkChunk, map[string]any{"delta": chunk.ReasoningDelta})
		case provider.ChunkError:
			streamErr = chunk.Err
		}
		acc.Add(chunk)
	}
	l.emitProgress(agentID, models.EventTextChunkEnd, nil)
	if streamErr != nil {
		return models.Message{}, fmt.Errorf("loop: model stream error: %w", streamErr)
	}

	assistantMsg := acc.Message(agentID, time.Now())

	if l.hooks != nil {
		if verdict := l.hooks.RunPostModel(ctx, agentID, assistantMsg); verdict.Kind != hooks.ModelContinue {
			switch verdict.Kind {
			case hooks.ModelBlock:
				return models.Message{}, fmt.Errorf("loop: blocked by post-model hook: %s", verdict.Reason)
			case hooks.ModelReplace:
				if len(verdict.Messages) > 0 {
					assistantMsg = verdict.Messages[len(verdict.Messages)-1]
				}
			}
		}
	}

	if usage := acc.Usage(); usage != nil && l.emitter != nil {
		l.emitter.EmitMonitor(agentID, models.EventTokenUsage, map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		})
	}

	return assistantMsg, nil
}

func (l *Loop) emitProgress(agentID string, eventType models.EventType, data map[string]any) {
	if l.emitter == nil {
		return
	}
	l.emitter.EmitProgress(agentID, eventType, data)
}

// toolCallRecords builds one pending ToolCallRecord per tool_use block in
// msg, in the order the model requested them.
func toolCallRecords(agentID string, msg models.Message) []models.ToolCallRecord {
	var calls []models.ToolCallRecord
	for _, b := range msg.Content {
		if b.Type != models.BlockToolUse {
			continue
		}
		record := models.ToolCallRecord{
			ID:       b.ToolUseID,
			AgentID:  agentID,
			ToolName: b.ToolName,
			Input:    b.Input,
			State:    models.ToolCallPending,
		}
		record.Transition(models.ToolCallPending, "")
		calls = append(calls, record)
	}
	return calls
}

// toolResultMessage packages dispatched results as a single user-role
// message carrying one tool_result block per call, mirroring how
// Anthropic/OpenAI both expect tool outputs threaded back into history.
func toolResultMessage(agentID string, sequence int, results []models.ToolCallRecord) models.Message {
	blocks := make([]models.ContentBlock, 0, len(results))
	for _, r := range results {
		block := models.ContentBlock{
			Type:            models.BlockToolResult,
			ToolResultForID: r.ID,
		}
		if r.Result != nil {
			block.Output = r.Result.Content
			block.IsError = !r.Result.OK
			if !r.Result.OK && block.Output == "" {
				block.Output = r.Result.Error
			}
		}
		blocks = append(blocks, block)
	}
	return models.Message{
		AgentID:   agentID,
		Role:      models.RoleUser,
		Content:   blocks,
		CreatedAt: time.Now(),
		Sequence:  int64(sequence),
	}
}

func toolSpecs(tools []ToolDefinition) []provider.ToolSpec {
	specs := make([]provider.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = provider.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema}
	}
	return specs
}
