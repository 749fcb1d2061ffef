package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentcore/kernel/internal/breakpoint"
	kernelcontext "github.com/agentcore/kernel/internal/context"
	"github.com/agentcore/kernel/internal/dispatcher"
	"github.com/agentcore/kernel/internal/eventbus"
	"github.com/agentcore/kernel/internal/filewatcher"
	"github.com/agentcore/kernel/internal/hooks"
	"github.com/agentcore/kernel/internal/loop"
	"github.com/agentcore/kernel/internal/permission"
	"github.com/agentcore/kernel/internal/provider"
	"github.com/agentcore/kernel/internal/scheduler"
	"github.com/agentcore/kernel/internal/snapshot"
	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/internal/todo"
	"github.com/agentcore/kernel/pkg/models"
)

var (
	// ErrAgentExists is returned by Create when the id is already in the Store.
	ErrAgentExists = errors.New("agent: id already exists in store")
	// ErrAgentNotFound is returned by Resume when the id is not in the Store.
	ErrAgentNotFound = errors.New("agent: id not found in store")
	// ErrInterrupted is returned by Send when the turn was interrupted.
	ErrInterrupted = errors.New("agent: interrupted")
	// ErrBusy is returned by Send when a turn is already in flight.
	ErrBusy = errors.New("agent: a turn is already in flight")
)

// Status is the coarse runtime state reported by Status().
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusWorking Status = "WORKING"
	StatusPaused  Status = "PAUSED" // blocked on one or more approval decisions
)

// ResumeStrategy selects how lost approvals are handled on crash resume.
type ResumeStrategy string

const (
	// ResumeCrash seals approval-required calls as denied; the model is
	// told the approval was lost.
	ResumeCrash ResumeStrategy = "crash"
	// ResumeManual leaves approval-required calls pending; the embedder
	// re-decides them explicitly.
	ResumeManual ResumeStrategy = "manual"
)

// ResumeOptions tunes Resume / ResumeFromStore.
type ResumeOptions struct {
	Strategy ResumeStrategy
	AutoRun  bool
}

// Config is the per-agent configuration surface.
type Config struct {
	TemplateID      string
	TemplateVersion string

	Loop       loop.Config
	Permission permission.Config
	Context    kernelcontext.Config
	Dispatcher dispatcher.Config

	TodoEnabled bool
	Todo        todo.Config

	Resume ResumeOptions

	// Metadata is arbitrary embedder metadata stored on AgentInfo.
	Metadata map[string]any
}

// Deps carries the process-scoped collaborators an Agent is wired with.
// Store and Bus are required; the rest are optional.
type Deps struct {
	Store    store.Store
	Bus      *eventbus.Bus
	Provider provider.ModelProvider
	Hooks    *hooks.Manager
	Sandbox  Sandbox
	Tools    []Tool
	// Recommendations maps tool name to the advice strings attached to
	// its failed results.
	Recommendations map[string][]string
	Watcher         *filewatcher.Watcher
	Scheduler       *scheduler.Scheduler
	Logger          *slog.Logger
}

// Agent is one live kernel agent: a message queue, a turn loop, and the
// embedder surface wrapped around them.
type Agent struct {
	id   string
	cfg  Config
	deps Deps

	registry    *Registry
	permissions *permission.Manager
	hookMgr     *hooks.Manager
	breakpoints *breakpoint.Manager
	contextMgr  *kernelcontext.Manager
	dispatch    *dispatcher.Dispatcher
	turnLoop    *loop.Loop
	todos       *todo.Manager
	snapshots   *snapshot.Engine
	logger      *slog.Logger

	mu        sync.Mutex
	status    Status
	cancel    context.CancelFunc
	reminders []models.Message
	inbox     chan models.Message
	workerCtx context.CancelFunc
	closed    bool
}

// Create constructs a brand-new agent. It refuses ids that already exist
// in the Store.
func Create(ctx context.Context, id string, cfg Config, deps Deps) (*Agent, error) {
	exists, err := deps.Store.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agent: check existence: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	a, err := assemble(id, cfg, deps)
	if err != nil {
		return nil, err
	}

	info := models.AgentInfo{
		AgentID:         id,
		TemplateID:      cfg.TemplateID,
		TemplateVersion: cfg.TemplateVersion,
		CreatedAt:       time.Now(),
		ConfigHash:      configHash(cfg),
		Breakpoint:      models.BreakpointReady,
		Metadata:        mergeMetadata(cfg.Metadata, configMetadata(cfg)),
	}
	if err := deps.Store.SaveInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("agent: save initial info: %w", err)
	}

	a.maybeStartWorker(cfg.Resume.AutoRun)
	return a, nil
}

// Resume reconstructs a live agent from persisted state, reconciling
// whatever breakpoint the previous process crashed at.
func Resume(ctx context.Context, id string, cfg Config, deps Deps, opts ResumeOptions) (*Agent, error) {
	exists, err := deps.Store.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agent: check existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if opts.Strategy == "" {
		opts.Strategy = cfg.Resume.Strategy
	}
	if opts.Strategy == "" {
		opts.Strategy = ResumeCrash
	}

	a, err := assemble(id, cfg, deps)
	if err != nil {
		return nil, err
	}

	if err := a.reconcileCrashOpen(ctx, opts.Strategy); err != nil {
		return nil, err
	}

	a.maybeStartWorker(opts.AutoRun || cfg.Resume.AutoRun)
	return a, nil
}

// ResumeFromStore is Resume with the configuration read back from the
// agent's own metadata; overrides, when non-nil, mutates the recovered
// config before assembly.
func ResumeFromStore(ctx context.Context, id string, deps Deps, opts ResumeOptions, overrides func(*Config)) (*Agent, error) {
	info, err := deps.Store.LoadInfo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cfg, err := recoverConfig(info)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		overrides(&cfg)
	}
	return Resume(ctx, id, cfg, deps, opts)
}

func assemble(id string, cfg Config, deps Deps) (*Agent, error) {
	if deps.Store == nil {
		return nil, errors.New("agent: a Store is required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New(deps.Store)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	hookMgr := deps.Hooks
	if hookMgr == nil {
		hookMgr = hooks.NewManager()
	}
	hookMgr.SetEmitter(deps.Bus)

	a := &Agent{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		hookMgr: hookMgr,
		logger:  deps.Logger.With("agent", id),
		status:  StatusIdle,
		inbox:   make(chan models.Message, 64),
	}

	a.registry = NewRegistry(id, deps.Sandbox, deps.Bus)
	a.permissions = permission.NewManager(cfg.Permission, deps.Bus)
	for _, t := range deps.Tools {
		if err := a.registry.Register(t); err != nil {
			return nil, err
		}
		a.permissions.RegisterReadonly(t.Name(), t.Attributes().Readonly)
	}
	for name, recs := range deps.Recommendations {
		a.registry.RegisterRecommendations(name, recs)
	}

	a.breakpoints = breakpoint.NewManager(deps.Store, deps.Store, deps.Bus)
	a.contextMgr = kernelcontext.NewManager(cfg.Context, deps.Bus)
	a.contextMgr.SetAuxStore(deps.Store)
	a.dispatch = dispatcher.New(cfg.Dispatcher, a.permissions, hookMgr, deps.Store, deps.Bus, a.registry)
	a.turnLoop = loop.New(
		cfg.Loop,
		deps.Provider,
		a.dispatch,
		a.permissions,
		hookMgr,
		a.breakpoints,
		a.contextMgr,
		deps.Store,
		deps.Store,
		deps.Bus,
		a.registry.Definitions(),
	)
	a.todos = todo.NewManager(cfg.Todo, deps.Store, deps.Bus, a)
	a.snapshots = snapshot.NewEngine(deps.Store)
	return a, nil
}

// ID returns the agent's id.
func (a *Agent) ID() string { return a.id }

// Send enqueues one user message and drives the loop until the turn
// completes, returning the final assistant text.
func (a *Agent) Send(ctx context.Context, text string) (string, error) {
	msg := models.Message{
		AgentID:   a.id,
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{{Type: models.BlockText, Text: text}},
		CreatedAt: time.Now(),
	}
	if err := a.drive(ctx, msg); err != nil {
		return "", err
	}
	return a.lastAssistantText(ctx)
}

// ChatResult is the outcome of a Chat call.
type ChatResult struct {
	// Status is "ok" when the turn completed, "paused" when it is
	// suspended on one or more approval decisions.
	Status        string
	Text          string
	PermissionIDs []string
}

// Chat is Send with approval-awareness: when the turn suspends on a
// permission decision, Chat returns {status: "paused"} carrying the
// pending call ids instead of blocking. The turn keeps running in the
// background; after Decide, call Chat with an empty input to collect the
// final text. Complete is an alias.
func (a *Agent) Chat(ctx context.Context, input string) (ChatResult, error) {
	// An empty input collects the outcome of the in-flight (or just
	// finished) turn rather than starting a new one.
	if input == "" {
		return a.awaitTurn(ctx)
	}

	done := make(chan error, 1)
	go func() {
		msg := models.Message{
			AgentID:   a.id,
			Role:      models.RoleUser,
			Content:   []models.ContentBlock{{Type: models.BlockText, Text: input}},
			CreatedAt: time.Now(),
		}
		done <- a.drive(context.WithoutCancel(ctx), msg)
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return ChatResult{}, err
			}
			text, err := a.lastAssistantText(ctx)
			if err != nil {
				return ChatResult{}, err
			}
			return ChatResult{Status: "ok", Text: text}, nil
		case <-ticker.C:
			if ids := a.pendingPermissionIDs(); len(ids) > 0 {
				go func() { <-done }() // drain when the background turn finishes
				return ChatResult{Status: "paused", PermissionIDs: ids}, nil
			}
		case <-ctx.Done():
			return ChatResult{}, ctx.Err()
		}
	}
}

// Complete is an alias for Chat.
func (a *Agent) Complete(ctx context.Context, input string) (ChatResult, error) {
	return a.Chat(ctx, input)
}

func (a *Agent) awaitTurn(ctx context.Context) (ChatResult, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			idle := a.status == StatusIdle
			a.mu.Unlock()
			if idle {
				text, err := a.lastAssistantText(ctx)
				if err != nil {
					return ChatResult{}, err
				}
				return ChatResult{Status: "ok", Text: text}, nil
			}
			if ids := a.pendingPermissionIDs(); len(ids) > 0 {
				return ChatResult{Status: "paused", PermissionIDs: ids}, nil
			}
		case <-ctx.Done():
			return ChatResult{}, ctx.Err()
		}
	}
}

// Decide resolves a pending approval for this agent.
func (a *Agent) Decide(permissionID string, decision models.ApprovalDecision, note string) error {
	return a.permissions.Decide(a.id, permissionID, decision, note)
}

// Interrupt cancels the in-flight turn, if any. In-flight tool calls
// observe the cancellation and fail as aborted; already-persisted
// content is untouched.
func (a *Agent) Interrupt(note string) {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		a.logger.Info("interrupting turn", "note", note)
		cancel()
	}
}

// Status reports the coarse runtime state.
func (a *Agent) Status() Status {
	if len(a.pendingPermissionIDs()) > 0 {
		return StatusPaused
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Info returns the persisted metadata record.
func (a *Agent) Info(ctx context.Context) (models.AgentInfo, error) {
	return a.deps.Store.LoadInfo(ctx, a.id)
}

// Snapshot captures the agent's history at its most recent
// Safe-Fork-Point.
func (a *Agent) Snapshot(ctx context.Context, label string) (models.Snapshot, error) {
	return a.snapshots.Snapshot(ctx, a.id, label)
}

// Fork materializes a new agent id from one of this agent's snapshots
// (empty selector means the most recent). The returned info describes
// the child; bringing it live is the pool's job.
func (a *Agent) Fork(ctx context.Context, snapshotID string) (models.AgentInfo, error) {
	return a.snapshots.Fork(ctx, a.id, snapshotID, "")
}

// Todo surface.

func (a *Agent) GetTodos(ctx context.Context) ([]models.TodoItem, error) {
	return a.todos.GetTodos(ctx, a.id)
}

func (a *Agent) SetTodos(ctx context.Context, items []models.TodoItem) error {
	return a.todos.SetTodos(ctx, a.id, items)
}

func (a *Agent) UpdateTodo(ctx context.Context, update models.TodoUpdate) error {
	return a.todos.UpdateTodo(ctx, a.id, update)
}

func (a *Agent) DeleteTodo(ctx context.Context, id string) error {
	return a.todos.DeleteTodo(ctx, a.id, id)
}

// Subscribe returns this agent's event stream, optionally replayed from
// a bookmark.
func (a *Agent) Subscribe(ctx context.Context, channels []models.Channel, since *models.Bookmark) (*eventbus.Subscription, error) {
	return a.deps.Bus.Subscribe(ctx, a.id, channels, since)
}

// On registers handler for one event type on the control/monitor
// channels and returns an unsubscribe closure. Subscriptions are
// process-scoped; they are not persisted across restarts.
func (a *Agent) On(eventType models.EventType, handler func(models.Event)) (func(), error) {
	sub, err := a.deps.Bus.Subscribe(context.Background(), a.id, nil, nil)
	if err != nil {
		return nil, err
	}
	go func() {
		for e := range sub.Events {
			if e.Type == eventType {
				handler(e)
			}
		}
	}()
	return sub.Close, nil
}

// QueueReminder enqueues a system reminder message for the next turn and
// emits reminder_sent. Satisfies todo.ReminderSink, scheduler.ReminderSink,
// and filewatcher.ReminderSink.
func (a *Agent) QueueReminder(agentID string, msg models.Message) {
	if agentID != a.id {
		return
	}
	a.mu.Lock()
	a.reminders = append(a.reminders, msg)
	a.mu.Unlock()
	a.deps.Bus.EmitMonitor(a.id, models.EventReminderSent, map[string]any{
		"tag": msg.Metadata[models.MetadataReminderKey],
	})
}

// Enqueue places msg on the agent's inbox for asynchronous processing by
// the worker. It fails when the inbox is full or the agent is closed.
// Room delivery lands here.
func (a *Agent) Enqueue(msg models.Message) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("agent: closed")
	}
	a.mu.Unlock()
	select {
	case a.inbox <- msg:
		return nil
	default:
		return errors.New("agent: inbox full")
	}
}

// Close stops the worker and releases per-agent resources. It does not
// delete anything from the Store.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	workerCancel := a.workerCtx
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if workerCancel != nil {
		workerCancel()
	}
	if a.deps.Watcher != nil {
		a.deps.Watcher.UntrackAgent(a.id)
	}
}

func (a *Agent) maybeStartWorker(autoRun bool) {
	if !autoRun {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.workerCtx = cancel
	a.mu.Unlock()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-a.inbox:
				if err := a.drive(ctx, msg); err != nil && !errors.Is(err, ErrInterrupted) {
					a.logger.Warn("queued turn failed", "error", err)
				}
			}
		}
	}()
}

// drive runs one full turn: drain reminders, persist the inbound
// message via the loop, emit terminal events, tick the step-driven
// housekeeping.
func (a *Agent) drive(ctx context.Context, msg models.Message) error {
	a.mu.Lock()
	if a.status == StatusWorking {
		a.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.status = StatusWorking
	a.mu.Unlock()
	a.deps.Bus.EmitMonitor(a.id, models.EventStateChanged, map[string]any{"status": string(StatusWorking)})

	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.status = StatusIdle
		a.mu.Unlock()
		a.deps.Bus.EmitMonitor(a.id, models.EventStateChanged, map[string]any{"status": string(StatusIdle)})
		cancel()
	}()

	if err := a.flushReminders(runCtx); err != nil {
		return err
	}

	err := a.turnLoop.Send(runCtx, a.id, msg)
	switch {
	case err == nil:
		a.deps.Bus.EmitProgress(a.id, models.EventDone, map[string]any{"reason": "completed"})
		a.deps.Bus.EmitMonitor(a.id, models.EventStepComplete, nil)
		a.afterStep(ctx)
		return nil

	case errors.Is(err, context.Canceled):
		a.deps.Bus.EmitProgress(a.id, models.EventDone, map[string]any{"reason": "interrupted"})
		if bperr := a.breakpoints.Transition(context.WithoutCancel(ctx), a.id, models.BreakpointReady); bperr != nil {
			a.logger.Warn("breakpoint reset after interrupt failed", "error", bperr)
		}
		return ErrInterrupted

	default:
		a.deps.Bus.EmitMonitor(a.id, models.EventError, map[string]any{
			"severity": "error",
			"phase":    "model",
			"message":  err.Error(),
		})
		a.deps.Bus.EmitProgress(a.id, models.EventDone, map[string]any{"reason": "interrupted"})
		if bperr := a.breakpoints.Transition(context.WithoutCancel(ctx), a.id, models.BreakpointReady); bperr != nil {
			a.logger.Warn("breakpoint reset after failure failed", "error", bperr)
		}
		return err
	}
}

// afterStep updates durable counters and runs the step-driven tickers.
func (a *Agent) afterStep(ctx context.Context) {
	history, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err == nil {
		info, ierr := a.deps.Store.LoadInfo(ctx, a.id)
		if ierr == nil {
			info.MessageCount = int64(len(history))
			if sfp := snapshot.LastSafeForkPoint(history); sfp >= 0 {
				info.LastSFPIndex = int64(sfp)
			}
			if serr := a.deps.Store.SaveInfo(ctx, info); serr != nil {
				a.logger.Warn("post-step info update failed", "error", serr)
			}
		}
	}

	if a.cfg.TodoEnabled {
		if err := a.todos.OnStep(ctx, a.id); err != nil {
			a.logger.Warn("todo reminder tick failed", "error", err)
		}
	}
	if a.deps.Scheduler != nil {
		a.deps.Scheduler.OnStep(ctx, a.id)
	}
}

// flushReminders appends every queued reminder to history before the
// inbound message, preserving queue order.
func (a *Agent) flushReminders(ctx context.Context) error {
	a.mu.Lock()
	queued := a.reminders
	a.reminders = nil
	a.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}

	history, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err != nil {
		return fmt.Errorf("agent: load history for reminders: %w", err)
	}
	for _, r := range queued {
		r.AgentID = a.id
		r.Sequence = int64(len(history))
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		history = append(history, r)
	}
	if err := a.deps.Store.SaveMessages(ctx, a.id, history); err != nil {
		return fmt.Errorf("agent: persist reminders: %w", err)
	}
	return nil
}

func (a *Agent) pendingPermissionIDs() []string {
	pending := a.permissions.Pending()
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.CallID)
	}
	return ids
}

func (a *Agent) lastAssistantText(ctx context.Context) (string, error) {
	history, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err != nil {
		return "", fmt.Errorf("agent: load history: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant {
			return history[i].Text(), nil
		}
	}
	return "", nil
}

// reconcileCrashOpen applies the crash-resume rules: auto-seal in-flight
// tool calls, apply the strategy rule to lost approvals, synthesize the
// failed tool_result blocks sealed calls owe the history, and announce
// the resume on the monitor channel.
func (a *Agent) reconcileCrashOpen(ctx context.Context, strategy ResumeStrategy) error {
	result, err := a.breakpoints.ResolveCrashOpen(ctx, a.id)
	if err != nil {
		return fmt.Errorf("agent: reconcile crash-open state: %w", err)
	}
	sealed := result.SealedRecords

	if result.StartingBreakpoint == models.BreakpointAwaitingApproval && strategy == ResumeCrash {
		denied, err := a.sealLostApprovals(ctx)
		if err != nil {
			return err
		}
		sealed = append(sealed, denied...)
		if err := a.breakpoints.Transition(ctx, a.id, models.BreakpointReady); err != nil {
			return err
		}
	}

	if len(sealed) > 0 {
		if err := a.appendSealedResults(ctx, sealed); err != nil {
			return err
		}
		for _, r := range sealed {
			data := map[string]any{"call_id": r.ID, "tool_name": r.ToolName}
			if r.Result != nil {
				data["error"] = r.Result.Error
			}
			a.deps.Bus.EmitProgress(a.id, models.EventToolEnd, data)
		}
	}

	sealedIDs := make([]string, 0, len(sealed))
	for _, r := range sealed {
		sealedIDs = append(sealedIDs, r.ID)
	}
	a.deps.Bus.EmitMonitor(a.id, models.EventAgentResumed, map[string]any{
		"strategy": string(strategy),
		"sealed":   sealedIDs,
	})
	return nil
}

// sealLostApprovals marks every APPROVAL_REQUIRED record denied, per the
// crash strategy: the human who could have approved is gone.
func (a *Agent) sealLostApprovals(ctx context.Context) ([]models.ToolCallRecord, error) {
	records, err := a.deps.Store.LoadToolCalls(ctx, a.id)
	if err != nil {
		return nil, fmt.Errorf("agent: load tool calls: %w", err)
	}
	var denied []models.ToolCallRecord
	for i, r := range records {
		if r.State != models.ToolCallApprovalRequired {
			continue
		}
		records[i].Transition(models.ToolCallDenied, "auto-sealed on crash")
		records[i].Approval.Decision = models.ApprovalDecisionDeny
		records[i].Approval.Note = "auto-sealed on crash"
		records[i].Result = &models.ToolResultPayload{
			OK:        false,
			Error:     "auto-sealed on crash",
			ErrorType: models.ErrorAborted,
		}
		denied = append(denied, records[i])
	}
	if len(denied) > 0 {
		if err := a.deps.Store.SaveToolCalls(ctx, a.id, records); err != nil {
			return nil, fmt.Errorf("agent: persist sealed approvals: %w", err)
		}
	}
	return denied, nil
}

// appendSealedResults writes the synthetic failed tool_result blocks for
// sealed calls whose tool_use has no result in history yet.
func (a *Agent) appendSealedResults(ctx context.Context, sealed []models.ToolCallRecord) error {
	history, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err != nil {
		return fmt.Errorf("agent: load history: %w", err)
	}

	resulted := make(map[string]bool)
	for _, m := range history {
		for _, b := range m.Content {
			if b.Type == models.BlockToolResult {
				resulted[b.ToolResultForID] = true
			}
		}
	}

	var blocks []models.ContentBlock
	for _, r := range sealed {
		if resulted[r.ID] {
			continue
		}
		errText := "auto-sealed on crash-resume"
		if r.Result != nil {
			errText = r.Result.Error
		}
		blocks = append(blocks, models.ContentBlock{
			Type:            models.BlockToolResult,
			ToolResultForID: r.ID,
			Output:          errText,
			IsError:         true,
		})
	}
	if len(blocks) == 0 {
		return nil
	}

	history = append(history, models.Message{
		AgentID:   a.id,
		Role:      models.RoleUser,
		Content:   blocks,
		CreatedAt: time.Now(),
		Sequence:  int64(len(history)),
	})
	if err := a.deps.Store.SaveMessages(ctx, a.id, history); err != nil {
		return fmt.Errorf("agent: persist sealed results: %w", err)
	}
	return nil
}

// persistableConfig is the subset of Config stored on AgentInfo so
// ResumeFromStore can rebuild without the embedder re-supplying it.
type persistableConfig struct {
	TemplateID      string               `json:"template_id,omitempty"`
	TemplateVersion string               `json:"template_version,omitempty"`
	Loop            loop.Config          `json:"loop"`
	PermissionMode  permission.Mode      `json:"permission_mode"`
	AllowTools      []string             `json:"allow_tools,omitempty"`
	DenyTools       []string             `json:"deny_tools,omitempty"`
	RequireApproval []string             `json:"require_approval_tools,omitempty"`
	Context         kernelcontext.Config `json:"context"`
	Dispatcher      dispatcher.Config    `json:"dispatcher"`
	TodoEnabled     bool                 `json:"todo_enabled"`
	Todo            todo.Config          `json:"todo"`
	ResumeStrategy  ResumeStrategy       `json:"resume_strategy,omitempty"`
	AutoRun         bool                 `json:"auto_run,omitempty"`
}

const metadataConfigKey = "__config__"

func persistableFromConfig(cfg Config) persistableConfig {
	return persistableConfig{
		TemplateID:      cfg.TemplateID,
		TemplateVersion: cfg.TemplateVersion,
		Loop:            cfg.Loop,
		PermissionMode:  cfg.Permission.Mode,
		AllowTools:      cfg.Permission.AllowTools,
		DenyTools:       cfg.Permission.DenyTools,
		RequireApproval: cfg.Permission.RequireApprovalTools,
		Context:         cfg.Context,
		Dispatcher:      cfg.Dispatcher,
		TodoEnabled:     cfg.TodoEnabled,
		Todo:            cfg.Todo,
		ResumeStrategy:  cfg.Resume.Strategy,
		AutoRun:         cfg.Resume.AutoRun,
	}
}

func marshalConfig(cfg Config) (string, error) {
	payload, err := json.Marshal(persistableFromConfig(cfg))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func configMetadata(cfg Config) map[string]any {
	payload, err := marshalConfig(cfg)
	if err != nil {
		return nil
	}
	return map[string]any{metadataConfigKey: payload}
}

func recoverConfig(info models.AgentInfo) (Config, error) {
	raw, _ := info.Metadata[metadataConfigKey].(string)
	if raw == "" {
		return Config{}, fmt.Errorf("agent: %s has no stored config to resume from", info.AgentID)
	}
	var p persistableConfig
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Config{}, fmt.Errorf("agent: stored config for %s is unreadable: %w", info.AgentID, err)
	}
	return Config{
		TemplateID:      p.TemplateID,
		TemplateVersion: p.TemplateVersion,
		Loop:            p.Loop,
		Permission: permission.Config{
			Mode:                 p.PermissionMode,
			AllowTools:           p.AllowTools,
			DenyTools:            p.DenyTools,
			RequireApprovalTools: p.RequireApproval,
		},
		Context:     p.Context,
		Dispatcher:  p.Dispatcher,
		TodoEnabled: p.TodoEnabled,
		Todo:        p.Todo,
		Resume:      ResumeOptions{Strategy: p.ResumeStrategy, AutoRun: p.AutoRun},
	}, nil
}

func mergeMetadata(user map[string]any, system map[string]any) map[string]any {
	out := make(map[string]any, len(user)+len(system))
	for k, v := range user {
		out[k] = v
	}
	for k, v := range system {
		out[k] = v
	}
	return out
}

func configHash(cfg Config) string {
	payload, err := marshalConfig(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
