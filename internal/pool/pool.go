// Package pool manages the set of live agents in one process: create,
// resume, fork, destroy, bounded concurrency, graceful shutdown with a
// save-and-resume running list, and the per-agent Store lock that keeps
// two processes from owning the same agent id.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/kernel/internal/agent"
	"github.com/agentcore/kernel/internal/infra"
	"github.com/agentcore/kernel/internal/snapshot"
	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

var (
	// ErrPoolFull is returned when MaxAgents live agents already exist.
	ErrPoolFull = errors.New("pool: max live agents reached")
	// ErrNotLive is returned when an operation targets an id with no live agent.
	ErrNotLive = errors.New("pool: agent is not live")
	// ErrAlreadyLive is returned when an id already has a live agent in this process.
	ErrAlreadyLive = errors.New("pool: agent is already live")
)

// Config tunes the pool.
type Config struct {
	// MaxAgents bounds concurrently live agents; 0 means unlimited.
	MaxAgents int
	// ShutdownTimeout is the default per-agent wait during GracefulShutdown.
	ShutdownTimeout time.Duration
	// LockTimeout bounds AcquireAgentLock when the Store supports locking.
	LockTimeout time.Duration
}

// Factory produces the config and deps needed to resume one agent,
// used by ResumeFromShutdown where only the ids survive the restart.
type Factory func(agentID string) (agent.Config, agent.Deps, error)

type liveAgent struct {
	agent   *agent.Agent
	release store.ReleaseFunc
}

// Pool is the bounded map of live agents.
type Pool struct {
	cfg     Config
	store   store.Store
	metrics *infra.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	agents    map[string]*liveAgent
	templates map[string]Factory
}

// New constructs a Pool over s. metrics may be nil.
func New(cfg Config, s store.Store, metrics *infra.Metrics, logger *slog.Logger) *Pool {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		store:     s,
		metrics:   metrics,
		logger:    logger,
		agents:    make(map[string]*liveAgent),
		templates: make(map[string]Factory),
	}
}

// RegisterTemplate names a config/deps factory reachable by SpawnChild.
// The factory's argument is the spawning parent's id, letting templates
// derive settings from the parent when they want to.
func (p *Pool) RegisterTemplate(templateID string, factory Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.templates[templateID] = factory
}

// Create constructs and tracks a brand-new agent.
func (p *Pool) Create(ctx context.Context, id string, cfg agent.Config, deps agent.Deps) (*agent.Agent, error) {
	return p.admit(ctx, id, func() (*agent.Agent, error) {
		return agent.Create(ctx, id, cfg, deps)
	})
}

// Resume loads an existing agent from the Store and tracks it.
func (p *Pool) Resume(ctx context.Context, id string, cfg agent.Config, deps agent.Deps, opts agent.ResumeOptions) (*agent.Agent, error) {
	return p.admit(ctx, id, func() (*agent.Agent, error) {
		return agent.Resume(ctx, id, cfg, deps, opts)
	})
}

// ResumeFromStore is Resume with the config read from the agent's own
// metadata, optionally mutated by overrides.
func (p *Pool) ResumeFromStore(ctx context.Context, id string, deps agent.Deps, opts agent.ResumeOptions, overrides func(*agent.Config)) (*agent.Agent, error) {
	return p.admit(ctx, id, func() (*agent.Agent, error) {
		return agent.ResumeFromStore(ctx, id, deps, opts, overrides)
	})
}

// admit enforces the concurrency policy around a constructor: one live
// agent per id in this process, MaxAgents total, and the Store's
// distributed lock when the backend offers one.
func (p *Pool) admit(ctx context.Context, id string, construct func() (*agent.Agent, error)) (*agent.Agent, error) {
	p.mu.Lock()
	if _, live := p.agents[id]; live {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLive, id)
	}
	if p.cfg.MaxAgents > 0 && len(p.agents) >= p.cfg.MaxAgents {
		p.mu.Unlock()
		return nil, ErrPoolFull
	}
	// Reserve the slot so two concurrent admits for the same id race here,
	// not at construction.
	p.agents[id] = nil
	p.mu.Unlock()

	rollback := func() {
		p.mu.Lock()
		delete(p.agents, id)
		p.mu.Unlock()
	}

	var release store.ReleaseFunc
	if ext, ok := p.store.(store.ExtendedStore); ok {
		var err error
		release, err = ext.AcquireAgentLock(ctx, id, p.cfg.LockTimeout)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("pool: acquire lock for %s: %w", id, err)
		}
	}

	a, err := construct()
	if err != nil {
		if release != nil {
			if rerr := release(); rerr != nil {
				p.logger.Warn("lock release failed", "agent", id, "error", rerr)
			}
		}
		rollback()
		return nil, err
	}

	p.mu.Lock()
	p.agents[id] = &liveAgent{agent: a, release: release}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.AgentStarted()
	}
	return a, nil
}

// Get returns the live agent for id, if any.
func (p *Pool) Get(id string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	la, ok := p.agents[id]
	if !ok || la == nil {
		return nil, false
	}
	return la.agent, true
}

// LiveIDs returns the ids of currently live agents.
func (p *Pool) LiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id, la := range p.agents {
		if la != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Deliver enqueues msg on the live agent id; satisfies room.Deliverer.
func (p *Pool) Deliver(ctx context.Context, id string, msg models.Message) error {
	a, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLive, id)
	}
	return a.Enqueue(msg)
}

// Fork snapshots src (or uses snapshotID when given), materializes the
// child in the Store, and brings it live with the same config and deps
// the caller supplies.
func (p *Pool) Fork(ctx context.Context, srcID, snapshotID string, deps agent.Deps, opts agent.ResumeOptions) (*agent.Agent, error) {
	src, ok := p.Get(srcID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLive, srcID)
	}

	engine := snapshot.NewEngine(p.store)
	if snapshotID == "" {
		snap, err := src.Snapshot(ctx, "")
		if err != nil {
			return nil, err
		}
		snapshotID = snap.ID
	}

	info, err := engine.Fork(ctx, srcID, snapshotID, "")
	if err != nil {
		return nil, err
	}

	// The engine copies history, not info metadata; carry the source's
	// stored config over so ResumeFromStore can rebuild the child.
	srcInfo, err := p.store.LoadInfo(ctx, srcID)
	if err != nil {
		return nil, fmt.Errorf("pool: load source info: %w", err)
	}
	childInfo, err := p.store.LoadInfo(ctx, info.AgentID)
	if err != nil {
		return nil, fmt.Errorf("pool: load fork info: %w", err)
	}
	if childInfo.Metadata == nil {
		childInfo.Metadata = map[string]any{}
	}
	for k, v := range srcInfo.Metadata {
		if _, ok := childInfo.Metadata[k]; !ok {
			childInfo.Metadata[k] = v
		}
	}
	childInfo.ConfigHash = srcInfo.ConfigHash
	if err := p.store.SaveInfo(ctx, childInfo); err != nil {
		return nil, fmt.Errorf("pool: save fork info: %w", err)
	}

	return p.ResumeFromStore(ctx, info.AgentID, deps, opts, nil)
}

// Destroy interrupts and removes the live agent. Persisted state stays
// in the Store; use the Store's Delete for permanent removal.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	la, ok := p.agents[id]
	delete(p.agents, id)
	p.mu.Unlock()
	if !ok || la == nil {
		return fmt.Errorf("%w: %s", ErrNotLive, id)
	}

	la.agent.Interrupt("destroyed")
	la.agent.Close()
	if la.release != nil {
		if err := la.release(); err != nil {
			p.logger.Warn("lock release failed", "agent", id, "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.AgentStopped()
	}
	return nil
}

// ShutdownOptions tunes GracefulShutdown.
type ShutdownOptions struct {
	// Timeout bounds the wait for each WORKING agent; zero uses the
	// pool default.
	Timeout time.Duration
	// ForceInterrupt interrupts agents still working after Timeout.
	ForceInterrupt bool
	// SaveRunningList writes the live ids to the pool-meta record so
	// ResumeFromShutdown can bring them back.
	SaveRunningList bool
}

// ShutdownReport classifies each agent's shutdown outcome.
type ShutdownReport struct {
	Completed   []string
	Interrupted []string
	Failed      []string
}

// GracefulShutdown drains every live agent: working agents get Timeout
// to finish, then are interrupted when ForceInterrupt is set; the live
// list is optionally saved for ResumeFromShutdown.
func (p *Pool) GracefulShutdown(ctx context.Context, opts ShutdownOptions) (ShutdownReport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = p.cfg.ShutdownTimeout
	}

	p.mu.Lock()
	live := make(map[string]*liveAgent, len(p.agents))
	for id, la := range p.agents {
		if la != nil {
			live[id] = la
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}

	var report ShutdownReport
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, la := range live {
		wg.Add(1)
		go func(id string, la *liveAgent) {
			defer wg.Done()
			outcome := p.drainAgent(ctx, id, la, opts)
			mu.Lock()
			switch outcome {
			case "completed":
				report.Completed = append(report.Completed, id)
			case "interrupted":
				report.Interrupted = append(report.Interrupted, id)
			default:
				report.Failed = append(report.Failed, id)
			}
			mu.Unlock()
		}(id, la)
	}
	wg.Wait()

	if opts.SaveRunningList {
		if err := p.store.SavePoolMeta(ctx, ids); err != nil {
			return report, fmt.Errorf("pool: save running list: %w", err)
		}
	}

	p.mu.Lock()
	p.agents = make(map[string]*liveAgent)
	p.mu.Unlock()
	return report, nil
}

func (p *Pool) drainAgent(ctx context.Context, id string, la *liveAgent, opts ShutdownOptions) string {
	outcome := "completed"
	if la.agent.Status() != agent.StatusIdle {
		deadline := time.Now().Add(opts.Timeout)
		for la.agent.Status() != agent.StatusIdle && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				deadline = time.Now()
			case <-time.After(25 * time.Millisecond):
			}
		}
		if la.agent.Status() != agent.StatusIdle {
			if !opts.ForceInterrupt {
				outcome = "failed"
			} else {
				la.agent.Interrupt("graceful shutdown")
				outcome = "interrupted"
			}
		}
	}

	la.agent.Close()
	if la.release != nil {
		if err := la.release(); err != nil {
			p.logger.Warn("lock release failed", "agent", id, "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.AgentStopped()
	}
	return outcome
}

// ResumeFromShutdown reads the saved running list, resumes each agent
// via factory, and clears the list. Agents that fail to resume are
// logged and skipped; the rest still come back.
func (p *Pool) ResumeFromShutdown(ctx context.Context, factory Factory) ([]*agent.Agent, error) {
	ids, err := p.store.LoadPoolMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: load running list: %w", err)
	}

	var resumed []*agent.Agent
	for _, id := range ids {
		cfg, deps, err := factory(id)
		if err != nil {
			p.logger.Warn("resume factory failed", "agent", id, "error", err)
			continue
		}
		a, err := p.Resume(ctx, id, cfg, deps, cfg.Resume)
		if err != nil {
			p.logger.Warn("resume failed", "agent", id, "error", err)
			continue
		}
		resumed = append(resumed, a)
	}

	if err := p.store.SavePoolMeta(ctx, nil); err != nil {
		return resumed, fmt.Errorf("pool: clear running list: %w", err)
	}
	return resumed, nil
}

// SpawnChild creates a one-shot child agent from a registered template,
// runs prompt through it, destroys it, and returns the final text plus
// the child's id (its persisted state outlives the live agent). This is
// the callback surface the task_run meta-tool uses; it satisfies
// subagent.Spawner.
func (p *Pool) SpawnChild(ctx context.Context, parentID, templateID, prompt string, inheritConfig bool) (string, string, error) {
	p.mu.Lock()
	factory, ok := p.templates[templateID]
	p.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("pool: no template %q registered", templateID)
	}

	cfg, deps, err := factory(parentID)
	if err != nil {
		return "", "", fmt.Errorf("pool: template %s: %w", templateID, err)
	}
	if inheritConfig {
		if parentInfo, ierr := p.store.LoadInfo(ctx, parentID); ierr == nil {
			cfg.Metadata = mergeMaps(parentInfo.Metadata, cfg.Metadata)
		}
	}
	cfg.TemplateID = templateID

	childID := uuid.NewString()
	child, err := p.Create(ctx, childID, cfg, deps)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if derr := p.Destroy(context.WithoutCancel(ctx), childID); derr != nil {
			p.logger.Warn("destroy spawned child failed", "child", childID, "error", derr)
		}
	}()

	// Record lineage so the child's own task_run calls see their depth.
	if info, ierr := p.store.LoadInfo(ctx, childID); ierr == nil {
		parentInfo, perr := p.store.LoadInfo(ctx, parentID)
		if perr == nil {
			info.Lineage = append(append([]string(nil), parentInfo.Lineage...), parentID)
		} else {
			info.Lineage = []string{parentID}
		}
		if serr := p.store.SaveInfo(ctx, info); serr != nil {
			p.logger.Warn("record child lineage failed", "child", childID, "error", serr)
		}
	}

	result, err := child.Send(ctx, prompt)
	if err != nil {
		return "", childID, err
	}
	return result, childID, nil
}

// LineageDepth reports an agent's fork/spawn ancestry length; the
// task_run tool uses it for its depth policy.
func (p *Pool) LineageDepth(ctx context.Context, agentID string) (int, error) {
	info, err := p.store.LoadInfo(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return len(info.Lineage), nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// RegisterHealthChecks wires the pool and its Store into a health
// registry: the store check surfaces the backend's own HealthCheck
// (including its single-process-only disclosure), the pool check
// reports the live-agent count.
func (p *Pool) RegisterHealthChecks(registry *infra.HealthCheckRegistry) {
	if registry == nil {
		return
	}
	registry.Register(infra.HealthCheckConfig{
		Name:     "store",
		Critical: true,
		Checker: func(ctx context.Context) infra.HealthCheckResult {
			result := infra.HealthCheckResult{Name: "store", Status: infra.ServiceHealthHealthy, Timestamp: time.Now()}
			ext, ok := p.store.(store.ExtendedStore)
			if !ok {
				result.Message = "backend has no health surface"
				return result
			}
			hs := ext.HealthCheck(ctx)
			if !hs.OK {
				result.Status = infra.ServiceHealthUnhealthy
			}
			result.Message = hs.Detail
			result.Metadata = map[string]string{"single_process_only": fmt.Sprintf("%t", hs.SingleProcessOnly)}
			return result
		},
	})
	registry.RegisterSimple("agent-pool", func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cfg.MaxAgents > 0 && len(p.agents) >= p.cfg.MaxAgents {
			return fmt.Errorf("pool saturated: %d/%d agents live", len(p.agents), p.cfg.MaxAgents)
		}
		return nil
	})
}

// RegisterShutdownHandlers installs the pool's graceful shutdown on the
// coordinator's services phase and arms its TERM/INT signal handling.
// The returned channel closes when a signal-driven shutdown finishes.
func (p *Pool) RegisterShutdownHandlers(coordinator *infra.ShutdownCoordinator) <-chan struct{} {
	if coordinator == nil {
		coordinator = infra.NewShutdownCoordinator(p.cfg.ShutdownTimeout, p.logger)
	}
	coordinator.RegisterService("agent-pool", func(ctx context.Context) error {
		_, err := p.GracefulShutdown(ctx, ShutdownOptions{
			ForceInterrupt:  true,
			SaveRunningList: true,
		})
		return err
	})
	return coordinator.OnSignal()
}
