// Package kernel is the embeddable agent runtime: a per-agent execution
// loop with crash-safe breakpoints, a permission-gated tool dispatcher,
// a three-channel replayable event stream, durable storage backends,
// and a pool/room layer for many coexisting agents.
//
// The package is a thin facade: it owns construction (configuration to
// concrete Store/ModelProvider/Pool wiring) and re-exports the types an
// embedder touches. The machinery lives in the internal packages.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentcore/kernel/internal/agent"
	"github.com/agentcore/kernel/internal/config"
	"github.com/agentcore/kernel/internal/eventbus"
	"github.com/agentcore/kernel/internal/filewatcher"
	"github.com/agentcore/kernel/internal/infra"
	"github.com/agentcore/kernel/internal/permission"
	"github.com/agentcore/kernel/internal/pool"
	"github.com/agentcore/kernel/internal/provider"
	"github.com/agentcore/kernel/internal/room"
	"github.com/agentcore/kernel/internal/scheduler"
	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/internal/subagent"
	"github.com/agentcore/kernel/pkg/models"
)

// Re-exported surface. Embedders construct agents through Runtime (or
// the Pool directly) and interact via these types.
type (
	Agent         = agent.Agent
	AgentConfig   = agent.Config
	AgentDeps     = agent.Deps
	ChatResult    = agent.ChatResult
	ResumeOptions = agent.ResumeOptions
	Tool          = agent.Tool
	ToolContext   = agent.ToolContext
	Sandbox       = agent.Sandbox

	Config = config.Config

	Pool     = pool.Pool
	Room     = room.Room
	Store    = store.Store
	EventBus = eventbus.Bus

	TaskToolConfig = subagent.Config
)

// LoadConfig reads a YAML or JSON5 configuration file, resolving
// $include directives and ${VAR} references.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// PermissionFromConfig converts the file-level permission block into
// the runtime policy. A named profile seeds the allow list first; the
// block's explicit lists then apply on top.
func PermissionFromConfig(pc config.PermissionConfig) (permission.Config, error) {
	mode := permission.Mode(pc.Mode)
	if pc.Profile == "" {
		return permission.Config{
			Mode:                 mode,
			AllowTools:           pc.AllowTools,
			DenyTools:            pc.DenyTools,
			RequireApprovalTools: pc.RequireApprovalTools,
		}, nil
	}

	seeded, ok := permission.FromProfile(pc.Profile, mode)
	if !ok {
		return permission.Config{}, fmt.Errorf("kernel: unknown permission profile %q", pc.Profile)
	}
	seeded.AllowTools = append(seeded.AllowTools, pc.AllowTools...)
	seeded.DenyTools = pc.DenyTools
	seeded.RequireApprovalTools = pc.RequireApprovalTools
	return seeded, nil
}

// Runtime bundles the process-scoped singletons one embedding needs:
// a Store (never two over the same directory), the event bus, metrics,
// the scheduler and file watcher, and the agent pool over all of them.
type Runtime struct {
	Store     store.Store
	Bus       *eventbus.Bus
	Metrics   *infra.Metrics
	Pool      *pool.Pool
	Scheduler *scheduler.Scheduler
	Watcher   *filewatcher.Watcher
	Provider  provider.ModelProvider

	logger *slog.Logger
}

// Open constructs a Runtime from cfg: the configured Store backend, an
// event bus persisting through it, Prometheus metrics observing every
// event, and an empty pool. The model provider is built when the
// configuration carries an API key, or names bedrock (which needs no
// key); otherwise Runtime.Provider stays nil. Embedders supplying their own adapter can
// leave cfg.Provider.APIKey empty and set Runtime.Provider afterwards.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kernel: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(s)
	metrics := infra.NewMetrics()
	bus.RegisterObserver(metrics.ObserveEvent)

	rt := &Runtime{
		Store:   s,
		Bus:     bus,
		Metrics: metrics,
		Pool:    pool.New(pool.Config{}, s, metrics, logger),
		logger:  logger,
	}

	if cfg.Provider.APIKey != "" || cfg.Provider.Name == "bedrock" {
		p, err := buildProvider(ctx, cfg.Provider)
		if err != nil {
			return nil, err
		}
		rt.Provider = provider.WithCircuitBreaker(p, infra.CircuitBreakerConfig{})
	}

	sink := &reminderRouter{pool: rt.Pool}
	rt.Scheduler = scheduler.New(time.Second, sink, bus)

	watcher, err := filewatcher.New(bus, sink, logger)
	if err != nil {
		logger.Warn("file watching unavailable", "error", err)
	} else {
		rt.Watcher = watcher
	}
	return rt, nil
}

// Deps assembles the default AgentDeps for this runtime. Tools and
// hooks are per-agent; everything else is the runtime's singletons.
func (r *Runtime) Deps(tools ...Tool) AgentDeps {
	return AgentDeps{
		Store:     r.Store,
		Bus:       r.Bus,
		Provider:  r.Provider,
		Tools:     tools,
		Watcher:   r.Watcher,
		Scheduler: r.Scheduler,
		Logger:    r.logger,
	}
}

// NewRoom returns a Room routing between this runtime's live agents.
func (r *Runtime) NewRoom() *Room {
	return room.New(r.Pool)
}

// NewTaskTool returns the task_run meta-tool bound to this runtime's
// pool. Register templates on the pool first.
func (r *Runtime) NewTaskTool(cfg TaskToolConfig) Tool {
	return subagent.NewTaskTool(cfg, r.Pool, r.Pool.LineageDepth)
}

// Close shuts the runtime down: graceful pool drain (saving the
// running list), then the watcher and scheduler.
func (r *Runtime) Close(ctx context.Context) error {
	_, err := r.Pool.GracefulShutdown(ctx, pool.ShutdownOptions{
		ForceInterrupt:  true,
		SaveRunningList: true,
	})
	if r.Watcher != nil {
		if werr := r.Watcher.Close(); werr != nil && err == nil {
			err = werr
		}
	}
	if r.Scheduler != nil {
		r.Scheduler.Close()
	}
	return err
}

// reminderRouter forwards scheduler/watcher reminders to whichever live
// agent owns them; reminders for agents not currently live are dropped
// (they reflect transient state the resumed agent will rediscover).
type reminderRouter struct {
	pool *pool.Pool
}

func (r *reminderRouter) QueueReminder(agentID string, msg models.Message) {
	if a, ok := r.pool.Get(agentID); ok {
		a.QueueReminder(agentID, msg)
	}
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewLocalFileStore(cfg.Dir)
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.URL)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("kernel: unknown store kind %q", cfg.Kind)
	}
}

func buildProvider(ctx context.Context, cfg config.ProviderConfig) (provider.ModelProvider, error) {
	switch cfg.Name {
	case "", "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
		})
	case "openai":
		return provider.NewOpenAIProvider(cfg.APIKey, cfg.DefaultModel), nil
	case "bedrock":
		return provider.NewBedrockProvider(ctx, provider.BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
		})
	default:
		return nil, fmt.Errorf("kernel: unknown provider %q", cfg.Name)
	}
}
