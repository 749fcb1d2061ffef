// Package config loads and validates the embedder-facing configuration
// surface: permission policy, subagent limits, todo reminders, sandbox
// boundaries, resume strategy, context budgets, and provider selection.
// Files may be YAML or JSON5, support ${VAR} expansion, and compose via
// $include.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for one kernel embedding.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Provider   ProviderConfig   `yaml:"provider"`
	Permission PermissionConfig `yaml:"permission"`
	Subagents  SubagentConfig   `yaml:"subagents"`
	Todo       TodoConfig       `yaml:"todo"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Resume     ResumeConfig     `yaml:"resume"`
	Context    ContextConfig    `yaml:"context"`
	Thinking   ThinkingConfig   `yaml:"thinking"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects and parameterizes the durable backend.
type StoreConfig struct {
	// Kind is "memory", "file", "sqlite", or "postgres".
	Kind string `yaml:"kind"`
	// Dir is the root directory for the file backend.
	Dir string `yaml:"dir"`
	// URL is the DSN for the sqlite/postgres backends.
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ProviderConfig selects the model backend and its credentials.
type ProviderConfig struct {
	// Name is "anthropic", "openai", or "bedrock".
	Name         string `yaml:"name"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	// Region applies to the bedrock provider only.
	Region     string        `yaml:"region"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// PermissionConfig enumerates the effective tool policy.
type PermissionConfig struct {
	// Mode is "auto", "approval", "readonly", or a custom mode name the
	// embedder registers at construction time.
	Mode string `yaml:"mode"`
	// Profile names a preset allow list ("coding", "readonly", "full",
	// "minimal") that seeds AllowTools before the explicit lists apply.
	Profile              string   `yaml:"profile"`
	AllowTools           []string `yaml:"allow_tools"`
	DenyTools            []string `yaml:"deny_tools"`
	RequireApprovalTools []string `yaml:"require_approval_tools"`
}

// SubagentConfig bounds what the task_run meta-tool may spawn.
type SubagentConfig struct {
	// Templates is the allowlist of templates reachable via task_run.
	// Empty means any registered template.
	Templates []string `yaml:"templates"`
	// Depth is the maximum nesting depth of spawned children.
	Depth         int  `yaml:"depth"`
	InheritConfig bool `yaml:"inherit_config"`
}

// TodoConfig controls the per-agent task list and its reminder cadence.
type TodoConfig struct {
	Enabled             bool `yaml:"enabled"`
	RemindIntervalSteps int  `yaml:"remind_interval_steps"`
	ReminderOnStart     bool `yaml:"reminder_on_start"`
}

// SandboxConfig describes the filesystem/command surface built-in tools use.
type SandboxConfig struct {
	// Kind is "local" or an embedder-registered sandbox kind.
	Kind            string   `yaml:"kind"`
	WorkDir         string   `yaml:"work_dir"`
	EnforceBoundary bool     `yaml:"enforce_boundary"`
	AllowPaths      []string `yaml:"allow_paths"`
	WatchFiles      bool     `yaml:"watch_files"`
}

// ResumeConfig controls crash-resume behavior.
type ResumeConfig struct {
	// Strategy is "crash" (seal lost approvals as denied) or "manual"
	// (leave them pending for the embedder to re-decide).
	Strategy string `yaml:"strategy"`
	AutoRun  bool   `yaml:"auto_run"`
}

// ContextConfig tunes prompt assembly and compression.
type ContextConfig struct {
	MaxTokens        int `yaml:"max_tokens"`
	CompressToTokens int `yaml:"compress_to_tokens"`
	KeepRecentMedia  int `yaml:"keep_recent_media"`
	// ReasoningTransport is "provider", "text", or "omit".
	ReasoningTransport string `yaml:"reasoning_transport"`
}

// ThinkingConfig maps onto each provider's extended-thinking knobs.
type ThinkingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BudgetTokens int    `yaml:"budget_tokens"`
	Effort       string `yaml:"effort"`
	Level        string `yaml:"level"`
}

// DispatcherConfig tunes tool fan-out.
type DispatcherConfig struct {
	MaxConcurrentReadonly int           `yaml:"max_concurrent_readonly"`
	ApprovalTimeout       time.Duration `yaml:"approval_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (YAML or JSON5, with $include and ${VAR} expansion),
// decodes it strictly, and applies defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the kernel cannot honor.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "memory", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	if (c.Store.Kind == "sqlite" || c.Store.Kind == "postgres") && c.Store.URL == "" {
		return fmt.Errorf("config: store kind %q requires a url", c.Store.Kind)
	}
	switch c.Resume.Strategy {
	case "crash", "manual":
	default:
		return fmt.Errorf("config: resume strategy must be \"crash\" or \"manual\", got %q", c.Resume.Strategy)
	}
	switch c.Context.ReasoningTransport {
	case "provider", "text", "omit":
	default:
		return fmt.Errorf("config: unknown reasoning transport %q", c.Context.ReasoningTransport)
	}
	if c.Subagents.Depth < 0 {
		return fmt.Errorf("config: subagent depth must be >= 0, got %d", c.Subagents.Depth)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "memory"
	}
	if cfg.Store.MaxConnections == 0 {
		cfg.Store.MaxConnections = 25
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Provider.RetryDelay == 0 {
		cfg.Provider.RetryDelay = time.Second
	}
	if cfg.Permission.Mode == "" {
		cfg.Permission.Mode = "approval"
	}
	if cfg.Subagents.Depth == 0 {
		cfg.Subagents.Depth = 1
	}
	if cfg.Todo.RemindIntervalSteps == 0 {
		cfg.Todo.RemindIntervalSteps = 5
	}
	if cfg.Sandbox.Kind == "" {
		cfg.Sandbox.Kind = "local"
	}
	if cfg.Resume.Strategy == "" {
		cfg.Resume.Strategy = "crash"
	}
	if cfg.Context.MaxTokens == 0 {
		cfg.Context.MaxTokens = 100000
	}
	if cfg.Context.CompressToTokens == 0 {
		cfg.Context.CompressToTokens = cfg.Context.MaxTokens / 2
	}
	if cfg.Context.KeepRecentMedia == 0 {
		cfg.Context.KeepRecentMedia = 3
	}
	if cfg.Context.ReasoningTransport == "" {
		cfg.Context.ReasoningTransport = "provider"
	}
	if cfg.Dispatcher.MaxConcurrentReadonly == 0 {
		cfg.Dispatcher.MaxConcurrentReadonly = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
