// Package agent assembles the kernel's components into the
// embedder-facing Agent surface: create/resume lifecycle, send/chat,
// approval decisions, interrupt, snapshot/fork, the todo surface, and
// event subscription.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

// ToolAttributes is the static attribute set a tool declares.
type ToolAttributes struct {
	// Readonly tools may run concurrently with each other and are
	// auto-approved under the readonly permission mode.
	Readonly bool
	// NoEffect marks a tool as safe to re-execute after a crash resume.
	NoEffect bool
	// Timeout bounds one execution; zero means no tool-level timeout.
	Timeout time.Duration
	// Prompt is appended to the model's tool manual for this tool.
	Prompt string
}

// ToolContext is handed to every tool execution.
type ToolContext struct {
	AgentID string
	Sandbox Sandbox
	// Emit publishes a tool_custom_event on the monitor channel.
	Emit func(eventType string, data map[string]any)
}

// Tool is the contract every tool implementation satisfies.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema for the tool's input.
	Schema() json.RawMessage
	Attributes() ToolAttributes
	Exec(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error)
}

// ExecOptions parameterizes a sandboxed command execution.
type ExecOptions struct {
	WorkDir string
	Env     []string
	Timeout time.Duration
}

// ExecResult is the outcome of a sandboxed command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is the filesystem and command-execution surface built-in tools
// use. Path confinement is the sandbox's contract, not the kernel's.
type Sandbox interface {
	ResolvePath(path string) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Glob(ctx context.Context, pattern string) ([]string, error)
	Grep(ctx context.Context, pattern, path string) ([]string, error)
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
	WatchFiles(paths []string, cb func(path string)) (func(), error)
	Dispose() error
}
