// Package provider defines the ModelProvider boundary the kernel consumes
// and the concrete adapters (Anthropic, OpenAI, Bedrock) that implement it.
// The kernel never depends on a provider SDK type directly outside this
// package: everything crosses the boundary as pkg/models types plus the
// small request/response shapes defined here.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

// ToolSpec is the provider-agnostic description of a tool the model may
// call, converted from the tool registry's JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte // JSON schema, provider-specific conversion happens inside each adapter
}

// CompletionRequest is one model turn: the full message history plus the
// tools available and generation parameters for this call.
type CompletionRequest struct {
	Model          string
	System         string
	Messages       []models.Message
	Tools          []ToolSpec
	MaxTokens      int
	Temperature    *float64
	EnableThinking bool
	ThinkingBudget int // tokens reserved for extended thinking, 0 means provider default
}

// ChunkKind tags the kind of incremental update a streamed chunk carries.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text_delta"
	ChunkReasoningDelta ChunkKind = "reasoning_delta"
	ChunkToolUseStart   ChunkKind = "tool_use_start"
	ChunkToolUseDelta   ChunkKind = "tool_use_delta" // incremental JSON input for the most recent tool_use block
	ChunkToolUseStop    ChunkKind = "tool_use_stop"
	ChunkMessageStop    ChunkKind = "message_stop"
	ChunkError          ChunkKind = "error"
)

// CompletionChunk is one incremental update from a streaming completion.
// A full assistant Message is assembled by accumulating chunks in order;
// see Accumulator.
type CompletionChunk struct {
	Kind ChunkKind

	TextDelta      string
	ReasoningDelta string

	ToolUseID  string // set on ChunkToolUseStart and carried through subsequent deltas/stop for the same block
	ToolName   string // set on ChunkToolUseStart
	InputDelta string // set on ChunkToolUseDelta, a fragment of the tool's JSON input

	Usage *Usage // set on ChunkMessageStop when the provider reports token usage

	Err error // set on ChunkError; the stream ends after this chunk
}

// Usage reports token accounting for a completed turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Model describes one model a provider can serve.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
	SupportsTools  bool
}

// ModelProvider is the external interface the kernel consumes to talk to
// a language model backend. Implementations own retry/backoff and provider
// SDK wiring; callers see only pkg/models types and the shapes above.
type ModelProvider interface {
	// Name returns a short identifier, e.g. "anthropic".
	Name() string

	// Models lists the models this provider can serve.
	Models() []Model

	// Complete starts a streaming completion. The returned channel is
	// closed when the stream ends, whether by ChunkMessageStop, a
	// ChunkError, or ctx cancellation. The Anthropic and Bedrock adapters
	// return promptly and retry inside the goroutine feeding the channel;
	// the OpenAI adapter retries stream setup before Complete returns.
	Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)

	// CountTokens estimates the token cost of a request without making a
	// completion call, used by ContextManager's budget accounting.
	CountTokens(ctx context.Context, req CompletionRequest) (int, error)
}

// Accumulator assembles a streamed completion into a single assistant
// Message, mirroring how ContextManager expects history entries to look.
type Accumulator struct {
	blocks       []models.ContentBlock
	textIdx      int
	reasoningIdx int
	toolIdx      map[string]int // tool_use_id -> index into blocks, for the block currently accumulating input
	toolInput    map[string]*strings.Builder
	usage        *Usage
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		textIdx:      -1,
		reasoningIdx: -1,
		toolIdx:      make(map[string]int),
		toolInput:    make(map[string]*strings.Builder),
	}
}

// Add folds one chunk into the accumulator.
func (a *Accumulator) Add(c CompletionChunk) {
	switch c.Kind {
	case ChunkTextDelta:
		if a.textIdx < 0 {
			a.blocks = append(a.blocks, models.ContentBlock{Type: models.BlockText})
			a.textIdx = len(a.blocks) - 1
		}
		a.blocks[a.textIdx].Text += c.TextDelta

	case ChunkReasoningDelta:
		if a.reasoningIdx < 0 {
			a.blocks = append(a.blocks, models.ContentBlock{Type: models.BlockReasoning})
			a.reasoningIdx = len(a.blocks) - 1
		}
		a.blocks[a.reasoningIdx].Text += c.ReasoningDelta

	case ChunkToolUseStart:
		a.blocks = append(a.blocks, models.ContentBlock{
			Type:      models.BlockToolUse,
			ToolUseID: c.ToolUseID,
			ToolName:  c.ToolName,
		})
		a.toolIdx[c.ToolUseID] = len(a.blocks) - 1
		a.toolInput[c.ToolUseID] = &strings.Builder{}

	case ChunkToolUseDelta:
		if b, ok := a.toolInput[c.ToolUseID]; ok {
			b.WriteString(c.InputDelta)
		}

	case ChunkToolUseStop:
		if idx, ok := a.toolIdx[c.ToolUseID]; ok {
			if b, ok := a.toolInput[c.ToolUseID]; ok {
				a.blocks[idx].Input = []byte(b.String())
			}
		}

	case ChunkMessageStop:
		if c.Usage != nil {
			a.usage = c.Usage
		}
	}
}

// Message returns the accumulated assistant message. createdAt is supplied
// by the caller since this package may not call time.Now() during a replay.
func (a *Accumulator) Message(agentID string, createdAt time.Time) models.Message {
	return models.Message{
		AgentID:   agentID,
		Role:      models.RoleAssistant,
		Content:   a.blocks,
		CreatedAt: createdAt,
	}
}

// Usage returns the token usage reported for this turn, or nil if the
// stream ended before a message_stop chunk arrived.
func (a *Accumulator) Usage() *Usage {
	return a.usage
}
