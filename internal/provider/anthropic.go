package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentcore/kernel/internal/backoff"
	"github.com/agentcore/kernel/pkg/models"
)

// maxEmptyStreamEvents caps consecutive SSE events that produce no chunk
// before the stream is treated as malformed and aborted.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// AnthropicProvider implements ModelProvider against the Anthropic Messages
// API, with streaming responses and exponential-backoff retry for
// transient failures.
type AnthropicProvider struct {
	client        anthropic.Client
	maxRetries    int
	retryDelay    time.Duration
	defaultModel  string
	backoffPolicy backoff.BackoffPolicy
}

// NewAnthropicProvider validates cfg, applies defaults, and returns a ready
// to use provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:        anthropic.NewClient(opts...),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		defaultModel:  cfg.DefaultModel,
		backoffPolicy: backoff.ProviderPolicy(cfg.RetryDelay),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
	}
}

// Complete starts a streaming completion, retrying stream setup with
// exponential backoff on transient errors before giving up.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	chunks := make(chan CompletionChunk)

	go func() {
		defer close(chunks)

		var stream anthropicStream
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, p.getModel(req.Model))
			if !IsRetryable(wrapped) {
				chunks <- CompletionChunk{Kind: ChunkError, Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				if err := backoff.SleepWithBackoff(ctx, p.backoffPolicy, attempt+1); err != nil {
					chunks <- CompletionChunk{Kind: ChunkError, Err: err}
					return
				}
				continue
			}
		}
		if err != nil {
			chunks <- CompletionChunk{Kind: ChunkError, Err: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, p.getModel(req.Model)))}
			return
		}

		p.processStream(stream, chunks, p.getModel(req.Model))
	}()

	return chunks, nil
}

// anthropicStream is the narrow slice of ssestream.Stream this adapter
// consumes, kept as an interface so tests can fake a stream without a
// live connection.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func (p *AnthropicProvider) createStream(ctx context.Context, req CompletionRequest) (anthropicStream, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream turns an SSE stream into CompletionChunks. Tool-call JSON
// input is forwarded as one tool_use_delta per input_json_delta event;
// tool_use_stop carries only the block's id.
func (p *AnthropicProvider) processStream(stream anthropicStream, chunks chan<- CompletionChunk, model string) {
	var currentToolID string
	var currentToolInput strings.Builder
	inThinking := false
	emptyEvents := 0
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolID = toolUse.ID
				currentToolInput.Reset()
				chunks <- CompletionChunk{Kind: ChunkToolUseStart, ToolUseID: toolUse.ID, ToolName: toolUse.Name}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- CompletionChunk{Kind: ChunkTextDelta, TextDelta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- CompletionChunk{Kind: ChunkReasoningDelta, ReasoningDelta: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					chunks <- CompletionChunk{Kind: ChunkToolUseDelta, ToolUseID: currentToolID, InputDelta: delta.PartialJSON}
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				processed = true
			} else if currentToolID != "" {
				chunks <- CompletionChunk{Kind: ChunkToolUseStop, ToolUseID: currentToolID}
				currentToolID = ""
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- CompletionChunk{Kind: ChunkMessageStop, Usage: &Usage{InputTokens: inputTokens, OutputTokens: outputTokens}}
			return

		case "error":
			chunks <- CompletionChunk{Kind: ChunkError, Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- CompletionChunk{Kind: ChunkError, Err: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- CompletionChunk{Kind: ChunkError, Err: p.wrapError(err, model)}
	}
}

// convertMessages translates kernel Message/ContentBlock history into
// Anthropic's MessageParam shape. System-role messages are skipped; the
// caller threads req.System through params.System instead.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText, models.BlockReasoning:
				if b.Text != "" {
					content = append(content, anthropic.NewTextBlock(b.Text))
				}
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolResultForID, b.Output, b.IsError))
			case models.BlockToolUse:
				var input map[string]interface{}
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			}
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewError("anthropic", model, err).WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)
	}
	return NewError("anthropic", model, err)
}

// CountTokens estimates token usage via ~4 characters per token, matching
// the rough heuristic used elsewhere in the kernel's budget accounting;
// callers needing exact counts should use Anthropic's token-counting API.
func (p *AnthropicProvider) CountTokens(ctx context.Context, req CompletionRequest) (int, error) {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(string(msg.Role)) / 4
		for _, b := range msg.Content {
			total += len(b.Text) / 4
			total += len(b.Output) / 4
			total += len(b.Input) / 4
			total += len(b.ToolName) / 4
		}
	}
	for _, tool := range req.Tools {
		total += len(tool.Name) / 4
		total += len(tool.Description) / 4
		total += len(tool.Schema) / 4
	}
	return total, nil
}

var _ ModelProvider = (*AnthropicProvider)(nil)
