package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentcore/kernel/pkg/models"
)

// OpenAIProvider implements ModelProvider against OpenAI's chat completions
// API using linear backoff retry, matching the streaming shape the kernel
// expects from every ModelProvider.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewOpenAIProvider returns a provider for apiKey. An empty key is
// accepted so a provider can be constructed before credentials are
// available; Complete then fails fast with a clear error.
func NewOpenAIProvider(apiKey, defaultModel string) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	p := &OpenAIProvider{maxRetries: 3, retryDelay: time.Second, defaultModel: defaultModel}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "o1", Name: "o1", ContextSize: 200000, SupportsVision: false, SupportsTools: true},
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !IsRetryable(p.wrapError(lastErr, model)) {
			return nil, p.wrapError(lastErr, model)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(lastErr, model))
	}

	chunks := make(chan CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream accumulates OpenAI's incremental tool-call deltas (indexed
// by position since multiple calls can stream in parallel) and emits a
// tool_use_start/delta/stop triple per completed call once the stream
// reports FinishReason "tool_calls" or ends.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	type accumulating struct {
		id, name string
		started  bool
		input    string
	}
	toolCalls := make(map[int]*accumulating)

	flush := func() {
		for _, tc := range toolCalls {
			if tc.id == "" || tc.name == "" {
				continue
			}
			if !tc.started {
				chunks <- CompletionChunk{Kind: ChunkToolUseStart, ToolUseID: tc.id, ToolName: tc.name}
				tc.started = true
			}
			if tc.input != "" {
				chunks <- CompletionChunk{Kind: ChunkToolUseDelta, ToolUseID: tc.id, InputDelta: tc.input}
			}
			chunks <- CompletionChunk{Kind: ChunkToolUseStop, ToolUseID: tc.id}
		}
		toolCalls = make(map[int]*accumulating)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- CompletionChunk{Kind: ChunkError, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- CompletionChunk{Kind: ChunkMessageStop}
				return
			}
			chunks <- CompletionChunk{Kind: ChunkError, Err: p.wrapError(err, model)}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			chunks <- CompletionChunk{Kind: ChunkTextDelta, TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &accumulating{}
			}
			if tc.ID != "" {
				toolCalls[index].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].input += tc.Function.Arguments
			}
		}

		if resp.Choices[0].FinishReason == "tool_calls" {
			flush()
		}
	}
}

// convertMessages translates kernel Message/ContentBlock history into
// OpenAI's chat message format. System prompt is injected as the first
// message, matching OpenAI's convention of carrying it inline rather than
// as a separate request field.
func (p *OpenAIProvider) convertMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			// Tool results ride in user-role messages in kernel history but
			// must become role "tool" messages on OpenAI's wire.
			for _, b := range msg.Content {
				if b.Type == models.BlockToolResult {
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    b.Output,
						ToolCallID: b.ToolResultForID,
					})
				}
			}
			if text := msg.Text(); text != "" {
				result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
			}

		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text()})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			var toolResults []models.ContentBlock
			for _, b := range msg.Content {
				if b.Type == models.BlockToolUse {
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   b.ToolUseID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.ToolName,
							Arguments: string(b.Input),
						},
					})
				}
				if b.Type == models.BlockToolResult {
					toolResults = append(toolResults, b)
				}
			}
			if len(oaiMsg.ToolCalls) > 0 || oaiMsg.Content != "" {
				result = append(result, oaiMsg)
			}
			for _, tr := range toolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Output,
					ToolCallID: tr.ToolResultForID,
				})
			}
		}
	}

	return result, nil
}

// convertTools degrades a tool with an invalid schema to an empty-object
// schema rather than failing the whole request, so one bad tool definition
// doesn't block every other tool from being offered to the model.
func (p *OpenAIProvider) convertTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError("openai", model, err).WithStatus(apiErr.HTTPStatusCode).WithCode(fmt.Sprint(apiErr.Code))
	}
	return NewError("openai", model, err)
}

// CountTokens estimates token usage via ~4 characters per token; see
// AnthropicProvider.CountTokens for the same heuristic and its caveats.
func (p *OpenAIProvider) CountTokens(ctx context.Context, req CompletionRequest) (int, error) {
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

var _ ModelProvider = (*OpenAIProvider)(nil)
