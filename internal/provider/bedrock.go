package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentcore/kernel/internal/backoff"
	"github.com/agentcore/kernel/pkg/models"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1).
	Region string
	// AccessKeyID / SecretAccessKey / SessionToken use the default
	// credential chain when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// BedrockProvider implements ModelProvider over the AWS Bedrock
// ConverseStream API. Authentication follows the AWS credential chain
// (environment, IAM role, or explicit keys).
type BedrockProvider struct {
	client       bedrockConverseClient
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	region       string
}

// bedrockConverseClient is the slice of bedrockruntime.Client this
// adapter consumes, kept as an interface so tests can fake the call.
type bedrockConverseClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// NewBedrockProvider loads AWS config for cfg and returns a ready
// provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		region:       cfg.Region,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

// Models lists commonly enabled Bedrock models; actual availability
// depends on the account's model access.
func (p *BedrockProvider) Models() []Model {
	return []Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Name: "Claude 3 Opus (Bedrock)", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true, SupportsTools: true},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192, SupportsTools: false},
		{ID: "mistral.mistral-large-2402-v1:0", Name: "Mistral Large (Bedrock)", ContextSize: 32768, SupportsTools: true},
	}
}

// Complete starts a streaming completion, retrying stream setup with
// exponential backoff on throttling and transient AWS failures.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, err
	}
	model := p.getModel(req.Model)

	chunks := make(chan CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *bedrockruntime.ConverseStreamOutput
		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, lastErr = p.client.ConverseStream(ctx, input)
			if lastErr == nil {
				break
			}
			wrapped := p.wrapError(lastErr, model)
			if !IsRetryable(wrapped) {
				chunks <- CompletionChunk{Kind: ChunkError, Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				if err := backoff.SleepWithBackoff(ctx, backoff.ProviderPolicy(p.retryDelay), attempt+1); err != nil {
					chunks <- CompletionChunk{Kind: ChunkError, Err: err}
					return
				}
			}
		}
		if lastErr != nil {
			chunks <- CompletionChunk{Kind: ChunkError, Err: fmt.Errorf("bedrock: max retries exceeded: %w", p.wrapError(lastErr, model))}
			return
		}

		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *BedrockProvider) buildInput(req CompletionRequest) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(p.getModel(req.Model)),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		toolCfg, err := convertBedrockTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolCfg
	}
	return input, nil
}

// processStream folds ConverseStream events into CompletionChunks. The
// Converse API keys tool-input deltas by content-block index, so the
// current tool id is tracked across start/delta/stop.
func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- CompletionChunk, model string) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolID string
	var usage *Usage
	stopSent := false

	sendStop := func() {
		if !stopSent {
			chunks <- CompletionChunk{Kind: ChunkMessageStop, Usage: usage}
			stopSent = true
		}
	}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- CompletionChunk{Kind: ChunkError, Err: ctx.Err()}
			return
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					chunks <- CompletionChunk{Kind: ChunkError, Err: p.wrapError(err, model)}
					return
				}
				sendStop()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolID = aws.ToString(toolUse.Value.ToolUseId)
					chunks <- CompletionChunk{
						Kind:      ChunkToolUseStart,
						ToolUseID: currentToolID,
						ToolName:  aws.ToString(toolUse.Value.Name),
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- CompletionChunk{Kind: ChunkTextDelta, TextDelta: delta.Value}
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						chunks <- CompletionChunk{Kind: ChunkReasoningDelta, ReasoningDelta: text.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if currentToolID != "" && delta.Value.Input != nil {
						chunks <- CompletionChunk{
							Kind:       ChunkToolUseDelta,
							ToolUseID:  currentToolID,
							InputDelta: aws.ToString(delta.Value.Input),
						}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolID != "" {
					chunks <- CompletionChunk{Kind: ChunkToolUseStop, ToolUseID: currentToolID}
					currentToolID = ""
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage = &Usage{
						InputTokens:  int(aws.ToInt32(ev.Value.Usage.InputTokens)),
						OutputTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
					}
				}
				// Metadata arrives after messageStop; it closes the turn.
				sendStop()
				return

			case *types.ConverseStreamOutputMemberMessageStop:
				// Keep reading: the usage-bearing metadata event follows.
			}
		}
	}
}

// convertMessages translates kernel history into Converse messages.
// System-role messages are skipped (threaded via input.System); images
// are carried as inline bytes when the block holds base64 data.
func (p *BedrockProvider) convertMessages(messages []models.Message) ([]types.Message, error) {
	var result []types.Message

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText, models.BlockReasoning:
				if b.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: b.Text})
				}
			case models.BlockImage:
				block, err := convertBedrockImage(b)
				if err != nil {
					continue // unsupported image form; drop rather than fail the turn
				}
				content = append(content, block)
			case models.BlockToolUse:
				var inputDoc any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &inputDoc); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				} else {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ToolUseID),
						Name:      aws.String(b.ToolName),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			case models.BlockToolResult:
				status := types.ToolResultStatusSuccess
				if b.IsError {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(b.ToolResultForID),
						Status:    status,
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: b.Output},
						},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, nil
}

func convertBedrockImage(b models.ContentBlock) (*types.ContentBlockMemberImage, error) {
	if b.Data == "" {
		return nil, errors.New("image block has no inline data")
	}
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	format, ok := bedrockImageFormat(b.Mime)
	if !ok {
		return nil, fmt.Errorf("unsupported image mime %q", b.Mime)
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, nil
}

func bedrockImageFormat(mime string) (types.ImageFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0])) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func convertBedrockTools(tools []ToolSpec) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		var schema any
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		} else {
			schema = map[string]any{"type": "object"}
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func (p *BedrockProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	e := NewError("bedrock", model, err)
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"), strings.Contains(msg, "TooManyRequestsException"):
		return e.WithCode("rate_limit_error")
	case strings.Contains(msg, "ServiceUnavailableException"), strings.Contains(msg, "InternalServerException"):
		return e.WithStatus(503)
	case strings.Contains(msg, "AccessDeniedException"), strings.Contains(msg, "UnrecognizedClientException"):
		return e.WithStatus(401)
	case strings.Contains(msg, "ValidationException"):
		return e.WithStatus(400)
	default:
		return e
	}
}

// CountTokens estimates via the same ~4 chars/token heuristic as the
// other adapters; Bedrock has no universal token-counting endpoint
// across model families.
func (p *BedrockProvider) CountTokens(ctx context.Context, req CompletionRequest) (int, error) {
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

var _ ModelProvider = (*BedrockProvider)(nil)
