package provider

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

func TestNewAnthropicProviderValidatesAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.maxRetries != 3 {
		t.Fatalf("expected default MaxRetries 3, got %d", p.maxRetries)
	}
	if p.retryDelay != time.Second {
		t.Fatalf("expected default RetryDelay 1s, got %v", p.retryDelay)
	}
	if p.defaultModel != "claude-sonnet-4-20250514" {
		t.Fatalf("expected default model, got %q", p.defaultModel)
	}
}

func TestAnthropicProviderNameAndModels(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if p.Name() != "anthropic" {
		t.Fatalf("expected name anthropic, got %q", p.Name())
	}
	if len(p.Models()) == 0 {
		t.Fatal("expected a non-empty model list")
	}
}

func TestGetModelFallsBackToDefault(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k", DefaultModel: "claude-opus-4-20250514"})
	if got := p.getModel(""); got != "claude-opus-4-20250514" {
		t.Fatalf("expected default model, got %q", got)
	}
	if got := p.getModel("claude-3-haiku-20240307"); got != "claude-3-haiku-20240307" {
		t.Fatalf("expected explicit model honored, got %q", got)
	}
}

func TestGetMaxTokensDefaultsWhenUnset(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if got := p.getMaxTokens(0); got != 4096 {
		t.Fatalf("expected default 4096, got %d", got)
	}
	if got := p.getMaxTokens(8000); got != 8000 {
		t.Fatalf("expected explicit value honored, got %d", got)
	}
}

func TestConvertMessagesSkipsSystemAndMapsRoles(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	messages := []models.Message{
		{Role: models.RoleSystem, Content: []models.ContentBlock{{Type: models.BlockText, Text: "ignored"}}},
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hello"}}},
	}

	converted, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(converted) != 2 {
		t.Fatalf("expected system message skipped, got %d converted messages", len(converted))
	}
}

func TestConvertMessagesRejectsInvalidToolInput(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			{Type: models.BlockToolUse, ToolUseID: "t1", ToolName: "search", Input: json.RawMessage("not json")},
		}},
	}
	if _, err := p.convertMessages(messages); err == nil {
		t.Fatal("expected error for malformed tool_use input")
	}
}

func TestConvertToolsRejectsInvalidSchema(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	tools := []ToolSpec{{Name: "search", Description: "search the web", Schema: json.RawMessage("not json")}}
	if _, err := p.convertTools(tools); err == nil {
		t.Fatal("expected error for malformed tool schema")
	}
}

func TestCountTokensAccountsForMessagesAndTools(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	req := CompletionRequest{
		System: "you are a helpful assistant",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hello there"}}},
		},
		Tools: []ToolSpec{{Name: "search", Description: "search the web", Schema: json.RawMessage(`{"type":"object"}`)}},
	}
	count, err := p.CountTokens(nil, req)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count <= 0 {
		t.Fatalf("expected positive token estimate, got %d", count)
	}
}
