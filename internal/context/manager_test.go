package context

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentcore/kernel/pkg/models"
)

type captureEmitter struct {
	events []models.EventType
}

func (c *captureEmitter) EmitMonitor(agentID string, eventType models.EventType, data map[string]any) {
	c.events = append(c.events, eventType)
}

func TestToolManualUpdatedOnlyOnChange(t *testing.T) {
	em := &captureEmitter{}
	m := NewManager(Config{}, em)

	tools := []ToolManualEntry{{Name: "read", Description: "reads a file"}}
	m.AssembleSystemPrompt("a1", "you are an agent", tools)
	m.AssembleSystemPrompt("a1", "you are an agent", tools)

	if len(em.events) != 1 {
		t.Fatalf("expected exactly one tool_manual_updated, got %d", len(em.events))
	}

	tools = append(tools, ToolManualEntry{Name: "write", Description: "writes a file"})
	m.AssembleSystemPrompt("a1", "you are an agent", tools)
	if len(em.events) != 2 {
		t.Fatalf("expected a second tool_manual_updated after manual changed, got %d", len(em.events))
	}
}

func TestCompressLeavesSmallHistoryUntouched(t *testing.T) {
	m := NewManager(Config{MaxTokens: 1_000_000}, nil)
	history := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
	}
	res := m.Compress("a1", history, nil)
	if res.Compressed {
		t.Fatal("expected no compression under budget")
	}
}

func TestCompressSummarizesOldestSegment(t *testing.T) {
	em := &captureEmitter{}
	m := NewManager(Config{MaxTokens: 10, CompressToTokens: 2}, em)

	history := make([]models.Message, 0)
	for i := 0; i < 20; i++ {
		history = append(history, models.Message{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockText, Text: strings.Repeat("word ", 20)}},
		})
	}

	res := m.Compress("a1", history, func(head []models.Message) string { return "summary of earlier turns" })
	if !res.Compressed {
		t.Fatal("expected compression to trigger")
	}
	if res.Messages[0].Role != models.RoleSystem {
		t.Fatalf("expected synthetic system summary message first, got %v", res.Messages[0].Role)
	}
	if len(em.events) != 2 {
		t.Fatalf("expected context_compression start+end events, got %d", len(em.events))
	}
}

func TestApplyMultimodalRetentionKeepsOnlyRecent(t *testing.T) {
	m := NewManager(Config{MultimodalKeepRecent: 1}, nil)
	history := []models.Message{
		{Content: []models.ContentBlock{{Type: models.BlockImage, URL: "a.png"}}},
		{Content: []models.ContentBlock{{Type: models.BlockImage, URL: "b.png"}}},
	}
	out := m.ApplyMultimodalRetention(history, func(b models.ContentBlock) string { return "cache-id" })
	if out[0].Content[0].Type != models.BlockText {
		t.Fatalf("expected oldest image replaced with placeholder text, got %v", out[0].Content[0].Type)
	}
	if out[1].Content[0].Type != models.BlockImage {
		t.Fatalf("expected most recent image retained, got %v", out[1].Content[0].Type)
	}
}

func TestApplyReasoningTransport(t *testing.T) {
	history := []models.Message{
		{Content: []models.ContentBlock{{Type: models.BlockReasoning, Text: "thinking..."}}},
	}

	text := NewManager(Config{ReasoningTransport: ReasoningText}, nil).ApplyReasoningTransport(history)
	if !strings.Contains(text[0].Content[0].Text, "<think>") {
		t.Fatalf("expected collapsed think tag, got %v", text[0].Content)
	}

	omit := NewManager(Config{ReasoningTransport: ReasoningOmit}, nil).ApplyReasoningTransport(history)
	if len(omit[0].Content) != 0 {
		t.Fatalf("expected reasoning block dropped, got %v", omit[0].Content)
	}
}

func TestCompressWithoutSummarizerTruncatesOldest(t *testing.T) {
	m := NewManager(Config{MaxTokens: 30, CompressToTokens: 10}, nil)

	history := make([]models.Message, 0)
	for i := 0; i < 10; i++ {
		history = append(history, models.Message{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockText, Text: strings.Repeat("word ", 20)}},
		})
	}

	res := m.Compress("a1", history, nil)
	if !res.Compressed {
		t.Fatal("expected compression to trigger")
	}
	if len(res.Messages) >= len(history) {
		t.Fatalf("expected messages dropped without a summarizer, got %d of %d", len(res.Messages), len(history))
	}
	for _, msg := range res.Messages {
		if msg.Role == models.RoleSystem {
			t.Fatal("no synthetic summary message should appear without a summarizer")
		}
	}
}

type auxCapture struct {
	saved map[string][]byte
}

func (a *auxCapture) SaveAux(ctx context.Context, agentID, name string, payload []byte) error {
	if a.saved == nil {
		a.saved = make(map[string][]byte)
	}
	a.saved[name] = payload
	return nil
}

func (a *auxCapture) LoadAux(ctx context.Context, agentID, name string) ([]byte, error) {
	return a.saved[name], nil
}

func TestCompressJournalsCompressionRecord(t *testing.T) {
	aux := &auxCapture{}
	m := NewManager(Config{MaxTokens: 10, CompressToTokens: 2}, nil)
	m.SetAuxStore(aux)

	history := make([]models.Message, 0)
	for i := 0; i < 20; i++ {
		history = append(history, models.Message{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockText, Text: strings.Repeat("word ", 20)}},
		})
	}
	m.Compress("a1", history, func(head []models.Message) string { return "earlier turns summarized" })

	data := aux.saved["compressionRecords"]
	if len(data) == 0 {
		t.Fatal("expected a compression record journaled to the aux map")
	}
	var records []compressionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	if len(records) != 1 || !records[0].Summarized {
		t.Fatalf("unexpected records: %+v", records)
	}
}
