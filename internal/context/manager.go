package context

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

// ToolManualEntry is one tool's contribution to the assembled tool manual.
type ToolManualEntry struct {
	Name        string
	Description string
	Prompt      string // optional extra prompt contribution
}

// ReasoningTransport controls how reasoning/thinking blocks cross into the
// outgoing model context. History on disk is unaffected by this setting.
type ReasoningTransport string

const (
	ReasoningProvider ReasoningTransport = "provider" // native reasoning blocks
	ReasoningText     ReasoningTransport = "text"     // collapse to <think>...</think>
	ReasoningOmit     ReasoningTransport = "omit"     // drop entirely
)

// Config is the Context configuration option block (§6).
type Config struct {
	MaxTokens            int
	CompressToTokens     int
	MultimodalKeepRecent int // default 3
	ReasoningTransport   ReasoningTransport
	Model                string // for per-provider cost model lookup
}

// Emitter is the narrow slice of EventBus the manager needs.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// AuxStore is the optional slice of store.Store the manager journals
// compression records through (the "compressionRecords" auxiliary map).
type AuxStore interface {
	SaveAux(ctx context.Context, agentID, name string, payload []byte) error
	LoadAux(ctx context.Context, agentID, name string) ([]byte, error)
}

// Manager assembles the outgoing prompt context each turn.
type Manager struct {
	cfg            Config
	emitter        Emitter
	aux            AuxStore
	lastManualHash string
}

// NewManager constructs a Manager with defaults filled in.
func NewManager(cfg Config, emitter Emitter) *Manager {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultContextWindow
	}
	if cfg.CompressToTokens == 0 {
		cfg.CompressToTokens = cfg.MaxTokens / 2
	}
	if cfg.MultimodalKeepRecent == 0 {
		cfg.MultimodalKeepRecent = 3
	}
	if cfg.ReasoningTransport == "" {
		cfg.ReasoningTransport = ReasoningProvider
	}
	return &Manager{cfg: cfg, emitter: emitter}
}

// SetAuxStore attaches the durable store the manager journals
// compression records to. Optional; without it, records are not kept.
func (m *Manager) SetAuxStore(aux AuxStore) {
	m.aux = aux
}

// compressionRecord is one entry in the "compressionRecords" aux map.
type compressionRecord struct {
	Ratio         float64   `json:"ratio"`
	OriginalCount int       `json:"original_count"`
	NewCount      int       `json:"new_count"`
	Summarized    bool      `json:"summarized"`
	At            time.Time `json:"at"`
}

func (m *Manager) recordCompression(agentID string, rec compressionRecord) {
	if m.aux == nil {
		return
	}
	ctx := context.Background()
	var records []compressionRecord
	if data, err := m.aux.LoadAux(ctx, agentID, "compressionRecords"); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &records)
	}
	records = append(records, rec)
	if data, err := json.Marshal(records); err == nil {
		_ = m.aux.SaveAux(ctx, agentID, "compressionRecords", data)
	}
}

// AssembleSystemPrompt builds the system prompt plus tool manual, and
// emits tool_manual_updated when the manual's content hash changes from
// the last call.
func (m *Manager) AssembleSystemPrompt(agentID, template string, tools []ToolManualEntry) string {
	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\n## Tools\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if t.Prompt != "" {
			b.WriteString(t.Prompt)
			b.WriteString("\n")
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	hash := hex.EncodeToString(sum[:])
	if hash != m.lastManualHash {
		m.lastManualHash = hash
		if m.emitter != nil {
			m.emitter.EmitMonitor(agentID, models.EventToolManualUpdated, map[string]any{"hash": hash})
		}
	}
	return b.String()
}

// windowFor returns the effective token window for the configured model.
func (m *Manager) windowFor() int {
	if m.cfg.Model != "" {
		if tokens, ok := GetModelContextWindow(m.cfg.Model); ok {
			return tokens
		}
	}
	return m.cfg.MaxTokens
}

// CompressResult reports the outcome of a compression pass.
type CompressResult struct {
	Compressed bool
	Ratio      float64
	Summary    string
	Messages   []models.Message
}

// Compress applies step 2 of the ContextManager algorithm: if the
// estimated token count of history exceeds the budget, summarize the
// oldest segment down to one synthetic system message and keep the tail
// intact. summarize is supplied by the caller (it typically calls back
// into the ModelProvider or a cheaper summarization model).
func (m *Manager) Compress(agentID string, history []models.Message, summarize func([]models.Message) string) CompressResult {
	total := 0
	for _, msg := range history {
		total += EstimateTokens(msg.Text())
	}
	budget := m.windowFor()
	if total <= budget {
		return CompressResult{Messages: history}
	}

	if m.emitter != nil {
		m.emitter.EmitMonitor(agentID, models.EventContextCompression, map[string]any{"phase": "start"})
	}

	// Keep the tail that fits within CompressToTokens; summarize the rest.
	var tail []models.Message
	tailTokens := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		t := EstimateTokens(history[i].Text())
		if tailTokens+t > m.cfg.CompressToTokens {
			cut = i + 1
			break
		}
		tailTokens += t
		cut = i
	}
	tail = history[cut:]
	head := history[:cut]

	summary := ""
	if summarize != nil && len(head) > 0 {
		summary = summarize(head)
	}

	var out []models.Message
	if summary != "" {
		out = make([]models.Message, 0, len(tail)+1)
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: []models.ContentBlock{{Type: models.BlockText, Text: summary}},
		})
		out = append(out, tail...)
	} else {
		// No summarizer: fall back to dropping the oldest unpinned
		// messages outright rather than silently sending an over-budget
		// context.
		truncated, _, err := NewTruncator(TruncateOldest, budget).Truncate(history)
		if err != nil {
			truncated = tail
		}
		out = truncated
	}

	ratio := 0.0
	if total > 0 {
		newTotal := 0
		for _, msg := range out {
			newTotal += EstimateTokens(msg.Text())
		}
		ratio = float64(newTotal) / float64(total)
	}

	if m.emitter != nil {
		m.emitter.EmitMonitor(agentID, models.EventContextCompression, map[string]any{
			"phase": "end", "ratio": ratio, "summary": summary,
		})
	}

	m.recordCompression(agentID, compressionRecord{
		Ratio:         ratio,
		OriginalCount: len(history),
		NewCount:      len(out),
		Summarized:    summary != "",
		At:            time.Now(),
	})

	return CompressResult{Compressed: true, Ratio: ratio, Summary: summary, Messages: out}
}

// ApplyMultimodalRetention keeps only the most recent N multimodal
// messages; earlier image/audio/file blocks become placeholder text
// referencing a media cache id. The caller's media cache (Store-backed)
// retains the actual bytes.
func (m *Manager) ApplyMultimodalRetention(history []models.Message, mediaCacheID func(models.ContentBlock) string) []models.Message {
	keep := m.cfg.MultimodalKeepRecent
	multimodalIdx := make([]int, 0)
	for i, msg := range history {
		for _, b := range msg.Content {
			if isMultimodal(b.Type) {
				multimodalIdx = append(multimodalIdx, i)
				break
			}
		}
	}
	if len(multimodalIdx) <= keep {
		return history
	}
	cutoff := multimodalIdx[len(multimodalIdx)-keep]

	out := make([]models.Message, len(history))
	copy(out, history)
	for _, i := range multimodalIdx {
		if i >= cutoff {
			continue
		}
		newBlocks := make([]models.ContentBlock, len(out[i].Content))
		copy(newBlocks, out[i].Content)
		for j, b := range newBlocks {
			if isMultimodal(b.Type) {
				id := ""
				if mediaCacheID != nil {
					id = mediaCacheID(b)
				}
				newBlocks[j] = models.ContentBlock{
					Type: models.BlockText,
					Text: fmt.Sprintf("[media reference: %s]", id),
				}
			}
		}
		out[i].Content = newBlocks
	}
	return out
}

func isMultimodal(t models.BlockType) bool {
	return t == models.BlockImage || t == models.BlockAudio || t == models.BlockFile
}

// ApplyReasoningTransport transforms reasoning blocks in the outgoing
// context only; it never mutates the persisted history.
func (m *Manager) ApplyReasoningTransport(history []models.Message) []models.Message {
	if m.cfg.ReasoningTransport == ReasoningProvider {
		return history
	}
	out := make([]models.Message, len(history))
	copy(out, history)
	for i, msg := range out {
		var blocks []models.ContentBlock
		for _, b := range msg.Content {
			if b.Type != models.BlockReasoning {
				blocks = append(blocks, b)
				continue
			}
			switch m.cfg.ReasoningTransport {
			case ReasoningText:
				blocks = append(blocks, models.ContentBlock{
					Type: models.BlockText,
					Text: "<think>" + b.Text + "</think>",
				})
			case ReasoningOmit:
				// dropped
			}
		}
		out[i].Content = blocks
	}
	return out
}
