package context

import (
	"errors"

	"github.com/agentcore/kernel/pkg/models"
)

// TruncationStrategy defines how to reduce history when no summarizer
// is available to compress it.
type TruncationStrategy string

const (
	// TruncateOldest removes the oldest messages first.
	TruncateOldest TruncationStrategy = "oldest"

	// TruncateMiddle keeps the head and tail, removes the middle.
	TruncateMiddle TruncationStrategy = "middle"

	// TruncateNone returns an error instead of truncating.
	TruncateNone TruncationStrategy = "none"
)

// ErrContextTooLong is returned by TruncateNone when history exceeds
// the budget.
var ErrContextTooLong = errors.New("context: history exceeds token budget")

// TruncationResult reports what a truncation pass removed.
type TruncationResult struct {
	OriginalCount int                `json:"original_count"`
	NewCount      int                `json:"new_count"`
	RemovedCount  int                `json:"removed_count"`
	TokensFreed   int                `json:"tokens_freed"`
	Strategy      TruncationStrategy `json:"strategy"`
}

// Truncator drops messages to fit a token budget. It is the
// no-summarizer fallback behind Manager.Compress: where Compress folds
// the head into a synthetic summary message, the Truncator simply
// removes messages, never inventing content.
type Truncator struct {
	strategy  TruncationStrategy
	maxTokens int
	keepFirst int
	keepLast  int
}

// NewTruncator builds a Truncator for the given strategy and budget.
func NewTruncator(strategy TruncationStrategy, maxTokens int) *Truncator {
	return &Truncator{
		strategy:  strategy,
		maxTokens: maxTokens,
		keepFirst: 1,
		keepLast:  4,
	}
}

// SetKeepFirst sets how many leading messages TruncateMiddle preserves.
func (t *Truncator) SetKeepFirst(n int) {
	if n >= 0 {
		t.keepFirst = n
	}
}

// SetKeepLast sets how many trailing messages are always preserved.
func (t *Truncator) SetKeepLast(n int) {
	if n >= 0 {
		t.keepLast = n
	}
}

func messageTokens(m models.Message) int {
	total := EstimateTokens(m.Text())
	for _, b := range m.Content {
		total += EstimateTokens(b.Output)
		total += len(b.Input) / 4
	}
	return total
}

func totalTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += messageTokens(m)
	}
	return total
}

// pinned reports whether a message must survive truncation: system
// messages carry prompt scaffolding the model still needs.
func pinned(m models.Message) bool {
	return m.Role == models.RoleSystem
}

// Truncate reduces messages to fit the budget, or returns them
// unchanged (with a nil result) when they already fit.
func (t *Truncator) Truncate(messages []models.Message) ([]models.Message, *TruncationResult, error) {
	before := totalTokens(messages)
	if before <= t.maxTokens {
		return messages, nil, nil
	}

	result := &TruncationResult{
		OriginalCount: len(messages),
		Strategy:      t.strategy,
	}

	var kept []models.Message
	switch t.strategy {
	case TruncateOldest:
		kept = t.truncateOldest(messages)
	case TruncateMiddle:
		kept = t.truncateMiddle(messages)
	case TruncateNone:
		return messages, nil, ErrContextTooLong
	default:
		kept = t.truncateOldest(messages)
	}

	result.NewCount = len(kept)
	result.RemovedCount = result.OriginalCount - result.NewCount
	result.TokensFreed = before - totalTokens(kept)
	return kept, result, nil
}

// truncateOldest walks from the front dropping unpinned messages until
// the remainder fits, always preserving the last keepLast messages.
func (t *Truncator) truncateOldest(messages []models.Message) []models.Message {
	kept := append([]models.Message(nil), messages...)
	for i := 0; i < len(kept)-t.keepLast; {
		if totalTokens(kept) <= t.maxTokens {
			break
		}
		if pinned(kept[i]) {
			i++
			continue
		}
		kept = append(kept[:i], kept[i+1:]...)
	}
	return kept
}

// truncateMiddle preserves the first keepFirst and last keepLast
// messages and drops from the middle, oldest-middle first.
func (t *Truncator) truncateMiddle(messages []models.Message) []models.Message {
	kept := append([]models.Message(nil), messages...)
	for i := t.keepFirst; i < len(kept)-t.keepLast; {
		if totalTokens(kept) <= t.maxTokens {
			break
		}
		if pinned(kept[i]) {
			i++
			continue
		}
		kept = append(kept[:i], kept[i+1:]...)
	}
	return kept
}
