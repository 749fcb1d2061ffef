// Package snapshot implements the snapshot/fork engine: capturing an
// agent's history at a Safe-Fork-Point and materializing a new agent
// from that capture with copied messages, todos, and the tool records
// the copied messages reference. Event logs are never copied; a fork
// starts its own.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

// ErrNoSafeForkPoint is returned by Snapshot when the history contains
// no message eligible as a Safe-Fork-Point (e.g. an empty history, or
// one that ends mid-assistant-turn with no earlier user message).
var ErrNoSafeForkPoint = errors.New("snapshot: history has no safe fork point")

// ErrNoSnapshots is returned by Fork when the source agent has no
// snapshot matching the selector.
var ErrNoSnapshots = errors.New("snapshot: no matching snapshot")

// Engine captures and materializes snapshots through a store.Store.
type Engine struct {
	store store.Store
}

// NewEngine constructs an Engine over s.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// LastSafeForkPoint returns the highest message index in history that is
// a legal Safe-Fork-Point, or -1 if none exists.
func LastSafeForkPoint(history []models.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsSafeForkPoint() {
			return i
		}
	}
	return -1
}

// Snapshot captures agentID's history up to its most recent
// Safe-Fork-Point, persists it, and records the new SFP index on the
// agent's metadata.
func (e *Engine) Snapshot(ctx context.Context, agentID, label string) (models.Snapshot, error) {
	history, err := e.store.LoadMessages(ctx, agentID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: load history: %w", err)
	}

	sfp := LastSafeForkPoint(history)
	if sfp < 0 {
		return models.Snapshot{}, ErrNoSafeForkPoint
	}

	info, err := e.store.LoadInfo(ctx, agentID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: load info: %w", err)
	}

	snap := models.Snapshot{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Label:     label,
		Messages:  append([]models.Message(nil), history[:sfp+1]...),
		SFPIndex:  int64(sfp),
		Bookmark:  info.LastBookmark,
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: persist: %w", err)
	}

	info.LastSFPIndex = snap.SFPIndex
	if err := e.store.SaveInfo(ctx, info); err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: update info: %w", err)
	}
	return snap, nil
}

// List returns agentID's snapshots in creation order.
func (e *Engine) List(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	return e.store.ListSnapshots(ctx, agentID)
}

// Fork materializes a new agent from one of agentID's snapshots.
// snapshotID selects which; empty means the most recent. newID names
// the child; empty allocates a fresh uuid. The child receives a copy of
// the snapshot's messages, the subset of tool records those messages
// reference, and the source's todos at fork time. It gets a fresh event
// log and a lineage extended with the source's id.
func (e *Engine) Fork(ctx context.Context, agentID, snapshotID, newID string) (models.AgentInfo, error) {
	snap, err := e.selectSnapshot(ctx, agentID, snapshotID)
	if err != nil {
		return models.AgentInfo{}, err
	}

	if newID == "" {
		newID = uuid.NewString()
	}
	exists, err := e.store.Exists(ctx, newID)
	if err != nil {
		return models.AgentInfo{}, fmt.Errorf("snapshot: check fork id: %w", err)
	}
	if exists {
		return models.AgentInfo{}, fmt.Errorf("snapshot: fork target %q: %w", newID, store.ErrAlreadyExists)
	}

	srcInfo, err := e.store.LoadInfo(ctx, agentID)
	if err != nil {
		return models.AgentInfo{}, fmt.Errorf("snapshot: load source info: %w", err)
	}

	messages := make([]models.Message, len(snap.Messages))
	referenced := make(map[string]bool)
	for i, m := range snap.Messages {
		m.AgentID = newID
		messages[i] = m
		for _, id := range m.ToolUseIDs() {
			referenced[id] = true
		}
	}
	if err := e.store.SaveMessages(ctx, newID, messages); err != nil {
		return models.AgentInfo{}, fmt.Errorf("snapshot: copy messages: %w", err)
	}

	records, err := e.store.LoadToolCalls(ctx, agentID)
	if err != nil {
		return models.AgentInfo{}, fmt.Errorf("snapshot: load source tool calls: %w", err)
	}
	var copied []models.ToolCallRecord
	for _, r := range records {
		if !referenced[r.ID] {
			continue
		}
		r.AgentID = newID
		copied = append(copied, r)
	}
	if len(copied) > 0 {
		if err := e.store.SaveToolCalls(ctx, newID, copied); err != nil {
			return models.AgentInfo{}, fmt.Errorf("snapshot: copy tool calls: %w", err)
		}
	}

	todos, err := e.store.LoadTodos(ctx, agentID)
	if err != nil {
		return models.AgentInfo{}, fmt.Errorf("snapshot: load source todos: %w", err)
	}
	if len(todos) > 0 {
		if err := e.store.SaveTodos(ctx, newID, todos); err != nil {
			return models.AgentInfo{}, fmt.Errorf("snapshot: copy todos: %w", err)
		}
	}

	lineage := append(append([]string(nil), srcInfo.Lineage...), agentID)
	info := models.AgentInfo{
		AgentID:         newID,
		TemplateID:      srcInfo.TemplateID,
		TemplateVersion: srcInfo.TemplateVersion,
		CreatedAt:       time.Now(),
		Lineage:         lineage,
		ConfigHash:      srcInfo.ConfigHash,
		MessageCount:    int64(len(messages)),
		LastSFPIndex:    snap.SFPIndex,
		Breakpoint:      models.BreakpointReady,
	}
	if err := e.store.SaveInfo(ctx, info); err != nil {
		return models.AgentInfo{}, fmt.Errorf("snapshot: save fork info: %w", err)
	}
	return info, nil
}

func (e *Engine) selectSnapshot(ctx context.Context, agentID, snapshotID string) (models.Snapshot, error) {
	if snapshotID != "" {
		snap, err := e.store.LoadSnapshot(ctx, agentID, snapshotID)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("snapshot: load %s: %w", snapshotID, err)
		}
		return snap, nil
	}

	snaps, err := e.store.ListSnapshots(ctx, agentID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: list: %w", err)
	}
	if len(snaps) == 0 {
		return models.Snapshot{}, ErrNoSnapshots
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}
