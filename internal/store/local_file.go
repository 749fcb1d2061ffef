package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

// LocalFileStore persists each agent's maps as JSON files under a root
// directory, one subdirectory per agent id. Every write goes through a
// write-ahead file that is fsynced before being renamed over the target,
// so a crash between the two leaves either the old or the new state
// intact, never a half-written file.
type LocalFileStore struct {
	root string
	mu   sync.Mutex // serializes AppendEvent calls; the writeAtomic-based saves do not take it
}

// NewLocalFileStore creates a store rooted at dir, creating it if needed.
func NewLocalFileStore(dir string) (*LocalFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalFileStore{root: dir}, nil
}

func (s *LocalFileStore) agentDir(agentID string) string {
	return filepath.Join(s.root, "agents", agentID)
}

// writeAtomic writes data to path via a `.wal` sibling file, fsyncs it,
// then renames over path. A crash before the rename leaves path
// untouched; a crash after leaves the new content in place. Either way
// the next open sees a consistent file, never a partial one.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	walPath := path + ".wal"
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(walPath, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *LocalFileStore) SaveMessages(ctx context.Context, agentID string, messages []models.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.agentDir(agentID), "messages.json"), data)
}

func (s *LocalFileStore) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	var out []models.Message
	if err := readJSON(filepath.Join(s.agentDir(agentID), "messages.json"), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *LocalFileStore) SaveToolCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.agentDir(agentID), "tool_calls.json"), data)
}

func (s *LocalFileStore) LoadToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	var out []models.ToolCallRecord
	if err := readJSON(filepath.Join(s.agentDir(agentID), "tool_calls.json"), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *LocalFileStore) SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.agentDir(agentID), "todos.json"), data)
}

func (s *LocalFileStore) LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	var out []models.TodoItem
	if err := readJSON(filepath.Join(s.agentDir(agentID), "todos.json"), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// AppendEvent opens the event log in append mode and writes one JSON line.
// This file is append-only; it is never rewritten in place, so a crash
// mid-append at worst truncates the last line, which readers detect and
// discard.
func (s *LocalFileStore) AppendEvent(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.agentDir(event.AgentID), "events.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *LocalFileStore) ReadEvents(ctx context.Context, agentID string, since *models.Bookmark, filter EventFilter) ([]models.Event, error) {
	path := filepath.Join(s.agentDir(agentID), "events.log")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var allowed map[models.Channel]bool
	if len(filter.Channels) > 0 {
		allowed = make(map[models.Channel]bool, len(filter.Channels))
		for _, c := range filter.Channels {
			allowed[c] = true
		}
	}

	var out []models.Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e models.Event
		if err := dec.Decode(&e); err != nil {
			break // EOF or a truncated trailing line from a crash; both stop iteration here
		}
		if since != nil && !since.Before(e.Bookmark) {
			continue
		}
		if allowed != nil && !allowed[e.Channel] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *LocalFileStore) SaveSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.agentDir(snapshot.AgentID), "snapshots", snapshot.ID+".json"), data)
}

func (s *LocalFileStore) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (models.Snapshot, error) {
	var out models.Snapshot
	err := readJSON(filepath.Join(s.agentDir(agentID), "snapshots", snapshotID+".json"), &out)
	return out, err
}

func (s *LocalFileStore) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	dir := filepath.Join(s.agentDir(agentID), "snapshots")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.Snapshot
	for _, e := range entries {
		var snap models.Snapshot
		if err := readJSON(filepath.Join(dir, e.Name()), &snap); err == nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *LocalFileStore) SaveInfo(ctx context.Context, info models.AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.agentDir(info.AgentID), "info.json"), data)
}

func (s *LocalFileStore) LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, error) {
	var out models.AgentInfo
	err := readJSON(filepath.Join(s.agentDir(agentID), "info.json"), &out)
	return out, err
}

func (s *LocalFileStore) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.agentDir(agentID), "info.json"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalFileStore) Delete(ctx context.Context, agentID string) error {
	return os.RemoveAll(s.agentDir(agentID))
}

func (s *LocalFileStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(s.root, "agents")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *LocalFileStore) SavePoolMeta(ctx context.Context, runningAgentIDs []string) error {
	data, err := json.Marshal(runningAgentIDs)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.root, PoolMetaKey+".json"), data)
}

func (s *LocalFileStore) LoadPoolMeta(ctx context.Context) ([]string, error) {
	var out []string
	if err := readJSON(filepath.Join(s.root, PoolMetaKey+".json"), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// SaveAux persists one named auxiliary blob under the agent's directory.
// Names are constrained to path-safe identifiers by convention (the
// reserved Aux* constants); anything else is the caller's risk.
func (s *LocalFileStore) SaveAux(ctx context.Context, agentID, name string, payload []byte) error {
	return writeAtomic(filepath.Join(s.agentDir(agentID), "aux", name+".json"), payload)
}

func (s *LocalFileStore) LoadAux(ctx context.Context, agentID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), "aux", name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// AcquireAgentLock uses a lockfile created with O_EXCL as a cooperative,
// single-host mutex. Like MemoryStore, this is NOT a cross-host
// distributed lock; HealthCheck reports SingleProcessOnly.
func (s *LocalFileStore) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (ReleaseFunc, error) {
	path := filepath.Join(s.agentDir(agentID), ".lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() error { return os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *LocalFileStore) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		OK:                true,
		SingleProcessOnly: true,
		Detail:            "LocalFileStore's acquireAgentLock is a host-local lockfile, not a distributed lock; do not point multiple hosts at the same directory",
	}
}

func (s *LocalFileStore) QueryMessages(ctx context.Context, agentID string, opts ListOptions) ([]models.Message, error) {
	all, err := s.LoadMessages(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return paginate(all, opts), nil
}

func (s *LocalFileStore) QueryToolCalls(ctx context.Context, agentID string, opts ListOptions) ([]models.ToolCallRecord, error) {
	all, err := s.LoadToolCalls(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return paginate(all, opts), nil
}

func (s *LocalFileStore) AggregateStats(ctx context.Context) (Stats, error) {
	ids, err := s.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{AgentCount: int64(len(ids))}
	for _, id := range ids {
		msgs, _ := s.LoadMessages(ctx, id)
		stats.MessageCount += int64(len(msgs))
		calls, _ := s.LoadToolCalls(ctx, id)
		stats.ToolCallCount += int64(len(calls))
		events, _ := s.ReadEvents(ctx, id, nil, EventFilter{})
		stats.EventCount += int64(len(events))
	}
	return stats, nil
}

var _ ExtendedStore = (*LocalFileStore)(nil)
