package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

// MemoryStore is an in-memory Store implementation, useful for tests and
// single-process embedding. Every read/write clones its payload so callers
// can't mutate shared state out from under the store.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string][]models.Message
	toolCalls map[string][]models.ToolCallRecord
	todos     map[string][]models.TodoItem
	events    map[string][]models.Event
	snapshots map[string]map[string]models.Snapshot
	info      map[string]models.AgentInfo
	aux       map[string]map[string][]byte
	poolMeta  []string

	locks map[string]*sync.Mutex
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string][]models.Message),
		toolCalls: make(map[string][]models.ToolCallRecord),
		todos:     make(map[string][]models.TodoItem),
		events:    make(map[string][]models.Event),
		snapshots: make(map[string]map[string]models.Snapshot),
		info:      make(map[string]models.AgentInfo),
		aux:       make(map[string]map[string][]byte),
		locks:     make(map[string]*sync.Mutex),
	}
}

func cloneMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	copy(out, in)
	return out
}

func (s *MemoryStore) SaveMessages(ctx context.Context, agentID string, messages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[agentID] = cloneMessages(messages)
	return nil
}

func (s *MemoryStore) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages[agentID]), nil
}

func (s *MemoryStore) SaveToolCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ToolCallRecord, len(records))
	copy(out, records)
	s.toolCalls[agentID] = out
	return nil
}

func (s *MemoryStore) LoadToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ToolCallRecord, len(s.toolCalls[agentID]))
	copy(out, s.toolCalls[agentID])
	return out, nil
}

func (s *MemoryStore) SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TodoItem, len(todos))
	copy(out, todos)
	s.todos[agentID] = out
	return nil
}

func (s *MemoryStore) LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TodoItem, len(s.todos[agentID]))
	copy(out, s.todos[agentID])
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.AgentID] = append(s.events[event.AgentID], event)
	return nil
}

func (s *MemoryStore) ReadEvents(ctx context.Context, agentID string, since *models.Bookmark, filter EventFilter) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var allowed map[models.Channel]bool
	if len(filter.Channels) > 0 {
		allowed = make(map[models.Channel]bool, len(filter.Channels))
		for _, c := range filter.Channels {
			allowed[c] = true
		}
	}

	var out []models.Event
	for _, e := range s.events[agentID] {
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

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots[snapshot.AgentID] == nil {
		s.snapshots[snapshot.AgentID] = make(map[string]models.Snapshot)
	}
	s.snapshots[snapshot.AgentID][snapshot.ID] = snapshot
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[agentID][snapshotID]
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Snapshot, 0, len(s.snapshots[agentID]))
	for _, snap := range s.snapshots[agentID] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveInfo(ctx context.Context, info models.AgentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[info.AgentID] = info
	return nil
}

func (s *MemoryStore) LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.info[agentID]
	if !ok {
		return models.AgentInfo{}, ErrNotFound
	}
	return info, nil
}

func (s *MemoryStore) Exists(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.info[agentID]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, agentID)
	delete(s.toolCalls, agentID)
	delete(s.todos, agentID)
	delete(s.events, agentID)
	delete(s.snapshots, agentID)
	delete(s.info, agentID)
	delete(s.aux, agentID)
	return nil
}

func (s *MemoryStore) SaveAux(ctx context.Context, agentID, name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aux[agentID] == nil {
		s.aux[agentID] = make(map[string][]byte)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	s.aux[agentID][name] = out
	return nil
}

func (s *MemoryStore) LoadAux(ctx context.Context, agentID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.aux[agentID][name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id := range s.info {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SavePoolMeta(ctx context.Context, runningAgentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(runningAgentIDs))
	copy(out, runningAgentIDs)
	s.poolMeta = out
	return nil
}

func (s *MemoryStore) LoadPoolMeta(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.poolMeta))
	copy(out, s.poolMeta)
	return out, nil
}

// AcquireAgentLock returns a per-process mutex. This is NOT a real
// cross-process mutex: MemoryStore is single-process by construction, so
// HealthCheck reports SingleProcessOnly so embedders don't deploy it
// across multiple processes.
func (s *MemoryStore) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (ReleaseFunc, error) {
	s.mu.Lock()
	lock, ok := s.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[agentID] = lock
	}
	s.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() error { lock.Unlock(); return nil }, nil
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}

func (s *MemoryStore) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		OK:                true,
		SingleProcessOnly: true,
		Detail:            "MemoryStore's acquireAgentLock is an in-process mutex only; do not run multiple processes against the same in-memory store",
	}
}

func (s *MemoryStore) QueryMessages(ctx context.Context, agentID string, opts ListOptions) ([]models.Message, error) {
	all, _ := s.LoadMessages(ctx, agentID)
	return paginate(all, opts), nil
}

func (s *MemoryStore) QueryToolCalls(ctx context.Context, agentID string, opts ListOptions) ([]models.ToolCallRecord, error) {
	all, _ := s.LoadToolCalls(ctx, agentID)
	return paginate(all, opts), nil
}

func (s *MemoryStore) AggregateStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	stats.AgentCount = int64(len(s.info))
	for _, m := range s.messages {
		stats.MessageCount += int64(len(m))
	}
	for _, t := range s.toolCalls {
		stats.ToolCallCount += int64(len(t))
	}
	for _, e := range s.events {
		stats.EventCount += int64(len(e))
	}
	return stats, nil
}

func paginate[T any](items []T, opts ListOptions) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var _ ExtendedStore = (*MemoryStore)(nil)
