// Package store defines the abstract durable-state contract for agents
// and provides a handful of concrete backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// EventFilter narrows readEvents to a subset of channels. A nil/empty
// slice means all channels.
type EventFilter struct {
	Channels []models.Channel
}

// ListOptions paginates and filters the extended query surface.
type ListOptions struct {
	Prefix string
	Limit  int
	Offset int
}

// Stats is the aggregate result of the optional aggregateStats surface.
type Stats struct {
	AgentCount    int64
	MessageCount  int64
	ToolCallCount int64
	EventCount    int64
}

// HealthStatus is returned by HealthCheck. Backends whose distributed
// lock is not a real cross-process mutex MUST set SingleProcessOnly so
// embedders do not accidentally deploy them across multiple processes.
type HealthStatus struct {
	OK                bool
	SingleProcessOnly bool
	Detail            string
}

// ReleaseFunc releases a lock acquired via AcquireAgentLock.
type ReleaseFunc func() error

// Store is the abstract persistence contract. Every operation is
// identified by agent id and must be idempotent on retry; writes must
// either succeed completely or be undetectable (see the WAL-based
// LocalFileStore for the reference crash-safety implementation).
type Store interface {
	// Messages (replace-on-write).
	SaveMessages(ctx context.Context, agentID string, messages []models.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]models.Message, error)

	// Tool-call-record table.
	SaveToolCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error
	LoadToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error)

	// Todo snapshot.
	SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error
	LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error)

	// Append-only event log.
	AppendEvent(ctx context.Context, event models.Event) error
	ReadEvents(ctx context.Context, agentID string, since *models.Bookmark, filter EventFilter) ([]models.Event, error)

	// Snapshots.
	SaveSnapshot(ctx context.Context, snapshot models.Snapshot) error
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (models.Snapshot, error)
	ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error)

	// Agent metadata.
	SaveInfo(ctx context.Context, info models.AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, error)

	Exists(ctx context.Context, agentID string) (bool, error)
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// Pool-wide metadata, reserved key "__pool_meta__" (never a normal
	// agent id; see DESIGN.md for the namespace-collision resolution).
	SavePoolMeta(ctx context.Context, runningAgentIDs []string) error
	LoadPoolMeta(ctx context.Context) ([]string, error)

	// Named auxiliary maps per agent (replace-on-write blobs). These back
	// the secondary state the kernel accumulates around the primary maps:
	// AuxHistoryWindows, AuxCompressionRecords, AuxRecoveredFiles, and
	// AuxMediaCache. Loading a never-written name returns (nil, nil).
	SaveAux(ctx context.Context, agentID, name string, payload []byte) error
	LoadAux(ctx context.Context, agentID, name string) ([]byte, error)
}

// Reserved auxiliary map names.
const (
	AuxHistoryWindows     = "historyWindows"
	AuxCompressionRecords = "compressionRecords"
	AuxRecoveredFiles     = "recoveredFiles"
	AuxMediaCache         = "mediaCache"
)

// ExtendedStore is the optional richer surface some backends provide.
type ExtendedStore interface {
	Store

	QueryMessages(ctx context.Context, agentID string, opts ListOptions) ([]models.Message, error)
	QueryToolCalls(ctx context.Context, agentID string, opts ListOptions) ([]models.ToolCallRecord, error)
	AggregateStats(ctx context.Context) (Stats, error)
	HealthCheck(ctx context.Context) HealthStatus
	AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (ReleaseFunc, error)
}

// PoolMetaKey is the reserved key for the pool-wide running-agents list;
// it must never collide with a real agent id.
const PoolMetaKey = "__pool_meta__"
