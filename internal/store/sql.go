package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentcore/kernel/pkg/models"
)

// SQLStore is a database/sql-backed ExtendedStore. The same schema and
// query set runs against Postgres (via lib/pq, for multi-process
// deployments with a real advisory lock) and against sqlite (via
// modernc.org/sqlite, for an embedded single-process deployment); the
// two constructors below only differ in driver name, DSN, and whether
// AcquireAgentLock can use a real distributed primitive.
type SQLStore struct {
	db                *sql.DB
	dialect           dialect
	singleProcessOnly bool
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// NewPostgresStore opens a Postgres-backed store and runs its migration.
// AcquireAgentLock uses pg_advisory_lock, a real cross-process,
// cross-host mutex, so HealthCheck reports SingleProcessOnly=false.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore opens an embedded sqlite-backed store at path.
// AcquireAgentLock falls back to a row-based lock table that only
// serializes within this process's *sql.DB, so HealthCheck reports
// SingleProcessOnly=true, since multiple processes pointed at the same file
// would race on this lock table.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid "database is locked"
	s := &SQLStore{db: db, dialect: dialectSQLite, singleProcessOnly: true}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS agent_messages (agent_id TEXT PRIMARY KEY, payload TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS agent_tool_calls (agent_id TEXT PRIMARY KEY, payload TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS agent_todos (agent_id TEXT PRIMARY KEY, payload TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS agent_events (id BIGSERIAL_OR_AUTOINCR, agent_id TEXT NOT NULL, seq BIGINT NOT NULL, ts TIMESTAMP NOT NULL, channel TEXT NOT NULL, payload TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS agent_snapshots (agent_id TEXT NOT NULL, snapshot_id TEXT NOT NULL, payload TEXT NOT NULL, created_at TIMESTAMP NOT NULL, PRIMARY KEY (agent_id, snapshot_id));
CREATE TABLE IF NOT EXISTS agent_info (agent_id TEXT PRIMARY KEY, payload TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS pool_meta (id TEXT PRIMARY KEY, payload TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS agent_locks (agent_id TEXT PRIMARY KEY, holder TEXT NOT NULL, expires_at TIMESTAMP NOT NULL);
CREATE TABLE IF NOT EXISTS agent_aux (agent_id TEXT NOT NULL, name TEXT NOT NULL, payload TEXT NOT NULL, PRIMARY KEY (agent_id, name));
`

func (s *SQLStore) migrate(ctx context.Context) error {
	stmt := schema
	if s.dialect == dialectPostgres {
		stmt = replaceAll(stmt, "id BIGSERIAL_OR_AUTOINCR,", "id BIGSERIAL PRIMARY KEY,")
	} else {
		stmt = replaceAll(stmt, "id BIGSERIAL_OR_AUTOINCR,", "id INTEGER PRIMARY KEY AUTOINCREMENT,")
	}
	for _, ddl := range splitStatements(stmt) {
		if ddl == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func replaceAll(s, old, new string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func splitStatements(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		cur += string(r)
		if r == ';' {
			out = append(out, cur)
			cur = ""
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func (s *SQLStore) upsert(ctx context.Context, table, idCol, id string, payload []byte) error {
	var q string
	if s.dialect == dialectPostgres {
		q = "INSERT INTO " + table + " (" + idCol + ", payload) VALUES ($1, $2) ON CONFLICT (" + idCol + ") DO UPDATE SET payload = EXCLUDED.payload"
	} else {
		q = "INSERT INTO " + table + " (" + idCol + ", payload) VALUES (?, ?) ON CONFLICT (" + idCol + ") DO UPDATE SET payload = excluded.payload"
	}
	_, err := s.db.ExecContext(ctx, q, id, string(payload))
	return err
}

func (s *SQLStore) load(ctx context.Context, table, idCol, id string) ([]byte, error) {
	var q string
	if s.dialect == dialectPostgres {
		q = "SELECT payload FROM " + table + " WHERE " + idCol + " = $1"
	} else {
		q = "SELECT payload FROM " + table + " WHERE " + idCol + " = ?"
	}
	var payload string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLStore) SaveMessages(ctx context.Context, agentID string, messages []models.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "agent_messages", "agent_id", agentID, data)
}

func (s *SQLStore) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	data, err := s.load(ctx, "agent_messages", "agent_id", agentID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SaveToolCalls(ctx context.Context, agentID string, records []models.ToolCallRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "agent_tool_calls", "agent_id", agentID, data)
}

func (s *SQLStore) LoadToolCalls(ctx context.Context, agentID string) ([]models.ToolCallRecord, error) {
	data, err := s.load(ctx, "agent_tool_calls", "agent_id", agentID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.ToolCallRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "agent_todos", "agent_id", agentID, data)
}

func (s *SQLStore) LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	data, err := s.load(ctx, "agent_todos", "agent_id", agentID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.TodoItem
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var q string
	if s.dialect == dialectPostgres {
		q = "INSERT INTO agent_events (agent_id, seq, ts, channel, payload) VALUES ($1, $2, $3, $4, $5)"
	} else {
		q = "INSERT INTO agent_events (agent_id, seq, ts, channel, payload) VALUES (?, ?, ?, ?, ?)"
	}
	_, err = s.db.ExecContext(ctx, q, event.AgentID, int64(event.Bookmark.Seq), event.Bookmark.Timestamp, string(event.Channel), string(data))
	return err
}

func (s *SQLStore) ReadEvents(ctx context.Context, agentID string, since *models.Bookmark, filter EventFilter) ([]models.Event, error) {
	var q string
	if s.dialect == dialectPostgres {
		q = "SELECT payload FROM agent_events WHERE agent_id = $1 ORDER BY seq ASC"
	} else {
		q = "SELECT payload FROM agent_events WHERE agent_id = ? ORDER BY seq ASC"
	}
	rows, err := s.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allowed map[models.Channel]bool
	if len(filter.Channels) > 0 {
		allowed = make(map[models.Channel]bool, len(filter.Channels))
		for _, c := range filter.Channels {
			allowed[c] = true
		}
	}

	var out []models.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e models.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		if since != nil && !since.Before(e.Bookmark) {
			continue
		}
		if allowed != nil && !allowed[e.Channel] {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snapshot models.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	var q string
	if s.dialect == dialectPostgres {
		q = "INSERT INTO agent_snapshots (agent_id, snapshot_id, payload, created_at) VALUES ($1, $2, $3, $4) " +
			"ON CONFLICT (agent_id, snapshot_id) DO UPDATE SET payload = EXCLUDED.payload"
	} else {
		q = "INSERT INTO agent_snapshots (agent_id, snapshot_id, payload, created_at) VALUES (?, ?, ?, ?) " +
			"ON CONFLICT (agent_id, snapshot_id) DO UPDATE SET payload = excluded.payload"
	}
	_, err = s.db.ExecContext(ctx, q, snapshot.AgentID, snapshot.ID, string(data), snapshot.CreatedAt)
	return err
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (models.Snapshot, error) {
	var q string
	if s.dialect == dialectPostgres {
		q = "SELECT payload FROM agent_snapshots WHERE agent_id = $1 AND snapshot_id = $2"
	} else {
		q = "SELECT payload FROM agent_snapshots WHERE agent_id = ? AND snapshot_id = ?"
	}
	var payload string
	err := s.db.QueryRowContext(ctx, q, agentID, snapshotID).Scan(&payload)
	if err == sql.ErrNoRows {
		return models.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	var out models.Snapshot
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return models.Snapshot{}, err
	}
	return out, nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	var q string
	if s.dialect == dialectPostgres {
		q = "SELECT payload FROM agent_snapshots WHERE agent_id = $1 ORDER BY created_at ASC"
	} else {
		q = "SELECT payload FROM agent_snapshots WHERE agent_id = ? ORDER BY created_at ASC"
	}
	rows, err := s.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveInfo(ctx context.Context, info models.AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "agent_info", "agent_id", info.AgentID, data)
}

func (s *SQLStore) LoadInfo(ctx context.Context, agentID string) (models.AgentInfo, error) {
	data, err := s.load(ctx, "agent_info", "agent_id", agentID)
	if err != nil {
		return models.AgentInfo{}, err
	}
	var out models.AgentInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return models.AgentInfo{}, err
	}
	return out, nil
}

func (s *SQLStore) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := s.load(ctx, "agent_info", "agent_id", agentID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, agentID string) error {
	for _, table := range []string{"agent_messages", "agent_tool_calls", "agent_todos", "agent_events", "agent_snapshots", "agent_info", "agent_locks", "agent_aux"} {
		var q string
		if s.dialect == dialectPostgres {
			q = "DELETE FROM " + table + " WHERE agent_id = $1"
		} else {
			q = "DELETE FROM " + table + " WHERE agent_id = ?"
		}
		if _, err := s.db.ExecContext(ctx, q, agentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	var q string
	if s.dialect == dialectPostgres {
		q = "SELECT agent_id FROM agent_info WHERE agent_id LIKE $1 ORDER BY agent_id"
	} else {
		q = "SELECT agent_id FROM agent_info WHERE agent_id LIKE ? ORDER BY agent_id"
	}
	rows, err := s.db.QueryContext(ctx, q, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveAux(ctx context.Context, agentID, name string, payload []byte) error {
	var q string
	if s.dialect == dialectPostgres {
		q = "INSERT INTO agent_aux (agent_id, name, payload) VALUES ($1, $2, $3) ON CONFLICT (agent_id, name) DO UPDATE SET payload = EXCLUDED.payload"
	} else {
		q = "INSERT INTO agent_aux (agent_id, name, payload) VALUES (?, ?, ?) ON CONFLICT (agent_id, name) DO UPDATE SET payload = excluded.payload"
	}
	_, err := s.db.ExecContext(ctx, q, agentID, name, string(payload))
	return err
}

func (s *SQLStore) LoadAux(ctx context.Context, agentID, name string) ([]byte, error) {
	var q string
	if s.dialect == dialectPostgres {
		q = "SELECT payload FROM agent_aux WHERE agent_id = $1 AND name = $2"
	} else {
		q = "SELECT payload FROM agent_aux WHERE agent_id = ? AND name = ?"
	}
	var payload string
	err := s.db.QueryRowContext(ctx, q, agentID, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLStore) SavePoolMeta(ctx context.Context, runningAgentIDs []string) error {
	data, err := json.Marshal(runningAgentIDs)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "pool_meta", "id", PoolMetaKey, data)
}

func (s *SQLStore) LoadPoolMeta(ctx context.Context) ([]string, error) {
	data, err := s.load(ctx, "pool_meta", "id", PoolMetaKey)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcquireAgentLock uses pg_advisory_lock on Postgres (a real distributed
// mutex scoped to the connection) and a row-based lease in agent_locks
// on sqlite (process-local only, since sqlite has no session-scoped
// advisory lock primitive).
func (s *SQLStore) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (ReleaseFunc, error) {
	if s.dialect == dialectPostgres {
		return s.acquirePostgresLock(ctx, agentID, timeout)
	}
	return s.acquireSQLiteLock(ctx, agentID, timeout)
}

func (s *SQLStore) acquirePostgresLock(ctx context.Context, agentID string, timeout time.Duration) (ReleaseFunc, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	key := lockKey(agentID)

	deadline := time.Now().Add(timeout)
	for {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
			conn.Close()
			return nil, err
		}
		if acquired {
			return func() error {
				_, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
				conn.Close()
				return err
			}, nil
		}
		if time.Now().After(deadline) {
			conn.Close()
			return nil, context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *SQLStore) acquireSQLiteLock(ctx context.Context, agentID string, timeout time.Duration) (ReleaseFunc, error) {
	deadline := time.Now().Add(timeout)
	for {
		_, err := s.db.ExecContext(ctx, "INSERT INTO agent_locks (agent_id, holder, expires_at) VALUES (?, ?, ?)",
			agentID, "local", time.Now().Add(timeout))
		if err == nil {
			return func() error {
				_, err := s.db.ExecContext(context.Background(), "DELETE FROM agent_locks WHERE agent_id = ?", agentID)
				return err
			}, nil
		}
		// Row already exists; if it's expired, reclaim it.
		res, delErr := s.db.ExecContext(ctx, "DELETE FROM agent_locks WHERE agent_id = ? AND expires_at < ?", agentID, time.Now())
		if delErr == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				continue
			}
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

func lockKey(agentID string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range agentID {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (s *SQLStore) HealthCheck(ctx context.Context) HealthStatus {
	if err := s.db.PingContext(ctx); err != nil {
		return HealthStatus{OK: false, SingleProcessOnly: s.singleProcessOnly, Detail: err.Error()}
	}
	detail := "pg_advisory_lock provides a real cross-process lock"
	if s.singleProcessOnly {
		detail = "sqlite backend uses a row-based lease table with no cross-process fencing; do not run multiple processes against the same file"
	}
	return HealthStatus{OK: true, SingleProcessOnly: s.singleProcessOnly, Detail: detail}
}

func (s *SQLStore) QueryMessages(ctx context.Context, agentID string, opts ListOptions) ([]models.Message, error) {
	all, err := s.LoadMessages(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return paginate(all, opts), nil
}

func (s *SQLStore) QueryToolCalls(ctx context.Context, agentID string, opts ListOptions) ([]models.ToolCallRecord, error) {
	all, err := s.LoadToolCalls(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return paginate(all, opts), nil
}

func (s *SQLStore) AggregateStats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_info")
	if err := row.Scan(&stats.AgentCount); err != nil {
		return Stats{}, err
	}
	row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_events")
	if err := row.Scan(&stats.EventCount); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

var _ ExtendedStore = (*SQLStore)(nil)
