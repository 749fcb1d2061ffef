// Package filewatcher observes files touched by read/write tools and,
// when something outside the agent modifies one between turns, emits
// file_changed plus a reminder message so the model re-reads before
// trusting its stale picture of the file.
package filewatcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcore/kernel/pkg/models"
)

// Emitter is the narrow slice of eventbus.Bus the watcher needs.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// ReminderSink receives the reminder message to enqueue onto an agent's
// next turn.
type ReminderSink interface {
	QueueReminder(agentID string, msg models.Message)
}

// debounceWindow suppresses duplicate notifications for the same path;
// editors routinely fire several WRITE events per save.
const debounceWindow = 500 * time.Millisecond

// Watcher tracks tool-touched files per agent over fsnotify.
type Watcher struct {
	fsw      *fsnotify.Watcher
	emitter  Emitter
	reminder ReminderSink
	logger   *slog.Logger

	mu       sync.Mutex
	tracked  map[string]map[string]bool // path -> set of agent ids
	lastSeen map[string]time.Time       // path -> last notification time
	closed   bool

	done chan struct{}
}

// New constructs a Watcher and starts its event-draining goroutine.
func New(emitter Emitter, reminder ReminderSink, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		fsw:      fsw,
		emitter:  emitter,
		reminder: reminder,
		logger:   logger,
		tracked:  make(map[string]map[string]bool),
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Track registers path as touched by agentID. Tracking the same path for
// several agents is allowed; each gets its own notification.
func (w *Watcher) Track(agentID, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("filewatcher: closed")
	}
	agents, known := w.tracked[path]
	if !known {
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", path, err)
		}
		agents = make(map[string]bool)
		w.tracked[path] = agents
	}
	agents[agentID] = true
	return nil
}

// Untrack stops notifying agentID about path. The underlying watch is
// removed once no agent tracks the path.
func (w *Watcher) Untrack(agentID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	agents, known := w.tracked[path]
	if !known {
		return
	}
	delete(agents, agentID)
	if len(agents) == 0 {
		delete(w.tracked, path)
		delete(w.lastSeen, path)
		if err := w.fsw.Remove(path); err != nil {
			w.logger.Debug("filewatcher: remove watch", "path", path, "error", err)
		}
	}
}

// UntrackAgent drops every path tracked for agentID, used when the agent
// is destroyed.
func (w *Watcher) UntrackAgent(agentID string) {
	w.mu.Lock()
	var orphaned []string
	for path, agents := range w.tracked {
		delete(agents, agentID)
		if len(agents) == 0 {
			orphaned = append(orphaned, path)
		}
	}
	for _, path := range orphaned {
		delete(w.tracked, path)
		delete(w.lastSeen, path)
	}
	w.mu.Unlock()

	for _, path := range orphaned {
		if err := w.fsw.Remove(path); err != nil {
			w.logger.Debug("filewatcher: remove watch", "path", path, "error", err)
		}
	}
}

// Close stops the watcher. Tracked paths are forgotten.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.notify(event.Name, event.Op.String())
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filewatcher: backend error", "error", err)
		}
	}
}

func (w *Watcher) notify(path, op string) {
	w.mu.Lock()
	now := time.Now()
	if last, ok := w.lastSeen[path]; ok && now.Sub(last) < debounceWindow {
		w.mu.Unlock()
		return
	}
	w.lastSeen[path] = now
	agents := make([]string, 0, len(w.tracked[path]))
	for id := range w.tracked[path] {
		agents = append(agents, id)
	}
	w.mu.Unlock()

	for _, agentID := range agents {
		if w.emitter != nil {
			w.emitter.EmitMonitor(agentID, models.EventFileChanged, map[string]any{
				"path": path,
				"op":   op,
			})
		}
		if w.reminder != nil {
			w.reminder.QueueReminder(agentID, reminderMessage(agentID, path))
		}
	}
}

func reminderMessage(agentID, path string) models.Message {
	return models.Message{
		AgentID: agentID,
		Role:    models.RoleSystem,
		Content: []models.ContentBlock{{
			Type: models.BlockText,
			Text: fmt.Sprintf("The file %s was modified outside this session. Re-read it before relying on earlier contents.", path),
		}},
		Metadata: map[string]any{
			models.MetadataReminderKey: models.ReminderTagFile,
		},
	}
}
