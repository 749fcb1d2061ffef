// Package todo implements TodoManager: a per-agent task list that
// persists through the same Store every other component uses, and a
// step-count ticker that injects a reminder message while pending items
// remain, so a long-running agent doesn't quietly forget its own list.
package todo

import (
	"context"
	"fmt"

	"github.com/agentcore/kernel/pkg/models"
)

// Store is the narrow persistence slice the manager needs.
type Store interface {
	SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error
	LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error)
}

// Emitter is the narrow slice of eventbus.Bus the manager needs.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

// ReminderSink receives a reminder message to enqueue onto an agent's
// next turn. Implemented by whatever assembles the reminder queue ahead
// of AgentLoop.Send (see internal/loop and internal/agent).
type ReminderSink interface {
	QueueReminder(agentID string, msg models.Message)
}

// Config tunes reminder cadence.
type Config struct {
	// RemindIntervalSteps is how many completed turns elapse between
	// reminder checks while pending items exist. Zero disables reminders.
	RemindIntervalSteps int
}

// Manager owns the getTodos/setTodos/updateTodo/deleteTodo surface and
// the step-based reminder ticker.
type Manager struct {
	store    Store
	emitter  Emitter
	reminder ReminderSink
	cfg      Config

	stepCount map[string]int
}

// NewManager constructs a Manager. reminder may be nil to disable
// reminder injection while still supporting the CRUD surface.
func NewManager(cfg Config, store Store, emitter Emitter, reminder ReminderSink) *Manager {
	return &Manager{store: store, emitter: emitter, reminder: reminder, cfg: cfg, stepCount: make(map[string]int)}
}

// GetTodos returns agentID's current list.
func (m *Manager) GetTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	return m.store.LoadTodos(ctx, agentID)
}

// SetTodos replaces agentID's entire list.
func (m *Manager) SetTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	if err := m.store.SaveTodos(ctx, agentID, todos); err != nil {
		return fmt.Errorf("todo: save: %w", err)
	}
	m.emitChanged(agentID)
	return nil
}

// UpdateTodo applies a partial mutation to the item matching update.ID,
// returning an error if no such item exists.
func (m *Manager) UpdateTodo(ctx context.Context, agentID string, update models.TodoUpdate) error {
	todos, err := m.store.LoadTodos(ctx, agentID)
	if err != nil {
		return fmt.Errorf("todo: load: %w", err)
	}
	found := false
	for i := range todos {
		if todos[i].ID != update.ID {
			continue
		}
		found = true
		if update.Title != nil {
			todos[i].Title = *update.Title
		}
		if update.Status != nil {
			todos[i].Status = *update.Status
		}
	}
	if !found {
		return fmt.Errorf("todo: no item with id %q", update.ID)
	}
	if err := m.store.SaveTodos(ctx, agentID, todos); err != nil {
		return fmt.Errorf("todo: save: %w", err)
	}
	m.emitChanged(agentID)
	return nil
}

// DeleteTodo removes the item with the given id, if present.
func (m *Manager) DeleteTodo(ctx context.Context, agentID, id string) error {
	todos, err := m.store.LoadTodos(ctx, agentID)
	if err != nil {
		return fmt.Errorf("todo: load: %w", err)
	}
	kept := todos[:0]
	for _, t := range todos {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	if err := m.store.SaveTodos(ctx, agentID, kept); err != nil {
		return fmt.Errorf("todo: save: %w", err)
	}
	m.emitChanged(agentID)
	return nil
}

// OnStep is called once per completed agent turn. It increments the
// step counter and, when RemindIntervalSteps has elapsed and pending
// items exist, queues a reminder message and emits todo_reminder.
func (m *Manager) OnStep(ctx context.Context, agentID string) error {
	if m.cfg.RemindIntervalSteps <= 0 {
		return nil
	}
	m.stepCount[agentID]++
	if m.stepCount[agentID] < m.cfg.RemindIntervalSteps {
		return nil
	}
	m.stepCount[agentID] = 0

	todos, err := m.store.LoadTodos(ctx, agentID)
	if err != nil {
		return fmt.Errorf("todo: load: %w", err)
	}
	var pending []models.TodoItem
	for _, t := range todos {
		if t.Status == models.TodoPending || t.Status == models.TodoInProgress {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if m.reminder != nil {
		m.reminder.QueueReminder(agentID, reminderMessage(agentID, pending))
	}
	if m.emitter != nil {
		m.emitter.EmitMonitor(agentID, models.EventTodoReminder, map[string]any{"pending_count": len(pending)})
	}
	return nil
}

func (m *Manager) emitChanged(agentID string) {
	if m.emitter != nil {
		m.emitter.EmitMonitor(agentID, models.EventTodoChanged, nil)
	}
}

func reminderMessage(agentID string, pending []models.TodoItem) models.Message {
	text := "Reminder: you have pending todo items:\n"
	for _, t := range pending {
		text += fmt.Sprintf("- [%s] %s\n", t.Status, t.Title)
	}
	return models.Message{
		AgentID: agentID,
		Role:    models.RoleSystem,
		Content: []models.ContentBlock{{Type: models.BlockText, Text: text}},
		Metadata: map[string]any{
			models.MetadataReminderKey: models.ReminderTagTodo,
		},
	}
}
