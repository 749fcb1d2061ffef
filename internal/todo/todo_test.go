package todo

import (
	"context"
	"testing"

	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

type captureReminder struct {
	queued []models.Message
}

func (c *captureReminder) QueueReminder(agentID string, msg models.Message) {
	c.queued = append(c.queued, msg)
}

type captureEmitter struct {
	events []models.EventType
}

func (c *captureEmitter) EmitMonitor(agentID string, eventType models.EventType, data map[string]any) {
	c.events = append(c.events, eventType)
}

func TestSetAndGetTodos(t *testing.T) {
	s := store.NewMemoryStore()
	em := &captureEmitter{}
	m := NewManager(Config{}, s, em, nil)

	err := m.SetTodos(context.Background(), "a1", []models.TodoItem{
		{ID: "1", Title: "write tests", Status: models.TodoPending},
	})
	if err != nil {
		t.Fatalf("SetTodos: %v", err)
	}

	got, err := m.GetTodos(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetTodos: %v", err)
	}
	if len(got) != 1 || got[0].Title != "write tests" {
		t.Fatalf("expected persisted todo, got %+v", got)
	}
	if len(em.events) != 1 || em.events[0] != models.EventTodoChanged {
		t.Fatalf("expected a todo_changed emission, got %+v", em.events)
	}
}

func TestUpdateTodoMutatesMatchingItem(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(Config{}, s, nil, nil)
	m.SetTodos(context.Background(), "a1", []models.TodoItem{{ID: "1", Title: "a", Status: models.TodoPending}})

	done := models.TodoCompleted
	if err := m.UpdateTodo(context.Background(), "a1", models.TodoUpdate{ID: "1", Status: &done}); err != nil {
		t.Fatalf("UpdateTodo: %v", err)
	}
	got, _ := m.GetTodos(context.Background(), "a1")
	if got[0].Status != models.TodoCompleted {
		t.Fatalf("expected status updated, got %v", got[0].Status)
	}
}

func TestUpdateTodoRejectsUnknownID(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(Config{}, s, nil, nil)
	if err := m.UpdateTodo(context.Background(), "a1", models.TodoUpdate{ID: "missing"}); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestDeleteTodoRemovesItem(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(Config{}, s, nil, nil)
	m.SetTodos(context.Background(), "a1", []models.TodoItem{
		{ID: "1", Title: "keep"}, {ID: "2", Title: "drop"},
	})
	if err := m.DeleteTodo(context.Background(), "a1", "2"); err != nil {
		t.Fatalf("DeleteTodo: %v", err)
	}
	got, _ := m.GetTodos(context.Background(), "a1")
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected only id 1 to remain, got %+v", got)
	}
}

func TestOnStepInjectsReminderWhenPendingItemsExist(t *testing.T) {
	s := store.NewMemoryStore()
	reminder := &captureReminder{}
	em := &captureEmitter{}
	m := NewManager(Config{RemindIntervalSteps: 2}, s, em, reminder)
	m.SetTodos(context.Background(), "a1", []models.TodoItem{{ID: "1", Title: "x", Status: models.TodoPending}})
	em.events = nil // drop the todo_changed from SetTodos

	if err := m.OnStep(context.Background(), "a1"); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if len(reminder.queued) != 0 {
		t.Fatal("expected no reminder before interval elapses")
	}

	if err := m.OnStep(context.Background(), "a1"); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if len(reminder.queued) != 1 {
		t.Fatalf("expected a reminder once the interval elapses, got %d", len(reminder.queued))
	}
	if reminder.queued[0].Metadata[models.MetadataReminderKey] != models.ReminderTagTodo {
		t.Fatalf("expected reminder tagged todo, got %+v", reminder.queued[0].Metadata)
	}
	if len(em.events) != 1 || em.events[0] != models.EventTodoReminder {
		t.Fatalf("expected a todo_reminder emission, got %+v", em.events)
	}
}

func TestOnStepDoesNothingWhenListIsEmpty(t *testing.T) {
	s := store.NewMemoryStore()
	reminder := &captureReminder{}
	m := NewManager(Config{RemindIntervalSteps: 1}, s, nil, reminder)

	if err := m.OnStep(context.Background(), "a1"); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if len(reminder.queued) != 0 {
		t.Fatal("expected no reminder when todo list is empty")
	}
}
