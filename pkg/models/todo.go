package models

import "time"

// TodoStatus is the lifecycle state of a TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoItem is one entry in an agent's per-agent task list.
type TodoItem struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TodoStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TodoUpdate is a partial mutation applied by updateTodo.
type TodoUpdate struct {
	ID     string      `json:"id"`
	Title  *string     `json:"title,omitempty"`
	Status *TodoStatus `json:"status,omitempty"`
}
