package domain

// EventType names a todo lifecycle change.
type EventType string

const (
	EventTodoCreated EventType = "todo.created"
	EventTodoUpdated EventType = "todo.updated"
	EventTodoDeleted EventType = "todo.deleted"
)

// Event describes a single change. Todo carries the item state after the
// change and is nil for deletions.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	TodoID  string    `json:"todoId"`
	OwnerID string    `json:"ownerId,omitempty"`
	Todo    *Todo     `json:"todo,omitempty"`
	Time    int64     `json:"time"`
}
