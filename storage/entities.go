package storage

import (
	"encoding/json"
	"net/url"
	"strings"

	"todo-api/domain"
)

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const (
	EdmInt64 = "Edm.Int64"

	// publicPartition holds the index rows of items nobody owns. Owner
	// partitions always carry the ownerPrefix so they cannot collide.
	publicPartition = "~public"
	ownerPrefix     = "u:"
)

// todoEntity is the row layout shared by the item table and the owner index.
type todoEntity struct {
	Entity
	TodoID        string `json:"TodoId"`
	Task          string `json:"Task"`
	Completed     bool   `json:"Completed"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	OwnerID       string `json:"OwnerId,omitempty"`
}

func newTodoEntity(pk, rk string, t domain.Todo) todoEntity {
	owner, _ := t.Visibility.Owner()
	return todoEntity{
		Entity:        Entity{PartitionKey: pk, RowKey: rk},
		TodoID:        t.ID,
		Task:          t.Task,
		Completed:     t.Completed,
		CreatedAt:     t.CreatedAt,
		CreatedAtType: EdmInt64,
		OwnerID:       owner,
	}
}

func itemEntity(t domain.Todo) todoEntity {
	return newTodoEntity(t.ID, t.ID, t)
}

func indexEntity(t domain.Todo) todoEntity {
	return newTodoEntity(indexPartition(t.Visibility), t.ID, t)
}

func (e todoEntity) todo() domain.Todo {
	id := e.TodoID
	if id == "" {
		id = e.RowKey
	}
	return domain.Todo{
		ID:         id,
		Task:       e.Task,
		Completed:  e.Completed,
		CreatedAt:  e.CreatedAt,
		Visibility: domain.OwnedBy(e.OwnerID),
	}
}

func decodeTodoEntity(data []byte) (domain.Todo, error) {
	var ent todoEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Todo{}, err
	}
	return ent.todo(), nil
}

// indexPartition maps a visibility to its owner-index partition. Subjects are
// path-escaped because table keys may not contain '/', '\\', '#' or '?'.
func indexPartition(v domain.Visibility) string {
	owner, ok := v.Owner()
	if !ok {
		return publicPartition
	}
	return ownerPrefix + url.PathEscape(owner)
}

func partitionFilter(pk string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(pk, "'", "''") + "'"
}
