package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"todo-api/domain"
)

// Storage keeps todos in an item table keyed by id and mirrors every item
// into an owner index table partitioned by owner. Azure Tables cannot span
// partitions in one transaction, so writes are ordered and each step is
// idempotent: a retried Put or Delete converges to the same state.
type Storage struct {
	items *aztables.Client
	index *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, itemsTable, indexTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 10,
				RetryDelay:    time.Millisecond * 200,
				MaxRetryDelay: time.Second * 2,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return NewFromClients(svc.NewClient(itemsTable), svc.NewClient(indexTable)), nil
}

// NewFromClients wraps already configured table clients.
func NewFromClients(items, index *aztables.Client) *Storage {
	return &Storage{items: items, index: index}
}

// Get loads a single item by id.
func (s *Storage) Get(ctx context.Context, id string) (domain.Todo, error) {
	if !validKey(id) {
		return domain.Todo{}, fmt.Errorf("get %q: %w", id, domain.ErrNotFound)
	}
	resp, err := s.items.GetEntity(ctx, id, id, nil)
	if err != nil {
		return domain.Todo{}, classify("get "+id, err)
	}
	t, err := decodeTodoEntity(resp.Value)
	if err != nil {
		return domain.Todo{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return t, nil
}

// Put writes the item row first and the index row second. When the item
// moved between owners the stale index row is removed last.
func (s *Storage) Put(ctx context.Context, t domain.Todo) error {
	if !validKey(t.ID) {
		return fmt.Errorf("put: invalid id %q", t.ID)
	}
	prev, err := s.Get(ctx, t.ID)
	hadPrev := err == nil
	if err != nil && !isDomainNotFound(err) {
		return err
	}

	if err := s.upsert(ctx, s.items, itemEntity(t)); err != nil {
		return classify("put item "+t.ID, err)
	}
	if err := s.upsert(ctx, s.index, indexEntity(t)); err != nil {
		return classify("put index "+t.ID, err)
	}
	if hadPrev {
		if old := indexPartition(prev.Visibility); old != indexPartition(t.Visibility) {
			if err := s.deleteRow(ctx, s.index, old, t.ID); err != nil {
				return classify("drop stale index "+t.ID, err)
			}
		}
	}
	return nil
}

// Delete removes the index row before the item row so a listed item can
// always be loaded. Deleting a missing id is a no-op.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if !validKey(id) {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		if isDomainNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.deleteRow(ctx, s.index, indexPartition(t.Visibility), id); err != nil {
		return classify("delete index "+id, err)
	}
	if err := s.deleteRow(ctx, s.items, id, id); err != nil {
		return classify("delete item "+id, err)
	}
	return nil
}

func (s *Storage) ListPublic(ctx context.Context) ([]domain.Todo, error) {
	return s.listPartition(ctx, publicPartition)
}

func (s *Storage) ListByOwner(ctx context.Context, owner string) ([]domain.Todo, error) {
	if owner == "" {
		return []domain.Todo{}, nil
	}
	return s.listPartition(ctx, indexPartition(domain.OwnedBy(owner)))
}

// Ping reads at most one row to confirm the item table answers.
func (s *Storage) Ping(ctx context.Context) error {
	pager := s.items.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Top:    to.Ptr(int32(1)),
		Select: to.Ptr("RowKey"),
	})
	if _, err := pager.NextPage(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (s *Storage) listPartition(ctx context.Context, pk string) ([]domain.Todo, error) {
	filter := partitionFilter(pk)
	pager := s.index.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	todos := []domain.Todo{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list "+pk, err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTodoEntity(e)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", pk, err)
			}
			todos = append(todos, t)
		}
	}
	return todos, nil
}

func (s *Storage) upsert(ctx context.Context, client *aztables.Client, ent todoEntity) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func (s *Storage) deleteRow(ctx context.Context, client *aztables.Client, pk, rk string) error {
	et := azcore.ETagAny
	_, err := client.DeleteEntity(ctx, pk, rk, &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// validKey rejects ids the table service cannot address.
func validKey(id string) bool {
	if id == "" || len(id) > 512 {
		return false
	}
	if strings.ContainsAny(id, `/\#?`) {
		return false
	}
	for _, r := range id {
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return false
		}
	}
	return true
}
