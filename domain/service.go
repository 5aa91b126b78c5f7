package domain

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	log "github.com/sirupsen/logrus"
)

const (
	// MaxTaskLength bounds the task text in runes.
	MaxTaskLength       = 1024
	DefaultStoreTimeout = 5 * time.Second
)

// Service applies ownership and visibility rules on top of a Store.
type Service struct {
	store   Store
	events  EventPublisher
	log     *log.Logger
	timeout time.Duration
	policy  *bluemonday.Policy

	now   func() time.Time
	newID func() string
}

// NewService creates a Service. events may be nil. A non-positive
// storeTimeout falls back to DefaultStoreTimeout.
func NewService(store Store, events EventPublisher, logger *log.Logger, storeTimeout time.Duration) *Service {
	if store == nil {
		panic("domain.NewService: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Service{
		store:   store,
		events:  events,
		log:     logger,
		timeout: storeTimeout,
		policy:  bluemonday.StrictPolicy(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// CreateTodo stores a new item. Authenticated callers own what they create;
// anonymous callers create public items.
func (s *Service) CreateTodo(ctx context.Context, task string, caller Caller) (Todo, error) {
	task, err := s.normalizeTask(task)
	if err != nil {
		return Todo{}, err
	}

	vis := Public()
	if sub, ok := caller.Subject(); ok {
		vis = OwnedBy(sub)
	}
	t := Todo{
		ID:         s.newID(),
		Task:       task,
		Completed:  false,
		CreatedAt:  s.now().UnixMilli(),
		Visibility: vis,
	}

	if err := s.put(ctx, t); err != nil {
		return Todo{}, err
	}
	s.entry(t).Info("todo created")
	s.publish(ctx, EventTodoCreated, t, true)
	return t, nil
}

// GetTodo returns a single item. Items the caller cannot see are reported as
// missing so their existence is not disclosed.
func (s *Service) GetTodo(ctx context.Context, id string, caller Caller) (Todo, error) {
	t, err := s.get(ctx, id)
	if err != nil {
		return Todo{}, err
	}
	if !t.VisibleTo(caller) {
		return Todo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// ListVisible returns the public items plus, for authenticated callers, the
// items they own.
func (s *Service) ListVisible(ctx context.Context, caller Caller) ([]Todo, error) {
	public, err := s.listPublic(ctx)
	if err != nil {
		return nil, err
	}
	sub, ok := caller.Subject()
	if !ok {
		return sortTodos(public), nil
	}
	owned, err := s.listByOwner(ctx, sub)
	if err != nil {
		return nil, err
	}
	return sortTodos(mergeTodos(public, owned)), nil
}

func (s *Service) ListPublic(ctx context.Context) ([]Todo, error) {
	public, err := s.listPublic(ctx)
	if err != nil {
		return nil, err
	}
	return sortTodos(public), nil
}

// ListMine returns the caller's own items.
func (s *Service) ListMine(ctx context.Context, caller Caller) ([]Todo, error) {
	sub, ok := caller.Subject()
	if !ok {
		return nil, fmt.Errorf("%w: identity required", ErrUnauthenticated)
	}
	owned, err := s.listByOwner(ctx, sub)
	if err != nil {
		return nil, err
	}
	return sortTodos(owned), nil
}

// ToggleCompleted flips the completed flag of an item the caller owns.
func (s *Service) ToggleCompleted(ctx context.Context, id string, caller Caller) (Todo, error) {
	t, err := s.loadMutable(ctx, id, caller)
	if err != nil {
		return Todo{}, err
	}
	t.Completed = !t.Completed
	if err := s.put(ctx, t); err != nil {
		return Todo{}, err
	}
	s.entry(t).WithField("completed", t.Completed).Info("todo toggled")
	s.publish(ctx, EventTodoUpdated, t, true)
	return t, nil
}

// SetCompleted sets the completed flag of an item the caller owns. Repeating
// the call with the same value does not write.
func (s *Service) SetCompleted(ctx context.Context, id string, caller Caller, completed bool) (Todo, error) {
	t, err := s.loadMutable(ctx, id, caller)
	if err != nil {
		return Todo{}, err
	}
	if t.Completed == completed {
		return t, nil
	}
	t.Completed = completed
	if err := s.put(ctx, t); err != nil {
		return Todo{}, err
	}
	s.entry(t).WithField("completed", t.Completed).Info("todo updated")
	s.publish(ctx, EventTodoUpdated, t, true)
	return t, nil
}

// DeleteTodo removes an item the caller owns.
func (s *Service) DeleteTodo(ctx context.Context, id string, caller Caller) error {
	t, err := s.loadMutable(ctx, id, caller)
	if err != nil {
		return err
	}
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := storeErr(s.store.Delete(ctx2, id)); err != nil {
		return err
	}
	s.entry(t).Info("todo deleted")
	s.publish(ctx, EventTodoDeleted, t, false)
	return nil
}

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) error {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return storeErr(s.store.Ping(ctx2))
}

func (s *Service) loadMutable(ctx context.Context, id string, caller Caller) (Todo, error) {
	t, err := s.get(ctx, id)
	if err != nil {
		return Todo{}, err
	}
	if !t.MutableBy(caller) {
		return Todo{}, fmt.Errorf("%w: todo %s", ErrForbidden, id)
	}
	return t, nil
}

func (s *Service) normalizeTask(raw string) (string, error) {
	task := strings.TrimSpace(s.stripMarkup(raw))
	if task == "" {
		return "", fmt.Errorf("%w: task must not be empty", ErrInvalidInput)
	}
	// A second pass must be a no-op; anything it still strips was markup
	// hidden in raw text elements.
	if s.stripMarkup(task) != task {
		return "", fmt.Errorf("%w: task must not contain markup", ErrInvalidInput)
	}
	if utf8.RuneCountInString(task) > MaxTaskLength {
		return "", fmt.Errorf("%w: task exceeds %d characters", ErrInvalidInput, MaxTaskLength)
	}
	return task, nil
}

// stripMarkup removes tags and returns plain text. Ampersands are escaped
// first so entities in the input stay literal instead of being decoded.
func (s *Service) stripMarkup(raw string) string {
	return html.UnescapeString(s.policy.Sanitize(strings.ReplaceAll(raw, "&", "&amp;")))
}

func (s *Service) get(ctx context.Context, id string) (Todo, error) {
	if strings.TrimSpace(id) == "" {
		return Todo{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	t, err := s.store.Get(ctx2, id)
	return t, storeErr(err)
}

func (s *Service) put(ctx context.Context, t Todo) error {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return storeErr(s.store.Put(ctx2, t))
}

func (s *Service) listPublic(ctx context.Context) ([]Todo, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	items, err := s.store.ListPublic(ctx2)
	if err != nil {
		return nil, storeErr(err)
	}
	out := items[:0:0]
	for _, t := range items {
		if t.Visibility.IsPublic() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) listByOwner(ctx context.Context, owner string) ([]Todo, error) {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	items, err := s.store.ListByOwner(ctx2, owner)
	if err != nil {
		return nil, storeErr(err)
	}
	out := items[:0:0]
	for _, t := range items {
		if sub, ok := t.Visibility.Owner(); ok && sub == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, typ EventType, t Todo, withState bool) {
	if s.events == nil {
		return
	}
	owner, _ := t.Visibility.Owner()
	ev := Event{
		ID:      s.newID(),
		Type:    typ,
		TodoID:  t.ID,
		OwnerID: owner,
		Time:    s.now().UnixMilli(),
	}
	if withState {
		state := t
		ev.Todo = &state
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.entry(t).WithError(err).WithField("event", typ).Warn("todo event not published")
	}
}

func (s *Service) entry(t Todo) *log.Entry {
	fields := log.Fields{"todo_id": t.ID}
	if owner, ok := t.Visibility.Owner(); ok {
		fields["owner_id"] = owner
	} else {
		fields["public"] = true
	}
	return s.log.WithFields(fields)
}

// storeErr turns a store call that ran out of time into ErrStorageUnavailable.
func storeErr(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func mergeTodos(lists ...[]Todo) []Todo {
	seen := make(map[string]struct{})
	var out []Todo
	for _, list := range lists {
		for _, t := range list {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func sortTodos(items []Todo) []Todo {
	if items == nil {
		items = []Todo{}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
	return items
}
