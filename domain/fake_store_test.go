package domain

import (
	"context"
	"sync"
)

type fakeStore struct {
	mu    sync.Mutex
	items map[string]Todo
	puts  int
	err   error
	block bool
}

func newFakeStore(items ...Todo) *fakeStore {
	f := &fakeStore{items: map[string]Todo{}}
	for _, t := range items {
		f.items[t.ID] = t
	}
	return f
}

func (f *fakeStore) wait(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeStore) Get(ctx context.Context, id string) (Todo, error) {
	if err := f.wait(ctx); err != nil {
		return Todo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.items[id]
	if !ok {
		return Todo{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) Put(ctx context.Context, t Todo) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[t.ID] = t
	f.puts++
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

func (f *fakeStore) ListPublic(ctx context.Context) ([]Todo, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Todo
	for _, t := range f.items {
		if t.Visibility.IsPublic() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ListByOwner(ctx context.Context, owner string) ([]Todo, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Todo
	for _, t := range f.items {
		if sub, ok := t.Visibility.Owner(); ok && sub == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.wait(ctx) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
