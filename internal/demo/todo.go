package demo

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/server"
)

// ErrItemNotFound is returned by Todo APIs for unknown item ids.
var ErrItemNotFound = errors.New("todo: item not found")

// ErrEmptyText is returned when adding an item without text.
var ErrEmptyText = errors.New("todo: empty text")

// Item is one entry of a todo list.
type Item struct {
	ID   string
	Text string
	Done bool
}

func (i Item) toMap() map[string]any {
	return map[string]any{"id": i.ID, "text": i.Text, "done": i.Done}
}

// TodoLists holds the shared items of every list id.
type TodoLists struct {
	mu    sync.Mutex
	lists map[string][]Item
}

// NewTodoLists returns an empty list store.
func NewTodoLists() *TodoLists {
	return &TodoLists{lists: make(map[string][]Item)}
}

// Items returns a copy of list id.
func (s *TodoLists) Items(id string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.lists[id]...)
}

// update replaces list id with the result of fn and publishes the new
// snapshot under the lock. The list is left untouched when fn fails.
func (s *TodoLists) update(id string, fn func([]Item) ([]Item, error), publish func([]any)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := fn(append([]Item(nil), s.lists[id]...))
	if err != nil {
		return err
	}
	s.lists[id] = items
	publish(snapshot(items))
	return nil
}

func snapshot(items []Item) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item.toMap()
	}
	return out
}

// Todo is a shared list of items.
//
// State: {"id": string, "items": [{"id", "text", "done"}]}
// APIs: add(text) -> item id, toggle(itemID) -> done, remove(itemID), clear()
type Todo struct {
	server.Base
	store *TodoLists
	id    string
}

func (t *Todo) OnCreate(ctx context.Context) (channel.Channel, error) {
	t.id = resourceID(&t.Base)
	state := map[string]any{"id": t.id, "items": snapshot(t.store.Items(t.id))}
	if err := t.SetState(state); err != nil {
		return nil, err
	}
	return channel.Named("todo", t.id), nil
}

// OnEvent applies a list snapshot published by any subscriber of the list.
func (t *Todo) OnEvent(ctx context.Context, ev channel.Event) error {
	if ev.Name != "items" {
		return nil
	}
	return t.Dispatch(map[string]any{"items": ev.Data})
}

func (t *Todo) publish(items []any) {
	t.Publish("items", items)
}

func (t *Todo) Add(ctx context.Context, call *server.Call) (any, error) {
	var text string
	if err := call.Bind(0, &text); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	item := Item{ID: uuid.NewString(), Text: text}
	err := t.store.update(t.id, func(items []Item) ([]Item, error) {
		return append(items, item), nil
	}, t.publish)
	if err != nil {
		return nil, err
	}
	call.SetParam("id", item.ID)
	return item.ID, nil
}

func (t *Todo) Toggle(ctx context.Context, call *server.Call) (any, error) {
	var itemID string
	if err := call.Bind(0, &itemID); err != nil {
		return nil, err
	}
	var done bool
	err := t.store.update(t.id, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].ID == itemID {
				items[i].Done = !items[i].Done
				done = items[i].Done
				return items, nil
			}
		}
		return nil, ErrItemNotFound
	}, t.publish)
	return done, err
}

func (t *Todo) Remove(ctx context.Context, call *server.Call) (any, error) {
	var itemID string
	if err := call.Bind(0, &itemID); err != nil {
		return nil, err
	}
	err := t.store.update(t.id, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].ID == itemID {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, ErrItemNotFound
	}, t.publish)
	return nil, err
}

func (t *Todo) Clear(ctx context.Context, call *server.Call) (any, error) {
	err := t.store.update(t.id, func([]Item) ([]Item, error) {
		return nil, nil
	}, t.publish)
	return nil, err
}

// TodoClass declares the Todo tracker backed by store.
func TodoClass(store *TodoLists) *server.Class[*Todo] {
	return server.Define(func() *Todo { return &Todo{store: store} }).
		API("add", (*Todo).Add).
		API("toggle", (*Todo).Toggle).
		API("remove", (*Todo).Remove).
		API("clear", (*Todo).Clear)
}
