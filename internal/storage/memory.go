package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/adred-codev/immortal/internal/nostr"
)

// Memory is a map-backed Engine for tests and development. Events are
// treated as immutable once stored.
type Memory struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event
}

func NewMemory() *Memory {
	return &Memory{events: make(map[string]*nostr.Event)}
}

func (m *Memory) Store(ctx context.Context, ev *nostr.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.events[ev.ID]; dup {
		return false, nil
	}
	m.events[ev.ID] = ev
	return true, nil
}

func (m *Memory) Query(ctx context.Context, filters nostr.Filters, limit int) ([]*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*nostr.Event
	for _, ev := range m.events {
		if filters.Match(ev) {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	return nil
}

// Len reports how many events are stored. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
