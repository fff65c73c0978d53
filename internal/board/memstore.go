package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store. It backs tests and the supervisor scenarios
// that do not need durable tasks.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]Task)}
}

func (s *MemStore) Create(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (s *MemStore) Update(_ context.Context, id string, patch TaskPatch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	applyPatch(&t, patch)
	s.tasks[id] = t
	return t, nil
}

func (s *MemStore) List(_ context.Context) ([]Task, error) {
	return s.list(false), nil
}

func (s *MemStore) ListArchived(_ context.Context) ([]Task, error) {
	return s.list(true), nil
}

func (s *MemStore) list(archived bool) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Archived == archived {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
