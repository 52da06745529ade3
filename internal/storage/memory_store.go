package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/world"
)

// MemoryStore реализует world.Repository и world.PolicyStore в памяти.
// Используется в тестах и для локального запуска без БД.
// ВНИМАНИЕ: данные теряются при перезапуске!
type MemoryStore struct {
	mu       sync.RWMutex
	worlds   map[string]*world.World
	policies map[string]governance.Policy
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		worlds:   make(map[string]*world.World),
		policies: make(map[string]governance.Policy),
	}
}

func (s *MemoryStore) Create(ctx context.Context, w *world.World) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w == nil || w.ID == "" {
		return fmt.Errorf("недействительный мир: пустой id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.worlds[w.ID]; exists {
		return fmt.Errorf("%w: %s", world.ErrExists, w.ID)
	}
	s.worlds[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*world.World, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	return w.Clone(), nil
}

// List возвращает миры, отсортированные по времени создания.
func (s *MemoryStore) List(ctx context.Context) ([]*world.World, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*world.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		out = append(out, w.Clone())
	}
	s.mu.RUnlock()
	sortWorlds(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, w *world.World) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[w.ID]; !ok {
		return fmt.Errorf("%w: %s", world.ErrNotFound, w.ID)
	}
	s.worlds[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[id]; !ok {
		return fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	delete(s.worlds, id)
	return nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, ownerID string) (governance.Policy, error) {
	if err := ctx.Err(); err != nil {
		return governance.Policy{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[ownerID], nil
}

func (s *MemoryStore) SavePolicy(ctx context.Context, ownerID string, p governance.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[ownerID] = p
	return nil
}

func sortWorlds(ws []*world.World) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}
