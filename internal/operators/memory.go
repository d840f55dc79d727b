package operators

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store used by tests and by deployments that
// run without Postgres.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]Operator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]Operator)}
}

func (s *MemoryStore) Create(ctx context.Context, op Operator) (Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.ops {
		if existing.Username == op.Username {
			return Operator{}, ErrUsernameExists
		}
	}
	s.ops[op.ID] = op
	return op, nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.ops {
		if op.Username == username {
			return op, nil
		}
	}
	return Operator{}, ErrNotFound
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]Operator, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Operator, 0, len(s.ops))
	for _, op := range s.ops {
		all = append(all, op)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[id]; !ok {
		return ErrNotFound
	}
	delete(s.ops, id)
	return nil
}
