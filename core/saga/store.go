package saga

import (
	"context"
	"errors"
	"sync"
)

// ErrInstanceNotFound is returned by Store lookups for unknown ids.
var ErrInstanceNotFound = errors.New("saga instance not found")

// Store durably persists saga instances. Save is an upsert; the
// coordinator calls it after every state transition.
type Store interface {
	Save(ctx context.Context, ins *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// List returns instances with the given status in creation order, up
	// to limit (0 = no limit). Empty status matches all.
	List(ctx context.Context, status Status, limit int) ([]*Instance, error)
}

// InMemoryStore is a Store for tests and development.
type InMemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	order     []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{instances: map[string]*Instance{}}
}

func (s *InMemoryStore) Save(_ context.Context, ins *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[ins.ID]; !ok {
		s.order = append(s.order, ins.ID)
	}
	cp := *ins
	cp.Steps = append([]StepRecord(nil), ins.Steps...)
	s.instances[ins.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *ins
	cp.Steps = append([]StepRecord(nil), ins.Steps...)
	return &cp, nil
}

func (s *InMemoryStore) List(_ context.Context, status Status, limit int) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0)
	for _, id := range s.order {
		ins := s.instances[id]
		if status != "" && ins.Status != status {
			continue
		}
		cp := *ins
		cp.Steps = append([]StepRecord(nil), ins.Steps...)
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*InMemoryStore)(nil)
