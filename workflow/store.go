package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists workflow instances. AppendTransition is a compare-and-swap
// on Version: it fails with *ConcurrentModificationError when the stored
// version differs from expectedVersion.
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	AppendTransition(ctx context.Context, id string, expectedVersion int64, tr Transition) error
	List(ctx context.Context, filter Filter) ([]*Instance, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) AppendTransition(ctx context.Context, id string, expectedVersion int64, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Version != expectedVersion {
		return &ConcurrentModificationError{InstanceID: id, ExpectedVersion: expectedVersion}
	}
	inst.History = append(inst.History, tr.clone())
	inst.CurrentState = tr.To
	inst.Version++
	inst.UpdatedAt = tr.Timestamp
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if filter.match(inst) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortInstances(list []*Instance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// 数据库时间精度可能不同，统一截断到微秒
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
