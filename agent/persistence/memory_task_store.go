package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTaskStore is an in-memory implementation of TaskStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryTaskStore struct {
	tasks  map[string]*Task
	seq    int64
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	config StoreConfig
}

// NewMemoryTaskStore creates a new in-memory task store
func NewMemoryTaskStore(config StoreConfig) *MemoryTaskStore {
	store := &MemoryTaskStore{
		tasks:  make(map[string]*Task),
		done:   make(chan struct{}),
		config: config,
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval, config.Cleanup.TaskRetention)
	}

	return store
}

// Close closes the store
func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create persists a new task
func (s *MemoryTaskStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Priority = clampPriority(task.Priority)
	task.Status = TaskStatusQueued
	s.seq++
	task.Seq = s.seq

	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get retrieves a task by ID
func (s *MemoryTaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// Claim takes the best visible task
func (s *MemoryTaskStore) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var best *Task
	for _, t := range s.tasks {
		// 租约过期的任务重新可见
		if t.Status == TaskStatusRunning && !t.LeaseUntil.After(now) {
			t.Status = TaskStatusQueued
			t.Owner = ""
			t.LeaseUntil = time.Time{}
		}
		if t.Status != TaskStatusQueued || t.ScheduledAt.After(now) {
			continue
		}
		if best == nil || t.Priority > best.Priority || (t.Priority == best.Priority && t.Seq < best.Seq) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = TaskStatusRunning
	best.Owner = workerID
	best.LeaseUntil = now.Add(lease)
	best.Attempts++
	best.Epoch++
	best.UpdatedAt = now
	return best.Clone(), nil
}

func (s *MemoryTaskStore) held(taskID, workerID string, epoch int64) (*Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskStatusRunning || t.Owner != workerID || t.Epoch != epoch {
		return nil, ErrLeaseLost
	}
	return t, nil
}

// Renew extends a held lease
func (s *MemoryTaskStore) Renew(ctx context.Context, taskID, workerID string, epoch int64, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	t, err := s.held(taskID, workerID, epoch)
	if err != nil {
		return err
	}
	t.LeaseUntil = leaseUntil
	return nil
}

// Release hands a held task back
func (s *MemoryTaskStore) Release(ctx context.Context, taskID, workerID string, epoch int64, rel Release) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	t, err := s.held(taskID, workerID, epoch)
	if err != nil {
		return nil, err
	}

	t.Status = rel.Status
	t.Owner = ""
	t.LeaseUntil = time.Time{}
	t.UpdatedAt = time.Now()
	if len(rel.Result) > 0 {
		t.Result = append(json.RawMessage(nil), rel.Result...)
	}
	if rel.LastError != "" {
		t.LastError = rel.LastError
	}
	if rel.Status == TaskStatusQueued {
		t.ScheduledAt = rel.ScheduledAt
	}
	if rel.Refund && t.Attempts > 0 {
		t.Attempts--
	}
	return t.Clone(), nil
}

// List retrieves tasks matching the filter, oldest first
func (s *MemoryTaskStore) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if filter.match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Cleanup removes old succeeded tasks
func (s *MemoryTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, t := range s.tasks {
		if t.Status == TaskStatusSucceeded && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			count++
		}
	}
	return count, nil
}

// Stats returns task counts by status
func (s *MemoryTaskStore) Stats(ctx context.Context) (*TaskStoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &TaskStoreStats{ByStatus: make(map[TaskStatus]int64)}
	for _, t := range s.tasks {
		stats.TotalTasks++
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}

func (s *MemoryTaskStore) cleanupLoop(interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), retention)
		}
	}
}
