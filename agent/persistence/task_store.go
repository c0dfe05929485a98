package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStore persists queue tasks. Claim, Renew and Release are atomic with
// respect to each other, so concurrent workers never hold the same lease.
type TaskStore interface {
	Store

	// Create persists a new task as queued (or delayed when ScheduledAt is in
	// the future) and assigns its FIFO sequence number.
	Create(ctx context.Context, task *Task) error

	// Get retrieves a task by ID
	Get(ctx context.Context, taskID string) (*Task, error)

	// Claim makes due delayed tasks and expired leases visible, then takes
	// the best visible task: highest priority first, FIFO within a priority.
	// It increments Attempts and Epoch. Returns nil, nil when nothing is visible.
	Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Task, error)

	// Renew extends a held lease; ErrLeaseLost if the worker no longer holds it.
	Renew(ctx context.Context, taskID, workerID string, epoch int64, leaseUntil time.Time) error

	// Release ends a held lease, moving the task to rel.Status;
	// ErrLeaseLost if the worker no longer holds it.
	Release(ctx context.Context, taskID, workerID string, epoch int64, rel Release) (*Task, error)

	// List retrieves tasks matching the filter, oldest first
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Cleanup removes succeeded tasks last updated before the cutoff
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns task counts by status
	Stats(ctx context.Context) (*TaskStoreStats, error)
}

// TaskStatus represents the status of a queue task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDead      TaskStatus = "dead"
)

// IsTerminal returns true if the status is a terminal state
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusDead
}

// MaxPriority bounds Task.Priority; larger values are clamped.
const MaxPriority = 1000

// Task is a durable unit of asynchronous work.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      TaskStatus      `json:"status"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	// Lease held by the claiming worker; Epoch increments on every claim.
	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until"`
	Epoch      int64     `json:"epoch"`

	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	return &c
}

// Release describes how a worker hands a task back to the store.
type Release struct {
	Status      TaskStatus      // queued (retry), succeeded or dead
	Result      json.RawMessage // set on success
	LastError   string          // set on failure
	ScheduledAt time.Time       // earliest next claim when Status is queued
	Refund      bool            // give back the attempt taken by Claim (shutdown)
}

// TaskFilter defines criteria for filtering tasks
type TaskFilter struct {
	Status []TaskStatus `json:"status,omitempty"`
	Type   string       `json:"type,omitempty"`
	Owner  string       `json:"owner,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

func (f TaskFilter) match(t *Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if t.Status == s {
			return true
		}
	}
	return false
}

// TaskStoreStats contains task counts
type TaskStoreStats struct {
	TotalTasks int64                `json:"total_tasks"`
	ByStatus   map[TaskStatus]int64 `json:"by_status"`
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
