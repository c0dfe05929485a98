package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/llm/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority levels; any value in [0, persistence.MaxPriority] is accepted.
const (
	PriorityLow      = 0
	PriorityNormal   = 100
	PriorityHigh     = 500
	PriorityCritical = persistence.MaxPriority
)

// Config configures a Queue.
type Config struct {
	LeaseDuration time.Duration `yaml:"lease_duration" json:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultConfig returns a 30s lease, 3 attempts and 1s..5m backoff.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 30 * time.Second,
		MaxAttempts:   3,
		BaseBackoff:   time.Second,
		MaxBackoff:    5 * time.Minute,
	}
}

// EventPublisher is the part of the bus the queue publishes through.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev bus.Event) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a durable priority queue with leases and dead-lettering.
type Queue struct {
	store   persistence.TaskStore
	events  EventPublisher
	cfg     Config
	backoff retry.Policy
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Queue over store. events may be nil.
func New(store persistence.TaskStore, events EventPublisher, cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	q := &Queue{
		store:  store,
		events: events,
		cfg:    cfg,
		backoff: retry.Policy{
			BaseDelay:  cfg.BaseBackoff,
			MaxDelay:   cfg.MaxBackoff,
			Multiplier: 2,
		},
		now:    time.Now,
		logger: logger.With(zap.String("component", "task_queue")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Backoff returns the delay before the next attempt after attempts failures:
// BaseBackoff * 2^(attempts-1), capped at MaxBackoff.
func (q *Queue) Backoff(attempts int) time.Duration {
	return q.backoff.Delay(attempts - 1)
}

// Enqueue persists task as queued with the given priority. An empty ID is
// generated; zero MaxAttempts takes the queue default.
func (q *Queue) Enqueue(ctx context.Context, task *persistence.Task, priority int) (*persistence.Task, error) {
	if task == nil || task.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", persistence.ErrInvalidInput)
	}
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Priority = priority
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = q.cfg.MaxAttempts
	}
	t.Attempts = 0
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = q.now()
	}
	if err := q.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	q.logger.Debug("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("type", t.Type),
		zap.Int("priority", t.Priority))
	q.publish(ctx, bus.TopicTaskEnqueued, t, nil)
	return t, nil
}

// Claim leases the best visible task to workerID, or returns nil, nil when
// none is visible. Tasks whose lease expired on their final attempt are
// dead-lettered instead of being handed out again.
func (q *Queue) Claim(ctx context.Context, workerID string) (*persistence.Task, error) {
	for {
		t, err := q.store.Claim(ctx, workerID, q.now(), q.cfg.LeaseDuration)
		if err != nil || t == nil {
			return nil, err
		}
		if t.Attempts <= t.MaxAttempts {
			return t, nil
		}

		cause := errors.New("lease expired on final attempt")
		if t.LastError != "" {
			cause = fmt.Errorf("lease expired on final attempt: %s", t.LastError)
		}
		if _, err := q.deadLetter(ctx, t, workerID, t.Attempts-1, cause); err != nil && !errors.Is(err, ErrLeaseLost) {
			return nil, err
		}
	}
}

// Complete records a successful result.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result json.RawMessage) error {
	held, err := q.held(ctx, taskID, workerID)
	if err != nil {
		return err
	}
	t, err := q.store.Release(ctx, taskID, workerID, held.Epoch, persistence.Release{
		Status: persistence.TaskStatusSucceeded,
		Result: result,
	})
	if err != nil {
		return err
	}
	q.logger.Debug("task completed", zap.String("task_id", taskID), zap.Int("attempts", t.Attempts))
	q.publish(ctx, bus.TopicTaskCompleted, t, nil)
	return nil
}

// Fail records a failed attempt. Below MaxAttempts the task is re-queued
// after a capped exponential backoff; otherwise it is dead-lettered and a
// *QueueExhaustedError is returned.
func (q *Queue) Fail(ctx context.Context, taskID, workerID string, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	held, err := q.held(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	if held.Attempts >= held.MaxAttempts || IsPermanent(cause) {
		exhausted, err := q.deadLetter(ctx, held, workerID, held.Attempts, cause)
		if err != nil {
			return err
		}
		return exhausted
	}

	delay := q.Backoff(held.Attempts)
	t, err := q.store.Release(ctx, taskID, workerID, held.Epoch, persistence.Release{
		Status:      persistence.TaskStatusQueued,
		LastError:   cause.Error(),
		ScheduledAt: q.now().Add(delay),
	})
	if err != nil {
		return err
	}

	q.logger.Info("task failed, retry scheduled",
		zap.String("task_id", taskID),
		zap.Int("attempts", t.Attempts),
		zap.Int("max_attempts", t.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	q.publish(ctx, bus.TopicTaskFailed, t, cause)
	return nil
}

// Abandon hands a held task back without using up an attempt, e.g. when the
// worker is shutting down mid-task. The task is visible again immediately.
func (q *Queue) Abandon(ctx context.Context, taskID, workerID string) error {
	held, err := q.held(ctx, taskID, workerID)
	if err != nil {
		return err
	}
	t, err := q.store.Release(ctx, taskID, workerID, held.Epoch, persistence.Release{
		Status:      persistence.TaskStatusQueued,
		ScheduledAt: q.now(),
		Refund:      true,
	})
	if err != nil {
		return err
	}
	q.logger.Info("task abandoned",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID),
		zap.Int("attempts", t.Attempts))
	return nil
}

// Renew extends workerID's lease on taskID by the configured lease duration.
func (q *Queue) Renew(ctx context.Context, taskID, workerID string) error {
	held, err := q.held(ctx, taskID, workerID)
	if err != nil {
		return err
	}
	return q.store.Renew(ctx, taskID, workerID, held.Epoch, q.now().Add(q.cfg.LeaseDuration))
}

// Get returns a task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	return q.store.Get(ctx, taskID)
}

// List returns tasks matching filter.
func (q *Queue) List(ctx context.Context, filter persistence.TaskFilter) ([]*persistence.Task, error) {
	return q.store.List(ctx, filter)
}

// Stats returns task counts by status.
func (q *Queue) Stats(ctx context.Context) (*persistence.TaskStoreStats, error) {
	return q.store.Stats(ctx)
}

// held returns the task if workerID currently holds its lease.
func (q *Queue) held(ctx context.Context, taskID, workerID string) (*persistence.Task, error) {
	t, err := q.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != persistence.TaskStatusRunning || t.Owner != workerID {
		return nil, fmt.Errorf("%w: task %s held by %q", ErrLeaseLost, taskID, t.Owner)
	}
	return t, nil
}

// deadLetter moves a held task to dead and raises the alerts. The returned
// error is a store failure only.
func (q *Queue) deadLetter(ctx context.Context, held *persistence.Task, workerID string, attempts int, cause error) (*QueueExhaustedError, error) {
	t, err := q.store.Release(ctx, held.ID, workerID, held.Epoch, persistence.Release{
		Status:    persistence.TaskStatusDead,
		LastError: cause.Error(),
	})
	if err != nil {
		return nil, err
	}
	exhausted := &QueueExhaustedError{TaskID: t.ID, TaskType: t.Type, Attempts: attempts, Err: cause}

	q.logger.Error("task dead-lettered",
		zap.String("task_id", t.ID),
		zap.String("type", t.Type),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	q.publish(ctx, bus.TopicTaskDead, t, exhausted)
	q.publish(ctx, bus.TopicAlertTaskDead, t, exhausted)
	return exhausted, nil
}

func (q *Queue) publish(ctx context.Context, topic bus.Topic, t *persistence.Task, cause error) {
	if q.events == nil {
		return
	}
	meta := map[string]string{
		"task_id":   t.ID,
		"task_type": t.Type,
	}
	if id := instanceID(t.Payload); id != "" {
		meta["instance_id"] = id
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	if err := q.events.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Topic:    topic,
		Source:   "task_queue",
		Payload:  t.Clone(),
		Metadata: meta,
	}); err != nil {
		q.logger.Debug("task event not published", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// instanceID extracts the workflow instance a task payload belongs to.
func instanceID(payload json.RawMessage) string {
	var ref struct {
		InstanceID string `json:"instance_id"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &ref) != nil {
		return ""
	}
	return ref.InstanceID
}
