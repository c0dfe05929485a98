package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransitionEvent is the payload of bus.TopicWorkflowTransitioned.
type TransitionEvent struct {
	InstanceID        string            `json:"instance_id"`
	BusinessRequestID string            `json:"business_request_id"`
	From              State             `json:"from"`
	To                State             `json:"to"`
	TriggeredBy       string            `json:"triggered_by"`
	Version           int64             `json:"version"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// EventPublisher is the part of the bus the state machine publishes through.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev bus.Event) error
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

// StateMachine applies graph-checked transitions to stored instances.
// Transitions on one instance are mutually exclusive: a caller that finds
// the instance busy fails with *ConcurrentModificationError instead of
// waiting. Nothing is retried automatically.
type StateMachine struct {
	store  Store
	events EventPublisher
	now    func() time.Time
	logger *zap.Logger

	locks sync.Map // instance id -> *sync.Mutex, dropped once the instance is terminal
}

// NewStateMachine creates a StateMachine. events may be nil.
func NewStateMachine(store Store, events EventPublisher, logger *zap.Logger, opts ...Option) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &StateMachine{
		store:  store,
		events: events,
		now:    time.Now,
		logger: logger.With(zap.String("component", "workflow_state_machine")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new instance in CREATED.
func (m *StateMachine) Create(ctx context.Context, businessRequestID, triggeredBy string) (*Instance, error) {
	if businessRequestID == "" {
		return nil, fmt.Errorf("business request id is required")
	}
	now := normalizeTime(m.now())
	inst := &Instance{
		ID:                uuid.NewString(),
		BusinessRequestID: businessRequestID,
		CurrentState:      StateCreated,
		History: []Transition{{
			To:          StateCreated,
			TriggeredBy: triggeredBy,
			Timestamp:   now,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("create workflow instance: %w", err)
	}

	m.logger.Info("workflow created",
		zap.String("instance_id", inst.ID),
		zap.String("business_request_id", businessRequestID))
	m.publish(ctx, inst, inst.History[0])
	return inst, nil
}

// Transition moves an instance to `to`, appending a history record. The
// bus event is published after the instance lock is released.
func (m *StateMachine) Transition(ctx context.Context, instanceID string, to State, triggeredBy string, metadata map[string]string) (*Instance, error) {
	inst, tr, err := m.apply(ctx, instanceID, to, triggeredBy, metadata)
	if err != nil {
		return nil, err
	}

	m.logger.Info("workflow transitioned",
		zap.String("instance_id", instanceID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(to)),
		zap.String("triggered_by", triggeredBy))
	m.publish(ctx, inst, tr)
	return inst.Clone(), nil
}

func (m *StateMachine) apply(ctx context.Context, instanceID string, to State, triggeredBy string, metadata map[string]string) (*Instance, Transition, error) {
	mu := m.lock(instanceID)
	if !mu.TryLock() {
		return nil, Transition{}, &ConcurrentModificationError{InstanceID: instanceID}
	}
	defer mu.Unlock()

	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			m.locks.Delete(instanceID)
		}
		return nil, Transition{}, err
	}
	if !CanTransition(inst.CurrentState, to) {
		if inst.CurrentState.IsTerminal() {
			m.locks.Delete(instanceID)
		}
		return nil, Transition{}, &InvalidTransitionError{InstanceID: instanceID, From: inst.CurrentState, To: to}
	}

	tr := Transition{
		From:        inst.CurrentState,
		To:          to,
		TriggeredBy: triggeredBy,
		Timestamp:   normalizeTime(m.now()),
		Metadata:    metadata,
	}.clone()
	if err := m.store.AppendTransition(ctx, instanceID, inst.Version, tr); err != nil {
		var conflict *ConcurrentModificationError
		if errors.As(err, &conflict) {
			m.logger.Warn("workflow transition lost race",
				zap.String("instance_id", instanceID),
				zap.String("to", string(to)))
		}
		return nil, Transition{}, err
	}

	inst.History = append(inst.History, tr)
	inst.CurrentState = to
	inst.Version++
	inst.UpdatedAt = tr.Timestamp

	if to.IsTerminal() {
		m.locks.Delete(instanceID)
	}
	return inst, tr, nil
}

// CurrentState returns the instance's state.
func (m *StateMachine) CurrentState(ctx context.Context, instanceID string) (State, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return inst.CurrentState, nil
}

// Get returns a snapshot of the instance with its history.
func (m *StateMachine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return m.store.Get(ctx, instanceID)
}

// List returns instances matching filter, oldest first.
func (m *StateMachine) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	return m.store.List(ctx, filter)
}

func (m *StateMachine) lock(instanceID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *StateMachine) publish(ctx context.Context, inst *Instance, tr Transition) {
	if m.events == nil {
		return
	}
	err := m.events.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Topic:  bus.TopicWorkflowTransitioned,
		Source: "workflow",
		Payload: TransitionEvent{
			InstanceID:        inst.ID,
			BusinessRequestID: inst.BusinessRequestID,
			From:              tr.From,
			To:                tr.To,
			TriggeredBy:       tr.TriggeredBy,
			Version:           inst.Version,
			Metadata:          tr.Metadata,
			Timestamp:         tr.Timestamp,
		},
		Metadata: map[string]string{
			"instance_id": inst.ID,
			"state":       string(tr.To),
		},
	})
	if err != nil {
		m.logger.Debug("transition event not published", zap.Error(err))
	}
}
