package handoff

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/brokerflow/agent"
	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle state of a handoff request.
type State string

const (
	StateProposed State = "proposed"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateTimedOut State = "timed_out"
)

// IsResolved reports whether s is final.
func (s State) IsResolved() bool { return s != StateProposed }

// TaskRef identifies the unit of work whose ownership moves.
type TaskRef struct {
	ID         string `json:"id"`
	Type       string `json:"type,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Request is a proposal to move a task from one agent to another.
type Request struct {
	ID          string     `json:"id"`
	FromAgentID string     `json:"from_agent_id"`
	ToAgentID   string     `json:"to_agent_id"`
	Task        TaskRef    `json:"task"`
	State       State      `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Deadline    time.Time  `json:"deadline"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// AgentDirectory resolves agent ids; *agent.Registry implements it.
type AgentDirectory interface {
	Get(id string) (agent.Agent, bool)
}

// EventPublisher is the part of the bus the manager publishes through.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev bus.Event) error
}

// Config configures the manager.
type Config struct {
	// Timeout is how long a proposal may stay unresolved.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// SweepInterval is the watchdog tick.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// Retention keeps resolved handoffs readable before the sweep drops them.
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// DefaultConfig returns a 2 minute timeout swept every 5 seconds; resolved
// handoffs are kept for 10 minutes.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Minute, SweepInterval: 5 * time.Second, Retention: 10 * time.Minute}
}

// Option configures a HandoffManager.
type Option func(*HandoffManager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *HandoffManager) { m.now = now }
}

type entry struct {
	req  Request
	done chan struct{}
}

// HandoffManager tracks handoff proposals and task ownership.
type HandoffManager struct {
	agents AgentDirectory
	events EventPublisher
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	requests map[string]*entry
	owners   map[string]string
	open     map[string]string // task id -> proposed handoff id

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHandoffManager creates a manager. events may be nil.
func NewHandoffManager(agents AgentDirectory, events EventPublisher, cfg Config, logger *zap.Logger, opts ...Option) *HandoffManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	m := &HandoffManager{
		agents:   agents,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "handoff_manager")),
		requests: make(map[string]*entry),
		owners:   make(map[string]string),
		open:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *HandoffManager) checkAgent(id string) error {
	if _, ok := m.agents.Get(id); !ok {
		return &UnknownAgentError{AgentID: id}
	}
	return nil
}

// Claim makes agentID the first owner of task.
func (m *HandoffManager) Claim(task TaskRef, agentID string) error {
	if err := m.checkAgent(agentID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owners[task.ID]; ok && owner != agentID {
		return fmt.Errorf("%w: %s owned by %s", ErrAlreadyOwned, task.ID, owner)
	}
	m.owners[task.ID] = agentID
	return nil
}

// Release forgets the owner of a finished task. Open proposals for it are
// left to resolve or time out.
func (m *HandoffManager) Release(task TaskRef) {
	m.mu.Lock()
	delete(m.owners, task.ID)
	m.mu.Unlock()
}

// Owner returns the agent currently owning task.
func (m *HandoffManager) Owner(task TaskRef) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[task.ID]
	return owner, ok
}

// Propose records a proposal from fromAgentID to toAgentID. An unowned task is
// claimed by the proposer first.
func (m *HandoffManager) Propose(ctx context.Context, fromAgentID, toAgentID string, task TaskRef) (*Request, error) {
	if err := m.checkAgent(fromAgentID); err != nil {
		return nil, err
	}
	if err := m.checkAgent(toAgentID); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, fmt.Errorf("handoff task must have an id")
	}

	now := m.now()
	m.mu.Lock()
	if owner, ok := m.owners[task.ID]; ok && owner != fromAgentID {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s owned by %s", ErrNotOwner, task.ID, owner)
	}
	if id, ok := m.open[task.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s has open handoff %s", ErrPending, task.ID, id)
	}
	m.owners[task.ID] = fromAgentID
	e := &entry{
		req: Request{
			ID:          uuid.NewString(),
			FromAgentID: fromAgentID,
			ToAgentID:   toAgentID,
			Task:        task,
			State:       StateProposed,
			CreatedAt:   now,
			Deadline:    now.Add(m.cfg.Timeout),
		},
		done: make(chan struct{}),
	}
	m.requests[e.req.ID] = e
	m.open[task.ID] = e.req.ID
	snap := e.req
	m.mu.Unlock()

	m.logger.Info("handoff proposed",
		zap.String("handoff_id", snap.ID),
		zap.String("from", fromAgentID),
		zap.String("to", toAgentID),
		zap.String("task_id", task.ID))
	m.publish(ctx, bus.TopicHandoffProposed, snap)
	return &snap, nil
}

// Accept resolves a proposal as accepted and moves ownership to the recipient.
func (m *HandoffManager) Accept(ctx context.Context, handoffID, acceptingAgentID string) (*Request, error) {
	m.mu.Lock()
	e, err := m.pending(handoffID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if acceptingAgentID != e.req.ToAgentID {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is for %s", ErrNotRecipient, handoffID, e.req.ToAgentID)
	}
	m.resolve(e, StateAccepted, "")
	m.owners[e.req.Task.ID] = e.req.ToAgentID
	snap := e.req
	m.mu.Unlock()

	m.logger.Info("handoff accepted", zap.String("handoff_id", handoffID), zap.String("owner", snap.ToAgentID))
	m.publish(ctx, bus.TopicHandoffAccepted, snap)
	return &snap, nil
}

// Reject resolves a proposal as rejected; the proposer keeps the task.
func (m *HandoffManager) Reject(ctx context.Context, handoffID, reason string) (*Request, error) {
	m.mu.Lock()
	e, err := m.pending(handoffID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.resolve(e, StateRejected, reason)
	snap := e.req
	m.mu.Unlock()

	m.logger.Info("handoff rejected", zap.String("handoff_id", handoffID), zap.String("reason", reason))
	m.publish(ctx, bus.TopicHandoffRejected, snap)
	return &snap, nil
}

// Review lets the recipient decide: agents implementing
// agent.HandoffReviewer are asked, all others accept.
func (m *HandoffManager) Review(ctx context.Context, handoffID string) (*Request, error) {
	req, err := m.Get(handoffID)
	if err != nil {
		return nil, err
	}
	if req.State.IsResolved() {
		return nil, &AlreadyResolvedError{HandoffID: handoffID, State: req.State}
	}
	recipient, ok := m.agents.Get(req.ToAgentID)
	if !ok {
		return m.Reject(ctx, handoffID, (&UnknownAgentError{AgentID: req.ToAgentID}).Error())
	}
	if reviewer, ok := recipient.(agent.HandoffReviewer); ok {
		if accept, reason := reviewer.ReviewHandoff(ctx, req.FromAgentID, req.Task.Type); !accept {
			return m.Reject(ctx, handoffID, reason)
		}
	}
	return m.Accept(ctx, handoffID, req.ToAgentID)
}

// Await blocks until the handoff is resolved or ctx ends.
func (m *HandoffManager) Await(ctx context.Context, handoffID string) (*Request, error) {
	m.mu.Lock()
	e, ok := m.requests[handoffID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handoffID)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Get(handoffID)
}

// Get returns a snapshot of a handoff.
func (m *HandoffManager) Get(handoffID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.requests[handoffID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handoffID)
	}
	snap := e.req
	return &snap, nil
}

// List returns handoffs in the given states (all when none), oldest first.
func (m *HandoffManager) List(states ...State) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.requests))
	for _, e := range m.requests {
		if len(states) == 0 || containsState(states, e.req.State) {
			out = append(out, e.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep times out every proposal whose deadline is at or before now and
// returns them. Each proposal times out at most once. Handoffs resolved more
// than Retention ago are dropped.
func (m *HandoffManager) Sweep(now time.Time) []Request {
	m.mu.Lock()
	var expired []Request
	pruned := 0
	for id, e := range m.requests {
		switch {
		case e.req.State == StateProposed && !now.Before(e.req.Deadline):
			m.resolveAt(e, StateTimedOut, "no response before deadline", now)
			expired = append(expired, e.req)
		case e.req.ResolvedAt != nil && now.Sub(*e.req.ResolvedAt) >= m.cfg.Retention:
			delete(m.requests, id)
			pruned++
		}
	}
	m.mu.Unlock()

	if pruned > 0 {
		m.logger.Debug("resolved handoffs pruned", zap.Int("count", pruned))
	}

	for _, req := range expired {
		m.logger.Warn("handoff timed out",
			zap.String("handoff_id", req.ID),
			zap.String("from", req.FromAgentID),
			zap.String("to", req.ToAgentID))
		m.publish(context.Background(), bus.TopicHandoffTimedOut, req)
	}
	return expired
}

// Start runs the timeout watchdog until ctx ends or Stop is called.
func (m *HandoffManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
}

// Stop halts the watchdog and waits for it to exit.
func (m *HandoffManager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()
	})
}

// pending returns a proposed entry; caller holds mu.
func (m *HandoffManager) pending(handoffID string) (*entry, error) {
	e, ok := m.requests[handoffID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handoffID)
	}
	if e.req.State.IsResolved() {
		return nil, &AlreadyResolvedError{HandoffID: handoffID, State: e.req.State}
	}
	return e, nil
}

func (m *HandoffManager) resolve(e *entry, state State, reason string) {
	m.resolveAt(e, state, reason, m.now())
}

func (m *HandoffManager) resolveAt(e *entry, state State, reason string, at time.Time) {
	e.req.State = state
	e.req.Reason = reason
	e.req.ResolvedAt = &at
	delete(m.open, e.req.Task.ID)
	close(e.done)
}

func (m *HandoffManager) publish(ctx context.Context, topic bus.Topic, req Request) {
	if m.events == nil {
		return
	}
	meta := map[string]string{
		"handoff_id": req.ID,
		"from":       req.FromAgentID,
		"to":         req.ToAgentID,
	}
	if req.Task.InstanceID != "" {
		meta["instance_id"] = req.Task.InstanceID
	}
	err := m.events.PublishEvent(ctx, bus.Event{
		Topic:    topic,
		Source:   "handoff",
		Payload:  req,
		Metadata: meta,
	})
	if err != nil {
		m.logger.Debug("handoff event not published", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func containsState(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
