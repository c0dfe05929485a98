package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrRegistryClosed is returned by Register after Close.
var ErrRegistryClosed = errors.New("agent registry closed")

// closer is implemented by agents holding resources.
type closer interface {
	Close() error
}

// Registry is the set of agents known to one orchestrator. It is created at
// startup, passed to the components that need it, and torn down with Close.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
	closed bool
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds an agent; ids must be unique.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("agent must have an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	r.order = append(r.order, a.ID())

	r.logger.Info("agent registered", zap.String("agent_id", a.ID()), zap.Int("capabilities", len(a.Capabilities())))
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	delete(r.agents, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
	return nil
}

// Get returns the agent with id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// FindByCapability returns the ids of agents declaring c, sorted.
func (r *Registry) FindByCapability(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.agents {
		if HasCapability(a, c) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close releases every agent and rejects further registrations.
func (r *Registry) Close() error {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]Agent)
	r.order = nil
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for id, a := range agents {
		if c, ok := a.(closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close agent %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
