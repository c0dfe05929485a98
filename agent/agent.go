package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/brokerflow/agent/persistence"
)

// Capability names a kind of work an agent can take over.
type Capability string

// Agent is a worker that executes queue tasks it owns.
type Agent interface {
	ID() string
	Capabilities() []Capability
	Execute(ctx context.Context, task *persistence.Task) (json.RawMessage, error)
}

// HandoffReviewer is implemented by agents that decide whether to accept a
// proposed handoff. Agents without it accept automatically.
type HandoffReviewer interface {
	ReviewHandoff(ctx context.Context, fromAgentID string, taskType string) (accept bool, reason string)
}

// HasCapability reports whether a declares c.
func HasCapability(a Agent, c Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// ExecuteFunc is the body of a FuncAgent.
type ExecuteFunc func(ctx context.Context, task *persistence.Task) (json.RawMessage, error)

// FuncAgent adapts a function into an Agent.
type FuncAgent struct {
	id     string
	caps   []Capability
	fn     ExecuteFunc
	review func(ctx context.Context, fromAgentID, taskType string) (bool, string)
}

// NewFuncAgent creates an agent backed by fn.
func NewFuncAgent(id string, fn ExecuteFunc, caps ...Capability) *FuncAgent {
	return &FuncAgent{id: id, caps: caps, fn: fn}
}

// WithReview installs a handoff review hook.
func (a *FuncAgent) WithReview(fn func(ctx context.Context, fromAgentID, taskType string) (bool, string)) *FuncAgent {
	a.review = fn
	return a
}

func (a *FuncAgent) ID() string                 { return a.id }
func (a *FuncAgent) Capabilities() []Capability { return a.caps }

func (a *FuncAgent) Execute(ctx context.Context, task *persistence.Task) (json.RawMessage, error) {
	if a.fn == nil {
		return nil, fmt.Errorf("agent %s has no executor", a.id)
	}
	return a.fn(ctx, task)
}

// ReviewHandoff implements HandoffReviewer.
func (a *FuncAgent) ReviewHandoff(ctx context.Context, fromAgentID, taskType string) (bool, string) {
	if a.review == nil {
		return true, ""
	}
	return a.review(ctx, fromAgentID, taskType)
}
