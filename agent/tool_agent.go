package agent

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/llm/tools"
	"github.com/BaSui01/brokerflow/types"
	"go.uber.org/zap"
)

// ToolCaller executes one tool call with retries.
type ToolCaller interface {
	ExecuteWithRetry(ctx context.Context, call types.ToolCall, opts ...tools.CallOption) (*tools.CallRecord, error)
}

// ToolAgent runs a single tool per task. The task payload is passed through
// as the tool arguments and the tool result becomes the task result.
type ToolAgent struct {
	id       string
	toolName string
	caps     []Capability
	caller   ToolCaller
	opts     []tools.CallOption
	logger   *zap.Logger
}

// NewToolAgent creates a ToolAgent bound to toolName.
func NewToolAgent(id, toolName string, caller ToolCaller, logger *zap.Logger, caps ...Capability) *ToolAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolAgent{
		id:       id,
		toolName: toolName,
		caps:     caps,
		caller:   caller,
		logger:   logger.With(zap.String("component", "tool_agent"), zap.String("agent_id", id)),
	}
}

// WithCallOptions sets per-call options such as an event sink.
func (a *ToolAgent) WithCallOptions(opts ...tools.CallOption) *ToolAgent {
	a.opts = append(a.opts, opts...)
	return a
}

func (a *ToolAgent) ID() string                 { return a.id }
func (a *ToolAgent) Capabilities() []Capability { return a.caps }

// Execute invokes the bound tool. A nil payload is sent as an empty object.
func (a *ToolAgent) Execute(ctx context.Context, task *persistence.Task) (json.RawMessage, error) {
	args := task.Payload
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	call := types.ToolCall{ID: task.ID, Name: a.toolName, Arguments: args}

	rec, err := a.caller.ExecuteWithRetry(ctx, call, a.opts...)
	if err != nil {
		a.logger.Warn("tool task failed",
			zap.String("task_id", task.ID),
			zap.String("tool", a.toolName),
			zap.Error(err))
		return nil, err
	}
	return rec.Result, nil
}
