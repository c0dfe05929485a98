package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/llm"
	"github.com/BaSui01/brokerflow/llm/tools"
	"github.com/BaSui01/brokerflow/types"
	"go.uber.org/zap"
)

// LoopRunner runs a streaming conversation.
type LoopRunner interface {
	Run(ctx context.Context, req *llm.ChatRequest, sink tools.EventSink) (*tools.LoopResult, error)
}

// EventPublisher is the part of the bus an agent publishes through.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev bus.Event) error
}

// ConversationInput is the payload accepted by a ConversationAgent. A payload
// that is not an object is used verbatim as the prompt.
type ConversationInput struct {
	Prompt  string          `json:"prompt"`
	Context json.RawMessage `json:"context,omitempty"`
}

// ConversationOutput is the result written back to the task.
type ConversationOutput struct {
	Content     string             `json:"content"`
	Depth       int                `json:"depth"`
	ToolResults []types.ToolResult `json:"tool_results,omitempty"`
}

// ConversationAgent answers a task by running the streaming tool loop and
// republishes every progress event on bus.TopicToolProgress.
type ConversationAgent struct {
	id           string
	caps         []Capability
	systemPrompt string
	loop         LoopRunner
	events       EventPublisher
	logger       *zap.Logger
}

// NewConversationAgent creates a ConversationAgent. events may be nil.
func NewConversationAgent(id, systemPrompt string, loop LoopRunner, events EventPublisher, logger *zap.Logger, caps ...Capability) *ConversationAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationAgent{
		id:           id,
		caps:         caps,
		systemPrompt: systemPrompt,
		loop:         loop,
		events:       events,
		logger:       logger.With(zap.String("component", "conversation_agent"), zap.String("agent_id", id)),
	}
}

func (a *ConversationAgent) ID() string                 { return a.id }
func (a *ConversationAgent) Capabilities() []Capability { return a.caps }

func (a *ConversationAgent) Execute(ctx context.Context, task *persistence.Task) (json.RawMessage, error) {
	in := parseInput(task.Payload)
	if in.Prompt == "" && len(in.Context) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "conversation task has no prompt")
	}

	var msgs []types.Message
	if a.systemPrompt != "" {
		msgs = append(msgs, types.NewSystemMessage(a.systemPrompt))
	}
	user := in.Prompt
	switch {
	case user == "":
		user = string(in.Context)
	case len(in.Context) > 0:
		user = fmt.Sprintf("%s\n\nContext:\n%s", in.Prompt, string(in.Context))
	}
	msgs = append(msgs, types.NewUserMessage(user))

	traceID, _ := types.TraceID(ctx)
	req := &llm.ChatRequest{TraceID: traceID, Messages: msgs}

	res, err := a.loop.Run(ctx, req, a.sink(ctx, task))
	if err != nil {
		depth := 0
		if res != nil {
			depth = res.Depth
		}
		a.logger.Warn("conversation failed",
			zap.String("task_id", task.ID),
			zap.Int("depth", depth),
			zap.Error(err))
		return nil, err
	}

	return json.Marshal(ConversationOutput{
		Content:     res.Content,
		Depth:       res.Depth,
		ToolResults: res.ToolResults,
	})
}

func (a *ConversationAgent) sink(ctx context.Context, task *persistence.Task) tools.EventSink {
	if a.events == nil {
		return nil
	}
	meta := map[string]string{"task_id": task.ID, "agent_id": a.id}
	if id, ok := types.InstanceID(ctx); ok {
		meta["instance_id"] = id
	}
	return func(e tools.Event) {
		// 进度事件尽力投递，取消后的发布错误忽略
		_ = a.events.PublishEvent(context.WithoutCancel(ctx), bus.Event{
			Topic:    bus.TopicToolProgress,
			Source:   a.id,
			Payload:  e,
			Metadata: meta,
		})
	}
}

func parseInput(payload json.RawMessage) ConversationInput {
	var in ConversationInput
	if len(payload) == 0 {
		return in
	}
	if err := json.Unmarshal(payload, &in); err == nil {
		if in.Prompt == "" && len(in.Context) == 0 {
			in.Context = payload
		}
		return in
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		in.Prompt = s
		return in
	}
	in.Prompt = string(payload)
	return in
}
