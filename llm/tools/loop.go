package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/brokerflow/llm"
	"github.com/BaSui01/brokerflow/types"
	"go.uber.org/zap"
)

// LoopState is the phase the conversation loop is in.
type LoopState string

const (
	LoopStreamingTokens LoopState = "STREAMING_TOKENS"
	LoopExecutingTools  LoopState = "EXECUTING_TOOLS"
	LoopComplete        LoopState = "COMPLETE"
)

// DefaultMaxTurnDepth bounds the number of completion turns in one run.
const DefaultMaxTurnDepth = 5

// LoopConfig defines conversation loop configuration.
type LoopConfig struct {
	MaxTurnDepth int    `yaml:"max_turn_depth" json:"max_turn_depth"`
	Model        string `yaml:"model" json:"model"`
}

// BatchExecutor runs the tool calls of one turn.
type BatchExecutor interface {
	ExecuteAll(ctx context.Context, calls []types.ToolCall, sink EventSink) []types.ToolResult
}

// SchemaLister exposes the tools offered to the completion service.
type SchemaLister interface {
	List() []types.ToolSchema
}

// LoopResult is the outcome of a run. On error it holds the partial state for
// diagnostics; the partial assistant turn is not appended to Messages.
type LoopResult struct {
	Messages     []types.Message    `json:"messages"`
	Content      string             `json:"content"`
	Depth        int                `json:"depth"`
	State        LoopState          `json:"state"`
	FinishReason string             `json:"finish_reason,omitempty"`
	ToolResults  []types.ToolResult `json:"tool_results,omitempty"`
	Partial      string             `json:"partial,omitempty"`
}

// ConversationLoop drives "stream → tools → stream" turns against a Provider.
type ConversationLoop struct {
	provider llm.Provider
	executor BatchExecutor
	tools    SchemaLister
	cfg      LoopConfig
	logger   *zap.Logger
}

// NewConversationLoop creates a loop. tools may be nil when no tools are offered.
func NewConversationLoop(provider llm.Provider, executor BatchExecutor, tools SchemaLister, cfg LoopConfig, logger *zap.Logger) *ConversationLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTurnDepth <= 0 {
		cfg.MaxTurnDepth = DefaultMaxTurnDepth
	}
	return &ConversationLoop{
		provider: provider,
		executor: executor,
		tools:    tools,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "conversation_loop")),
	}
}

// Run executes the loop until the service stops requesting tools, the depth
// bound is hit (*LoopDepthExceededError), the stream fails, or ctx ends.
// sink may be called from several goroutines while tools run in parallel; Run
// serialises those calls.
func (l *ConversationLoop) Run(ctx context.Context, req *llm.ChatRequest, sink EventSink) (*LoopResult, error) {
	sink = serialized(sink)
	res := &LoopResult{
		Messages: append([]types.Message{}, req.Messages...),
		State:    LoopStreamingTokens,
	}

	for {
		if res.Depth >= l.cfg.MaxTurnDepth {
			l.logger.Warn("max turn depth reached", zap.Int("max", l.cfg.MaxTurnDepth))
			return res, &LoopDepthExceededError{MaxDepth: l.cfg.MaxTurnDepth}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.State = LoopStreamingTokens
		callReq := *req
		callReq.Messages = res.Messages
		if callReq.Model == "" {
			callReq.Model = l.cfg.Model
		}
		if l.tools != nil {
			callReq.Tools = l.tools.List()
		}

		msg, finish, malformed, err := l.streamTurn(ctx, &callReq, res, sink)
		if err != nil {
			return res, err
		}
		res.Partial = ""
		res.FinishReason = finish

		if !msg.RequestsTools() {
			res.Messages = append(res.Messages, msg)
			res.Content = msg.Content
			res.State = LoopComplete
			sink.emit(Event{Type: EventComplete, Depth: res.Depth, Content: msg.Content})
			l.logger.Debug("conversation completed", zap.Int("depth", res.Depth))
			return res, nil
		}

		// 取消后不再启动新的工具调用
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.State = LoopExecutingTools
		l.logger.Debug("executing tools", zap.Int("count", len(msg.ToolCalls)), zap.Int("depth", res.Depth))
		results := l.runTools(ctx, msg.ToolCalls, malformed, res.Depth, sink)
		if err := ctx.Err(); err != nil {
			res.ToolResults = append(res.ToolResults, results...)
			return res, err
		}

		res.Messages = append(res.Messages, msg)
		for _, r := range results {
			if r.IsError() {
				l.logger.Warn("tool failed, returning annotated result", zap.String("tool", r.Name), zap.String("error", r.Error))
			}
			res.Messages = append(res.Messages, r.ToMessage())
		}
		res.ToolResults = append(res.ToolResults, results...)
		res.Depth++
	}
}

// runTools executes the well-formed calls of a turn. Calls whose arguments
// could not be assembled get an error result instead, in call order, so the
// service can correct itself on the next turn.
func (l *ConversationLoop) runTools(ctx context.Context, calls []types.ToolCall, malformed map[string]string, depth int, sink EventSink) []types.ToolResult {
	if len(malformed) == 0 {
		return l.executor.ExecuteAll(ctx, calls, sink)
	}
	valid := make([]types.ToolCall, 0, len(calls))
	for _, c := range calls {
		if _, bad := malformed[c.ID]; !bad {
			valid = append(valid, c)
		}
	}
	executed := make(map[string]types.ToolResult, len(valid))
	if len(valid) > 0 {
		for _, r := range l.executor.ExecuteAll(ctx, valid, sink) {
			executed[r.ToolCallID] = r
		}
	}

	out := make([]types.ToolResult, 0, len(calls))
	for _, c := range calls {
		reason, bad := malformed[c.ID]
		if !bad {
			out = append(out, executed[c.ID])
			continue
		}
		sink.emit(Event{Type: EventToolCallError, Depth: depth, ToolCallID: c.ID, ToolName: c.Name, Status: CallError, Error: reason})
		out = append(out, types.ToolResult{ToolCallID: c.ID, Name: c.Name, Error: reason})
	}
	return out
}

type toolCallAcc struct {
	id        string
	name      string
	argsFinal json.RawMessage
	building  strings.Builder
}

// streamTurn consumes one stream, forwarding tokens and assembling tool calls.
// Calls whose assembled arguments are not valid JSON are returned in
// malformed (call id -> reason); their raw text is kept as a JSON string.
func (l *ConversationLoop) streamTurn(ctx context.Context, req *llm.ChatRequest, res *LoopResult, sink EventSink) (msg types.Message, finish string, malformed map[string]string, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamCh, err := l.provider.Stream(streamCtx, req)
	if err != nil {
		return types.Message{}, "", nil, fmt.Errorf("completion stream failed at depth %d: %w", res.Depth, err)
	}

	var (
		content strings.Builder
		order   []string
		byID    = make(map[string]*toolCallAcc)
	)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			res.Partial = content.String()
			return types.Message{}, "", nil, ctx.Err()
		case chunk, ok := <-streamCh:
			if !ok {
				done = true
				break
			}
			if chunk.Err != nil {
				res.Partial = content.String()
				return types.Message{}, "", nil, chunk.Err
			}
			if chunk.Delta.Content != "" {
				content.WriteString(chunk.Delta.Content)
				sink.emit(Event{Type: EventToken, Depth: res.Depth, Token: chunk.Delta.Content})
			}
			for _, tc := range chunk.Delta.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					// 无 ID 的增量归属于最近一次出现的调用
					if len(order) > 0 {
						id = order[len(order)-1]
					} else {
						id = fmt.Sprintf("call_%d_%d", res.Depth+1, len(order)+1)
					}
				}
				acc := byID[id]
				if acc == nil {
					acc = &toolCallAcc{id: id}
					byID[id] = acc
					order = append(order, id)
				}
				if name := strings.TrimSpace(tc.Name); name != "" {
					acc.name = name
				}
				appendArgs(acc, tc.Arguments)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
	}

	if err := ctx.Err(); err != nil {
		res.Partial = content.String()
		return types.Message{}, "", nil, err
	}

	msg = types.NewAssistantMessage(content.String())
	for _, id := range order {
		acc := byID[id]
		args := acc.argsFinal
		if len(args) == 0 {
			raw := strings.TrimSpace(acc.building.String())
			switch {
			case raw == "":
			case json.Valid([]byte(raw)):
				args = json.RawMessage(raw)
			default:
				if malformed == nil {
					malformed = make(map[string]string)
				}
				malformed[acc.id] = fmt.Sprintf("invalid tool call arguments for %s: not valid JSON", acc.name)
				args, _ = json.Marshal(raw)
				l.logger.Warn("malformed tool call arguments",
					zap.String("tool_call_id", acc.id),
					zap.String("tool", acc.name),
					zap.Int("depth", res.Depth))
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	if finish == "" {
		finish = llm.FinishReasonStop
		if len(msg.ToolCalls) > 0 {
			finish = llm.FinishReasonToolCalls
		}
	}
	return msg, finish, malformed, nil
}

// appendArgs accepts argument deltas either as JSON string fragments, as a
// complete JSON value, or as raw text fragments.
func appendArgs(acc *toolCallAcc, delta json.RawMessage) {
	if len(delta) == 0 || len(acc.argsFinal) > 0 {
		return
	}
	var seg string
	if err := json.Unmarshal(delta, &seg); err == nil {
		acc.building.WriteString(seg)
		return
	}
	if acc.building.Len() == 0 && json.Valid(delta) {
		acc.argsFinal = append(json.RawMessage(nil), delta...)
		return
	}
	acc.building.Write(delta)
}

func serialized(sink EventSink) EventSink {
	if sink == nil {
		return nil
	}
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		sink(e)
	}
}
