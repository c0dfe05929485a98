package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/llm"
	"github.com/BaSui01/brokerflow/llm/tools"
	"github.com/BaSui01/brokerflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolExecutor(t *testing.T, name string, fn tools.ToolFunc) *tools.RetryingExecutor {
	t.Helper()
	reg := tools.NewDefaultRegistry(nil)
	require.NoError(t, reg.Register(name, fn, tools.ToolMetadata{Description: name}))
	return tools.NewRetryingExecutor(tools.NewInvoker(reg, nil), tools.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, nil,
		tools.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func TestToolAgent_PassesPayloadAsArguments(t *testing.T) {
	var got json.RawMessage
	exec := newToolExecutor(t, "carrier_search", func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		got = args
		return json.RawMessage(`{"carriers":3}`), nil
	})
	a := NewToolAgent("searcher", "carrier_search", exec, nil, "search")

	out, err := a.Execute(context.Background(), &persistence.Task{ID: "t1", Payload: json.RawMessage(`{"line":"auto"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"carriers":3}`, string(out))
	assert.JSONEq(t, `{"line":"auto"}`, string(got))
	assert.Equal(t, []Capability{"search"}, a.Capabilities())
}

func TestToolAgent_EmptyPayloadAndRetries(t *testing.T) {
	calls := 0
	exec := newToolExecutor(t, "flaky", func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		calls++
		assert.JSONEq(t, `{}`, string(args))
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return json.RawMessage(`"ok"`), nil
	})
	a := NewToolAgent("worker", "flaky", exec, nil)

	out, err := a.Execute(context.Background(), &persistence.Task{ID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(out))
	assert.Equal(t, 3, calls)
}

func TestToolAgent_PermanentFailure(t *testing.T) {
	exec := newToolExecutor(t, "strict", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, types.NewError(types.ErrUnauthorized, "bad credentials")
	})
	a := NewToolAgent("worker", "strict", exec, nil)

	_, err := a.Execute(context.Background(), &persistence.Task{ID: "t3"})
	var perm *tools.PermanentToolError
	require.ErrorAs(t, err, &perm)
}

type fakeLoop struct {
	req    *llm.ChatRequest
	events []tools.Event
	result *tools.LoopResult
	err    error
}

func (f *fakeLoop) Run(_ context.Context, req *llm.ChatRequest, sink tools.EventSink) (*tools.LoopResult, error) {
	f.req = req
	for _, e := range f.events {
		sink(e)
	}
	return f.result, f.err
}

func TestConversationAgent_RepublishesProgress(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	var mu sync.Mutex
	var got []bus.Event
	b.Subscribe(bus.TopicToolProgress, func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	loop := &fakeLoop{
		events: []tools.Event{
			{Type: tools.EventToken, Token: "Hel"},
			{Type: tools.EventToolCallStart, ToolName: "carrier_search"},
			{Type: tools.EventComplete, Content: "Hello"},
		},
		result: &tools.LoopResult{Content: "Hello", Depth: 1, State: tools.LoopComplete},
	}
	a := NewConversationAgent("analyst", "You analyze quotes.", loop, b, nil, "analyze")

	ctx := types.WithInstanceID(context.Background(), "wf-1")
	out, err := a.Execute(ctx, &persistence.Task{ID: "t4", Payload: json.RawMessage(`{"prompt":"compare"}`)})
	require.NoError(t, err)

	var res ConversationOutput
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, 1, res.Depth)

	require.Len(t, loop.req.Messages, 2)
	assert.Equal(t, types.RoleSystem, loop.req.Messages[0].Role)
	assert.Equal(t, "compare", loop.req.Messages[1].Content)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	for _, ev := range got {
		assert.Equal(t, "analyst", ev.Source)
		assert.Equal(t, "wf-1", ev.Metadata["instance_id"])
		assert.Equal(t, "t4", ev.Metadata["task_id"])
	}
	assert.Equal(t, tools.EventToken, got[0].Payload.(tools.Event).Type)
}

func TestConversationAgent_PayloadForms(t *testing.T) {
	loop := &fakeLoop{result: &tools.LoopResult{Content: "done"}}
	a := NewConversationAgent("c", "", loop, nil, nil)

	_, err := a.Execute(context.Background(), &persistence.Task{ID: "s", Payload: json.RawMessage(`"plain prompt"`)})
	require.NoError(t, err)
	require.Len(t, loop.req.Messages, 1)
	assert.Equal(t, "plain prompt", loop.req.Messages[0].Content)

	_, err = a.Execute(context.Background(), &persistence.Task{ID: "o", Payload: json.RawMessage(`{"client":"acme"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"client":"acme"}`, loop.req.Messages[0].Content)

	_, err = a.Execute(context.Background(), &persistence.Task{ID: "e"})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestConversationAgent_LoopError(t *testing.T) {
	loop := &fakeLoop{
		result: &tools.LoopResult{Depth: 5},
		err:    &tools.LoopDepthExceededError{MaxDepth: 5},
	}
	a := NewConversationAgent("c", "", loop, nil, nil)

	_, err := a.Execute(context.Background(), &persistence.Task{ID: "d", Payload: json.RawMessage(`"go"`)})
	var depthErr *tools.LoopDepthExceededError
	require.ErrorAs(t, err, &depthErr)
	assert.Equal(t, 5, depthErr.MaxDepth)
}
