package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/workflow"
)

func attrValue(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestTraceBus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := bus.New(nil)
	subs := TraceBus(b, tp.Tracer("test"))
	require.Len(t, subs, 4)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.TopicWorkflowTransitioned, workflow.TransitionEvent{
		InstanceID: "wf-1", From: workflow.StateCreated, To: workflow.StateAnalyzing, Version: 2,
	}))
	require.NoError(t, b.Publish(ctx, bus.TopicWorkflowTransitioned, workflow.TransitionEvent{
		InstanceID: "wf-1", From: workflow.StateAnalyzing, To: workflow.StateFailed,
		Metadata: map[string]string{"error": "carrier API offline"},
	}))
	require.NoError(t, b.Publish(ctx, bus.TopicHandoffRejected, handoff.Request{
		ID: "h1", ToAgentID: "analyst", State: handoff.StateRejected, Reason: "busy",
	}))
	require.NoError(t, b.Publish(ctx, bus.TopicTaskDead, &persistence.Task{ID: "t1", Attempts: 3, LastError: "boom"}))
	// 载荷类型不符时不产生 span
	require.NoError(t, b.Publish(ctx, bus.TopicTaskDead, "not a task"))

	spans := rec.Ended()
	require.Len(t, spans, 4)

	assert.Equal(t, "workflow.transition", spans[0].Name())
	assert.Equal(t, "ANALYZING", attrValue(spans[0], "workflow.to"))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "carrier API offline", spans[1].Status().Description)

	assert.Equal(t, "handoff.rejected", spans[2].Name())
	assert.Equal(t, "analyst", attrValue(spans[2], "handoff.to"))
	assert.Equal(t, "busy", spans[2].Status().Description)

	assert.Equal(t, "task.dead", spans[3].Name())
	assert.Contains(t, spans[3].Attributes(), attribute.Int("task.attempts", 3))

	for _, s := range subs {
		s.Unsubscribe()
	}
	require.NoError(t, b.Publish(ctx, bus.TopicTaskDead, &persistence.Task{ID: "t2"}))
	assert.Len(t, rec.Ended(), 4)
}
