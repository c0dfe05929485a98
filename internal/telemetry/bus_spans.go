package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/workflow"
)

// TraceBus 把工作流迁移、交接结果和死信任务记录为瞬时 span。
// 返回的订阅用于解除。
func TraceBus(b *bus.Bus, tracer trace.Tracer) []*bus.Subscription {
	record := func(topic bus.Topic, fn func(bus.Event) (string, []attribute.KeyValue, string)) *bus.Subscription {
		return b.Subscribe(topic, func(ctx context.Context, e bus.Event) error {
			name, attrs, failure := fn(e)
			if name == "" {
				return nil
			}
			ts := e.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			_, span := tracer.Start(ctx, name,
				trace.WithTimestamp(ts),
				trace.WithAttributes(attrs...),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			if failure != "" {
				span.SetStatus(codes.Error, failure)
			}
			span.End(trace.WithTimestamp(ts))
			return nil
		})
	}

	return []*bus.Subscription{
		record(bus.TopicWorkflowTransitioned, transitionSpan),
		record(bus.TopicHandoffRejected, handoffSpan),
		record(bus.TopicHandoffTimedOut, handoffSpan),
		record(bus.TopicTaskDead, deadTaskSpan),
	}
}

func transitionSpan(e bus.Event) (string, []attribute.KeyValue, string) {
	ev, ok := e.Payload.(workflow.TransitionEvent)
	if !ok {
		return "", nil, ""
	}
	failure := ""
	if ev.To == workflow.StateFailed {
		failure = ev.Metadata["error"]
	}
	return "workflow.transition", []attribute.KeyValue{
		attribute.String("workflow.instance_id", ev.InstanceID),
		attribute.String("workflow.business_request_id", ev.BusinessRequestID),
		attribute.String("workflow.from", string(ev.From)),
		attribute.String("workflow.to", string(ev.To)),
		attribute.String("workflow.triggered_by", ev.TriggeredBy),
		attribute.Int64("workflow.version", ev.Version),
	}, failure
}

func handoffSpan(e bus.Event) (string, []attribute.KeyValue, string) {
	req, ok := e.Payload.(handoff.Request)
	if !ok {
		return "", nil, ""
	}
	reason := req.Reason
	if reason == "" {
		reason = string(req.State)
	}
	return "handoff." + string(req.State), []attribute.KeyValue{
		attribute.String("handoff.id", req.ID),
		attribute.String("handoff.from", req.FromAgentID),
		attribute.String("handoff.to", req.ToAgentID),
		attribute.String("workflow.instance_id", req.Task.InstanceID),
	}, reason
}

func deadTaskSpan(e bus.Event) (string, []attribute.KeyValue, string) {
	t, ok := e.Payload.(*persistence.Task)
	if !ok {
		return "", nil, ""
	}
	return "task.dead", []attribute.KeyValue{
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.Int("task.attempts", t.Attempts),
	}, t.LastError
}
