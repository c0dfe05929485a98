package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID    contextKey = "trace_id"
	keyInstanceID contextKey = "instance_id"
	keyAgentID    contextKey = "agent_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithInstanceID tags the context with the workflow instance being served.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, keyInstanceID, instanceID)
}

// InstanceID extracts the workflow instance ID from context.
func InstanceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyInstanceID).(string)
	return v, ok && v != ""
}

// WithAgentID adds the executing agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts the executing agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}
