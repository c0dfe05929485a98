package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/brokerflow/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ToolFunc defines the tool function signature.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ToolMetadata describes tool metadata.
type ToolMetadata struct {
	Schema      types.ToolSchema // Tool JSON Schema
	RateLimit   *RateLimitConfig // Rate limit config (optional)
	Timeout     time.Duration    // Execution timeout (default 30s)
	Description string           // Detailed description
}

// RateLimitConfig defines a token bucket for one tool.
type RateLimitConfig struct {
	Rate  float64 // calls per second
	Burst int
}

// ToolRegistry defines tool registry interface.
type ToolRegistry interface {
	Register(name string, fn ToolFunc, metadata ToolMetadata) error
	Unregister(name string) error
	Get(name string) (ToolFunc, ToolMetadata, error)
	List() []types.ToolSchema
	Has(name string) bool
}

// guard is implemented by registries that enforce per-tool admission checks.
type guard interface {
	Allow(name string) error
	Validate(name string, args json.RawMessage) error
}

// ====== 实现：DefaultRegistry ======

type DefaultRegistry struct {
	mu         sync.RWMutex
	tools      map[string]ToolFunc
	metadata   map[string]ToolMetadata
	limiters   map[string]*rate.Limiter      // 工具级别的速率限制器
	validators map[string]*jsonschema.Schema // 工具参数校验
	logger     *zap.Logger
}

// NewDefaultRegistry 创建默认的工具注册中心。
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		tools:      make(map[string]ToolFunc),
		metadata:   make(map[string]ToolMetadata),
		limiters:   make(map[string]*rate.Limiter),
		validators: make(map[string]*jsonschema.Schema),
		logger:     logger.With(zap.String("component", "tool_registry")),
	}
}

func (r *DefaultRegistry) Register(name string, fn ToolFunc, metadata ToolMetadata) error {
	if fn == nil {
		return fmt.Errorf("tool %s has nil handler", name)
	}
	if metadata.Schema.Name == "" {
		metadata.Schema.Name = name
	}
	if metadata.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", metadata.Schema.Name, name)
	}
	if metadata.Schema.Description == "" {
		metadata.Schema.Description = metadata.Description
	}
	if metadata.Timeout == 0 {
		metadata.Timeout = 30 * time.Second
	}

	var compiled *jsonschema.Schema
	if len(metadata.Schema.Parameters) > 0 {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://brokerflow.local/tools/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(string(metadata.Schema.Parameters))); err != nil {
			return fmt.Errorf("tool %s schema load failed: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s schema compile failed: %w", name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = fn
	r.metadata[name] = metadata
	if compiled != nil {
		r.validators[name] = compiled
	}
	if metadata.RateLimit != nil && metadata.RateLimit.Rate > 0 {
		burst := metadata.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(metadata.RateLimit.Rate), burst)
	}

	r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", metadata.Timeout))
	return nil
}

func (r *DefaultRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	delete(r.metadata, name)
	delete(r.limiters, name)
	delete(r.validators, name)

	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

func (r *DefaultRegistry) Get(name string) (ToolFunc, ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.tools[name]
	if !ok {
		return nil, ToolMetadata{}, types.NewError(types.ErrToolNotFound, fmt.Sprintf("unknown tool %q", name))
	}
	return fn, r.metadata[name], nil
}

// List returns the registered schemas sorted by name.
func (r *DefaultRegistry) List() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.metadata))
	for _, meta := range r.metadata {
		schemas = append(schemas, meta.Schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

func (r *DefaultRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Allow 检查是否触发速率限制
func (r *DefaultRegistry) Allow(name string) error {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if !limiter.Allow() {
		return types.NewError(types.ErrRateLimited, fmt.Sprintf("tool %s rate limit exceeded", name)).WithRetryable(true)
	}
	return nil
}

// Validate checks args against the tool's parameter schema, if one was registered.
func (r *DefaultRegistry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.validators[name]
	r.mu.RUnlock()

	if len(args) > 0 && !json.Valid(args) {
		return types.NewError(types.ErrToolValidation, fmt.Sprintf("tool %s: arguments are not valid JSON", name))
	}
	if !ok {
		return nil
	}

	var doc any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &doc); err != nil {
			return types.NewError(types.ErrToolValidation, fmt.Sprintf("tool %s: invalid arguments", name)).WithCause(err)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return types.NewError(types.ErrToolValidation, fmt.Sprintf("tool %s: schema validation failed", name)).WithCause(err)
	}
	return nil
}

// ====== 实现：Invoker ======

// Invoker executes one named tool call against the registry with a timeout.
type Invoker struct {
	registry ToolRegistry
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewInvoker 创建工具调用器。
func NewInvoker(registry ToolRegistry, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		registry: registry,
		tracer:   otel.Tracer("brokerflow/tools"),
		logger:   logger.With(zap.String("component", "tool_invoker")),
	}
}

// Invoke runs the tool once. Lookup, rate-limit and validation failures are
// returned as *types.Error; a handler running past its timeout yields ErrTimeout.
func (inv *Invoker) Invoke(ctx context.Context, call types.ToolCall) (json.RawMessage, error) {
	ctx, span := inv.tracer.Start(ctx, "tool."+call.Name,
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	res, err := inv.invoke(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (inv *Invoker) invoke(ctx context.Context, call types.ToolCall) (json.RawMessage, error) {
	fn, meta, err := inv.registry.Get(call.Name)
	if err != nil {
		inv.logger.Warn("tool not found", zap.String("name", call.Name))
		return nil, err
	}

	if g, ok := inv.registry.(guard); ok {
		if err := g.Allow(call.Name); err != nil {
			inv.logger.Warn("rate limit exceeded", zap.String("name", call.Name))
			return nil, err
		}
		if err := g.Validate(call.Name, call.Arguments); err != nil {
			inv.logger.Warn("invalid tool arguments", zap.String("name", call.Name), zap.Error(err))
			return nil, err
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	// 带缓冲的 channel，超时后 goroutine 仍能退出
	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		res, err := fn(execCtx, call.Arguments)
		done <- outcome{res, err}
	}()

	timedOut := func() error {
		inv.logger.Warn("tool execution timeout",
			zap.String("name", call.Name),
			zap.Duration("timeout", meta.Timeout))
		return types.NewError(types.ErrTimeout, fmt.Sprintf("tool %s timed out after %s", call.Name, meta.Timeout)).
			WithRetryable(true)
	}

	select {
	case out := <-done:
		if out.err != nil && execCtx.Err() != nil && ctx.Err() == nil {
			return nil, timedOut()
		}
		if out.err != nil {
			inv.logger.Debug("tool execution failed",
				zap.String("name", call.Name),
				zap.Error(out.err),
				zap.Duration("duration", time.Since(start)))
			return nil, out.err
		}
		return out.res, nil

	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timedOut()
	}
}
