package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/brokerflow/llm/retry"
	"github.com/BaSui01/brokerflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ToolInvoker executes one tool call once.
type ToolInvoker interface {
	Invoke(ctx context.Context, call types.ToolCall) (json.RawMessage, error)
}

// RetryConfig configures RetryingExecutor defaults.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Parallelism int           `yaml:"parallelism" json:"parallelism"` // 同一轮内并发执行的工具调用数
}

// DefaultRetryConfig returns 3 retries at 1s/2s/4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Parallelism: 4,
	}
}

// CallOption overrides the executor defaults for one call.
type CallOption func(*callOptions)

type callOptions struct {
	policy retry.Policy
	sink   EventSink
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) { o.policy.MaxRetries = n }
}

// WithBaseDelay overrides the first backoff delay.
func WithBaseDelay(d time.Duration) CallOption {
	return func(o *callOptions) { o.policy.BaseDelay = d }
}

// WithEventSink routes progress events for this call.
func WithEventSink(sink EventSink) CallOption {
	return func(o *callOptions) { o.sink = sink }
}

// RetryingExecutor wraps a ToolInvoker with failure classification and
// exponential backoff.
type RetryingExecutor struct {
	invoker  ToolInvoker
	cfg      RetryConfig
	classify retry.Classifier
	sleep    retry.Sleeper
	logger   *zap.Logger
}

// ExecutorOption configures a RetryingExecutor.
type ExecutorOption func(*RetryingExecutor)

// WithSleeper replaces the backoff wait (tests record delays instead of sleeping).
func WithSleeper(s retry.Sleeper) ExecutorOption {
	return func(e *RetryingExecutor) { e.sleep = s }
}

// WithClassifier replaces Classify.
func WithClassifier(c retry.Classifier) ExecutorOption {
	return func(e *RetryingExecutor) { e.classify = c }
}

// NewRetryingExecutor 创建带重试的工具执行器。
func NewRetryingExecutor(invoker ToolInvoker, cfg RetryConfig, logger *zap.Logger, opts ...ExecutorOption) *RetryingExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	e := &RetryingExecutor{
		invoker:  invoker,
		cfg:      cfg,
		classify: IsRetryable,
		sleep:    retry.Sleep,
		logger:   logger.With(zap.String("component", "retrying_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetry invokes call, retrying transient failures with
// BaseDelay * 2^retry waits. Permanent failures return *PermanentToolError at
// once; a spent budget returns *RetryableToolError. The record is always
// returned, including on error.
func (e *RetryingExecutor) ExecuteWithRetry(ctx context.Context, call types.ToolCall, opts ...CallOption) (*CallRecord, error) {
	o := callOptions{policy: retry.Policy{
		MaxRetries: e.cfg.MaxRetries,
		BaseDelay:  e.cfg.BaseDelay,
		MaxDelay:   e.cfg.MaxDelay,
		Multiplier: 2,
	}}
	for _, opt := range opts {
		opt(&o)
	}

	rec := &CallRecord{Call: call, Status: CallStarting, StartedAt: time.Now()}
	o.sink.emit(Event{Type: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name, Status: CallStarting})

	r := retry.New(o.policy,
		retry.WithClassifier(e.classify),
		retry.WithSleeper(e.sleep),
		retry.WithLogger(e.logger),
		retry.WithOnRetry(func(ev retry.RetryEvent) {
			rec.Status = CallRetrying
			o.sink.emit(Event{
				Type:        EventToolCallRetry,
				ToolCallID:  call.ID,
				ToolName:    call.Name,
				Status:      CallRetrying,
				Attempt:     ev.Attempt,
				MaxRetries:  ev.MaxRetries,
				NextDelayMs: ev.Delay.Milliseconds(),
				Error:       ev.Err.Error(),
			})
		}),
	)

	result, attempts, err := retry.DoTyped(ctx, r, func(ctx context.Context, attempt int) (json.RawMessage, error) {
		rec.Status = CallInProgress
		rec.Attempts = attempt
		return e.invoker.Invoke(ctx, call)
	})
	rec.Attempts = attempts
	rec.FinishedAt = time.Now()

	if err == nil {
		rec.Status = CallComplete
		rec.Result = result
		o.sink.emit(Event{
			Type:       EventToolCallResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Status:     CallComplete,
			Attempt:    attempts,
			Result:     result,
		})
		return rec, nil
	}

	var final error
	switch {
	case errors.Is(err, retry.ErrCanceled):
		final = &RetryableToolError{Tool: call.Name, Attempts: attempts, Err: err}
	case e.classify(err):
		final = &RetryableToolError{Tool: call.Name, Attempts: attempts, Err: err}
	default:
		final = &PermanentToolError{Tool: call.Name, Attempts: attempts, Err: err}
	}

	rec.Status = CallError
	rec.Err = final
	o.sink.emit(Event{
		Type:       EventToolCallError,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Status:     CallError,
		Attempt:    attempts,
		Error:      final.Error(),
	})
	e.logger.Warn("tool call failed",
		zap.String("tool", call.Name),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return rec, final
}

// ExecuteAll runs calls concurrently and returns results in call order. Failed
// calls are reported as error-annotated results. Calls not yet started when ctx
// ends are skipped with a cancellation error.
func (e *RetryingExecutor) ExecuteAll(ctx context.Context, calls []types.ToolCall, sink EventSink) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = types.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Error:      "skipped: " + ctx.Err().Error(),
			}
			continue
		}
		g.Go(func() error {
			rec, _ := e.ExecuteWithRetry(ctx, call, WithEventSink(sink))
			results[i] = rec.ToolResult()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
