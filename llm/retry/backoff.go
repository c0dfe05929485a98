package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxRetries int           // 最大重试次数（0 表示不重试）
	BaseDelay  time.Duration // 首次重试前的等待时间
	MaxDelay   time.Duration // 单次等待上限（0 表示不限制）
	Multiplier float64       // 指数退避倍数
	Jitter     bool          // 是否添加 ±25% 随机抖动
}

// DefaultPolicy 返回工具调用的默认重试策略：3 次重试，1s/2s/4s。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the wait before retry number retry (0-based):
// BaseDelay * Multiplier^retry, capped at MaxDelay.
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 0 {
		retry = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	return time.Duration(delay)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// RetryEvent describes a scheduled retry.
type RetryEvent struct {
	Attempt    int // 1-based number of the retry about to happen
	MaxRetries int
	Delay      time.Duration
	Err        error
}

// Retryer runs a function under a Policy as an iterative loop.
type Retryer struct {
	policy   Policy
	classify Classifier
	sleep    Sleeper
	onRetry  func(RetryEvent)
	logger   *zap.Logger
}

// Option configures a Retryer.
type Option func(*Retryer)

// WithClassifier sets the retryable-error classifier. The default retries every error.
func WithClassifier(c Classifier) Option { return func(r *Retryer) { r.classify = c } }

// WithSleeper replaces the wait implementation (tests inject a recording sleeper).
func WithSleeper(s Sleeper) Option { return func(r *Retryer) { r.sleep = s } }

// WithOnRetry registers a callback fired before each wait.
func WithOnRetry(fn func(RetryEvent)) Option { return func(r *Retryer) { r.onRetry = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Retryer) { r.logger = l } }

// New creates a Retryer.
func New(policy Policy, opts ...Option) *Retryer {
	r := &Retryer{
		policy:   policy.normalized(),
		classify: func(error) bool { return true },
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Policy returns the effective policy.
func (r *Retryer) Policy() Policy { return r.policy }

// ErrCanceled wraps the context error when a wait is interrupted.
var ErrCanceled = errors.New("retry canceled")

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. attempt passed to fn is 1-based. The returned count is the
// number of calls made; the returned error is the last error from fn, or an
// ErrCanceled wrap when ctx ends during a wait.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, fmt.Errorf("%w: %v (last error: %w)", ErrCanceled, err, lastErr)
			}
			return attempt, fmt.Errorf("%w: %w", ErrCanceled, err)
		}

		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}
		if !r.classify(lastErr) {
			r.logger.Debug("error not retryable", zap.Int("attempt", attempt), zap.Error(lastErr))
			return attempt, lastErr
		}
		retry := attempt - 1
		if retry >= r.policy.MaxRetries {
			r.logger.Warn("retries exhausted",
				zap.Int("attempts", attempt),
				zap.Error(lastErr),
			)
			return attempt, lastErr
		}

		delay := r.policy.Delay(retry)
		if r.onRetry != nil {
			r.onRetry(RetryEvent{Attempt: attempt, MaxRetries: r.policy.MaxRetries, Delay: delay, Err: lastErr})
		}
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%w: %v (last error: %w)", ErrCanceled, err, lastErr)
		}
	}
}
