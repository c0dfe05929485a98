package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/brokerflow/agent/persistence"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler executes one claimed task. Tasks may be delivered more than once
// so handlers should be idempotent per task id.
type Handler func(ctx context.Context, task *persistence.Task) (json.RawMessage, error)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	Workers           int           `yaml:"workers" json:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// WorkerPrefix names the workers: <prefix>-<n>.
	WorkerPrefix string `yaml:"worker_prefix" json:"worker_prefix"`
}

// DefaultPoolConfig returns 4 workers polling every 200ms.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      4,
		PollInterval: 200 * time.Millisecond,
		WorkerPrefix: "worker",
	}
}

// WorkerPool runs concurrent consumers: claim, handle, complete or fail,
// renewing the lease while the handler runs.
type WorkerPool struct {
	queue   *Queue
	handler Handler
	cfg     PoolConfig
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	running bool
}

// NewWorkerPool creates a pool. The heartbeat defaults to a third of the
// queue lease.
func NewWorkerPool(queue *Queue, handler Handler, cfg PoolConfig, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = queue.Config().LeaseDuration / 3
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = def.WorkerPrefix
	}
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "worker_pool")),
	}
}

// Start launches the workers; they run until ctx ends or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerPrefix, i)
		g.Go(func() error {
			return p.run(gctx, workerID)
		})
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.err = err
		p.running = false
		p.mu.Unlock()
		close(p.done)
	}()

	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to finish. Tasks
// whose handlers fail because of the cancellation are handed back to the
// queue with their attempt refunded.
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("worker pool stopped")
	return p.err
}

func (p *WorkerPool) run(ctx context.Context, workerID string) error {
	log := p.logger.With(zap.String("worker_id", workerID))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		task, err := p.queue.Claim(ctx, workerID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("claim failed", zap.Error(err))
			timer.Reset(p.cfg.PollInterval)
			continue
		case task == nil:
			timer.Reset(p.cfg.PollInterval)
			continue
		}

		p.process(ctx, workerID, task, log)
		timer.Reset(0)
	}
}

func (p *WorkerPool) process(ctx context.Context, workerID string, task *persistence.Task, log *zap.Logger) {
	log = log.With(zap.String("task_id", task.ID), zap.String("type", task.Type), zap.Int("attempt", task.Attempts))
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(taskCtx, cancel, workerID, task.ID, log)
	}()

	result, herr := p.safeHandle(taskCtx, task)
	cancel()
	<-hbDone

	// 结果上报不受 worker 取消影响
	reportCtx := context.WithoutCancel(ctx)
	if herr == nil {
		if err := p.queue.Complete(reportCtx, task.ID, workerID, result); err != nil {
			log.Warn("complete rejected", zap.Error(err))
		}
		return
	}

	if ctx.Err() != nil {
		// 停机打断的任务不计入尝试次数
		if err := p.queue.Abandon(reportCtx, task.ID, workerID); err != nil {
			log.Warn("abandon rejected", zap.Error(err))
		}
		return
	}

	err := p.queue.Fail(reportCtx, task.ID, workerID, herr)
	var exhausted *QueueExhaustedError
	switch {
	case err == nil:
	case errors.As(err, &exhausted):
		log.Warn("task exhausted", zap.Error(err))
	default:
		log.Warn("fail rejected", zap.Error(err))
	}
}

func (p *WorkerPool) safeHandle(ctx context.Context, task *persistence.Task) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, task)
}

// heartbeat renews the lease until ctx ends; a lost lease cancels the handler.
func (p *WorkerPool) heartbeat(ctx context.Context, cancel context.CancelFunc, workerID, taskID string, log *zap.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Renew(ctx, taskID, workerID)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) || errors.Is(err, persistence.ErrNotFound) {
				log.Warn("lease lost, cancelling task", zap.Error(err))
				cancel()
				return
			}
			if ctx.Err() == nil {
				log.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}
}
