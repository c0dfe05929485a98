// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/llm/tools"
	"github.com/BaSui01/brokerflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 工作流 / 交接 / 任务
	workflowTransitions *prometheus.CounterVec
	handoffsTotal       *prometheus.CounterVec
	tasksTotal          *prometheus.CounterVec
	taskDeadAlerts      *prometheus.CounterVec
	queueTasks          *prometheus.GaugeVec

	// 工具调用
	toolCallsTotal   *prometheus.CounterVec
	toolRetriesTotal *prometheus.CounterVec

	// 数据库连接池
	dbConnections *prometheus.GaugeVec
	dbWaitCount   prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器；同一 namespace 在默认 Registry 中只能注册一次
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.workflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Committed workflow state transitions",
		},
		[]string{"from", "to"},
	)

	c.handoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Handoff lifecycle events by outcome",
		},
		[]string{"outcome"}, // proposed, accepted, rejected, timed_out
	)

	c.tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task queue lifecycle events",
		},
		[]string{"type", "event"}, // event: enqueued, completed, failed, dead
	)

	c.taskDeadAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dead_alerts_total",
			Help:      "Tasks moved to the dead-letter state",
		},
		[]string{"type"},
	)

	c.queueTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_tasks",
			Help:      "Tasks currently stored, by status",
		},
		[]string{"status"},
	)

	c.toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Finished tool calls",
		},
		[]string{"tool", "status"},
	)

	c.toolRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_retries_total",
			Help:      "Tool call retries scheduled",
		},
		[]string{"tool"},
	)

	c.dbConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections",
			Help:      "Database pool connections by state",
		},
		[]string{"state"}, // open, in_use, idle
	)

	c.dbWaitCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_wait_count",
			Help:      "Total connections waited for",
		},
	)

	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) RecordTransition(from, to workflow.State) {
	c.workflowTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) RecordHandoff(outcome string) {
	c.handoffsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTask(taskType, event string) {
	c.tasksTotal.WithLabelValues(taskType, event).Inc()
}

func (c *Collector) RecordToolCall(tool, status string) {
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveDBStats 实现 database.StatsReporter
func (c *Collector) ObserveDBStats(stats sql.DBStats) {
	c.dbConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	c.dbConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	c.dbConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	c.dbWaitCount.Set(float64(stats.WaitCount))
}

// ObserveQueueStats 刷新各状态任务数
func (c *Collector) ObserveQueueStats(stats *persistence.TaskStoreStats) {
	if stats == nil {
		return
	}
	for _, status := range []persistence.TaskStatus{
		persistence.TaskStatusQueued,
		persistence.TaskStatusRunning,
		persistence.TaskStatusSucceeded,
		persistence.TaskStatusFailed,
		persistence.TaskStatusDead,
	} {
		c.queueTasks.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
}

// =============================================================================
// 🔌 总线接入
// =============================================================================

// AttachBus 订阅全部主题并按事件类型计数；返回的订阅用于解除
func (c *Collector) AttachBus(b *bus.Bus) *bus.Subscription {
	return b.Subscribe(bus.TopicAll, func(_ context.Context, e bus.Event) error {
		c.observe(e)
		return nil
	})
}

func (c *Collector) observe(e bus.Event) {
	switch p := e.Payload.(type) {
	case workflow.TransitionEvent:
		c.RecordTransition(p.From, p.To)
	case handoff.Request:
		c.RecordHandoff(handoffOutcome(e.Topic))
	case *persistence.Task:
		event := taskEvent(e.Topic)
		if event == "" {
			return
		}
		if e.Topic == bus.TopicAlertTaskDead {
			c.taskDeadAlerts.WithLabelValues(p.Type).Inc()
			return
		}
		c.RecordTask(p.Type, event)
	case tools.Event:
		switch p.Type {
		case tools.EventToolCallResult:
			c.RecordToolCall(p.ToolName, "success")
		case tools.EventToolCallError:
			c.RecordToolCall(p.ToolName, "error")
		case tools.EventToolCallRetry:
			c.toolRetriesTotal.WithLabelValues(p.ToolName).Inc()
		}
	}
}

func handoffOutcome(topic bus.Topic) string {
	switch topic {
	case bus.TopicHandoffProposed:
		return "proposed"
	case bus.TopicHandoffAccepted:
		return "accepted"
	case bus.TopicHandoffRejected:
		return "rejected"
	case bus.TopicHandoffTimedOut:
		return "timed_out"
	default:
		return string(topic)
	}
}

func taskEvent(topic bus.Topic) string {
	switch topic {
	case bus.TopicTaskEnqueued:
		return "enqueued"
	case bus.TopicTaskCompleted:
		return "completed"
	case bus.TopicTaskFailed:
		return "failed"
	case bus.TopicTaskDead, bus.TopicAlertTaskDead:
		return "dead"
	default:
		return ""
	}
}

// =============================================================================
// ⏱️ 队列轮询
// =============================================================================

// StatsSource 提供队列统计，taskqueue.Queue 实现了它
type StatsSource interface {
	Stats(ctx context.Context) (*persistence.TaskStoreStats, error)
}

// WatchQueue 按 interval 刷新队列深度，直到 ctx 取消
func (c *Collector) WatchQueue(ctx context.Context, src StatsSource, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := src.Stats(ctx)
		if err != nil {
			c.logger.Warn("queue stats unavailable", zap.Error(err))
		} else {
			c.ObserveQueueStats(stats)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
