package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/llm/tools"
	"github.com/BaSui01/brokerflow/workflow"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordHTTPRequest("GET", "/v1/requests/{id}", 200, 100*time.Millisecond)
	c.RecordHTTPRequest("GET", "/v1/requests/{id}", 200, 50*time.Millisecond)
	c.RecordHTTPRequest("POST", "/v1/requests", 400, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/v1/requests/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/requests", "400")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestCollector_AttachBus(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)
	b := bus.New(nil)
	sub := c.AttachBus(b)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.TopicWorkflowTransitioned, workflow.TransitionEvent{
		From: workflow.StateCreated, To: workflow.StateAnalyzing,
	}))
	require.NoError(t, b.Publish(ctx, bus.TopicHandoffProposed, handoff.Request{ID: "h1"}))
	require.NoError(t, b.Publish(ctx, bus.TopicHandoffRejected, handoff.Request{ID: "h1"}))

	task := &persistence.Task{ID: "t1", Type: "FETCHING_CONTEXT"}
	require.NoError(t, b.Publish(ctx, bus.TopicTaskEnqueued, task))
	require.NoError(t, b.Publish(ctx, bus.TopicTaskDead, task))
	require.NoError(t, b.Publish(ctx, bus.TopicAlertTaskDead, task))

	require.NoError(t, b.Publish(ctx, bus.TopicToolProgress, tools.Event{Type: tools.EventToolCallRetry, ToolName: "quote"}))
	require.NoError(t, b.Publish(ctx, bus.TopicToolProgress, tools.Event{Type: tools.EventToolCallResult, ToolName: "quote"}))
	require.NoError(t, b.Publish(ctx, bus.TopicToolProgress, tools.Event{Type: tools.EventToken, Token: "hi"}))

	// 未知载荷忽略
	require.NoError(t, b.Publish(ctx, bus.Topic("custom"), "payload"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowTransitions.WithLabelValues("CREATED", "ANALYZING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("proposed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("FETCHING_CONTEXT", "enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues("FETCHING_CONTEXT", "dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskDeadAlerts.WithLabelValues("FETCHING_CONTEXT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolRetriesTotal.WithLabelValues("quote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("quote", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.toolCallsTotal))

	sub.Unsubscribe()
	require.NoError(t, b.Publish(ctx, bus.TopicHandoffProposed, handoff.Request{ID: "h2"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("proposed")))
}

func TestCollector_ObserveDBStats(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)
	c.ObserveDBStats(sql.DBStats{OpenConnections: 4, InUse: 1, Idle: 3, WaitCount: 7})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnections.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dbConnections.WithLabelValues("in_use")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dbConnections.WithLabelValues("idle")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.dbWaitCount))
}

type fakeStats struct {
	calls atomic.Int64
	err   error
}

func (f *fakeStats) Stats(context.Context) (*persistence.TaskStoreStats, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &persistence.TaskStoreStats{
		TotalTasks: 3,
		ByStatus: map[persistence.TaskStatus]int64{
			persistence.TaskStatusQueued: 2,
			persistence.TaskStatusDead:   1,
		},
	}, nil
}

func TestCollector_WatchQueue(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)
	src := &fakeStats{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.WatchQueue(ctx, src, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 2.0, testutil.ToFloat64(c.queueTasks.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueTasks.WithLabelValues("dead")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.queueTasks.WithLabelValues("running")))
}

func TestCollector_WatchQueueError(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)
	src := &fakeStats{err: errors.New("redis down")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.WatchQueue(ctx, src, time.Hour)
	assert.Equal(t, int64(1), src.calls.Load())
	assert.Equal(t, 0, testutil.CollectAndCount(c.queueTasks))
}
