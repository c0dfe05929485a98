package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/brokerflow/agent"
	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/agent/taskqueue"
	"github.com/BaSui01/brokerflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	orch     *Orchestrator
	machine  *workflow.StateMachine
	handoffs *handoff.HandoffManager
	queue    *taskqueue.Queue
	agents   *agent.Registry
	bus      *bus.Bus
}

func newHarness(t *testing.T, agents []agent.Agent, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessOn(t, workflow.NewMemoryStore(), persistence.NewMemoryTaskStore(persistence.DefaultStoreConfig()), agents, mutate)
}

// newHarnessOn builds a fresh process (bus, registry, handoffs) over
// existing stores, as after a restart.
func newHarnessOn(t *testing.T, store workflow.Store, tasks persistence.TaskStore, agents []agent.Agent, mutate func(*Config)) *harness {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)

	reg := agent.NewRegistry(nil)
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	machine := workflow.NewStateMachine(store, b, nil)
	handoffs := handoff.NewHandoffManager(reg, b, handoff.Config{Timeout: time.Minute, SweepInterval: 10 * time.Millisecond}, nil)
	queue := taskqueue.New(
		tasks, b,
		taskqueue.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		nil,
	)

	cfg := DefaultConfig()
	cfg.Pool = taskqueue.PoolConfig{Workers: 2, PollInterval: 2 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(Deps{
		Machine:  machine,
		Bus:      b,
		Agents:   reg,
		Handoffs: handoffs,
		Queue:    queue,
	}, cfg, zap.NewNop())
	require.NoError(t, err)

	return &harness{orch: orch, machine: machine, handoffs: handoffs, queue: queue, agents: reg, bus: b}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Start(context.Background()))
	t.Cleanup(func() { _ = h.orch.Stop() })
}

func (h *harness) waitState(t *testing.T, id string, want workflow.State) *workflow.Instance {
	t.Helper()
	var inst *workflow.Instance
	require.Eventually(t, func() bool {
		got, err := h.machine.Get(context.Background(), id)
		if err != nil {
			return false
		}
		inst = got
		return got.CurrentState == want
	}, 5*time.Second, 5*time.Millisecond)
	return inst
}

func historyStates(inst *workflow.Instance) []workflow.State {
	out := make([]workflow.State, 0, len(inst.History))
	for _, tr := range inst.History {
		out = append(out, tr.To)
	}
	return out
}

func reply(body string) agent.ExecuteFunc {
	return func(context.Context, *persistence.Task) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

// pipelineAgents registers every default pipeline agent with a fixed reply;
// overrides replace individual agents.
func pipelineAgents(overrides ...agent.Agent) []agent.Agent {
	byID := map[string]agent.Agent{}
	for _, id := range []string{"analyst", "context_fetcher", "searcher", "response_collector", "writer", "courier"} {
		byID[id] = agent.NewFuncAgent(id, reply(`{"ok":true}`))
	}
	for _, a := range overrides {
		byID[a.ID()] = a
	}
	out := make([]agent.Agent, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	return out
}

func TestOrchestrator_RunsPipelineToCompletion(t *testing.T) {
	var mu sync.Mutex
	var analystInputs []StepPayload
	var writerPrev json.RawMessage
	analyzeResponsesRuns := 0

	analyst := agent.NewFuncAgent("analyst", func(_ context.Context, task *persistence.Task) (json.RawMessage, error) {
		var p StepPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		analystInputs = append(analystInputs, p)
		switch task.Type {
		case "analyze_request":
			return json.RawMessage(`{"next_state":"FETCHING_CONTEXT","route":"marine"}`), nil
		default:
			analyzeResponsesRuns++
			if analyzeResponsesRuns == 1 {
				// 报价不足，继续等待承运人回复
				return json.RawMessage(`{"next_state":"AWAITING_RESPONSES"}`), nil
			}
			return json.RawMessage(`{"best_quote":"carrier-7"}`), nil
		}
	})
	writer := agent.NewFuncAgent("writer", func(_ context.Context, task *persistence.Task) (json.RawMessage, error) {
		var p StepPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		writerPrev = p.Previous
		mu.Unlock()
		return json.RawMessage(`{"document":"quote.pdf"}`), nil
	})

	h := newHarness(t, pipelineAgents(analyst, writer), nil)
	h.start(t)

	inst, err := h.orch.StartRequest(context.Background(), "REQ-1001", json.RawMessage(`{"client":"acme","cargo":"steel"}`))
	require.NoError(t, err)
	assert.Equal(t, "REQ-1001", inst.BusinessRequestID)

	done := h.waitState(t, inst.ID, workflow.StateCompleted)
	assert.Equal(t, []workflow.State{
		workflow.StateCreated,
		workflow.StateAnalyzing,
		workflow.StateFetchingContext,
		workflow.StateSearching,
		workflow.StateAwaitingResponses,
		workflow.StateAnalyzingResponses,
		workflow.StateAwaitingResponses,
		workflow.StateAnalyzingResponses,
		workflow.StateGeneratingOutput,
		workflow.StateDelivering,
		workflow.StateCompleted,
	}, historyStates(done))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, analystInputs)
	assert.JSONEq(t, `{"client":"acme","cargo":"steel"}`, string(analystInputs[0].Input))
	assert.Equal(t, workflow.StateAnalyzing, analystInputs[0].State)
	assert.JSONEq(t, `{"best_quote":"carrier-7"}`, string(writerPrev))

	last := done.History[len(done.History)-1]
	assert.Equal(t, "agent:courier", last.TriggeredBy)
	assert.NotEmpty(t, last.Metadata["task_id"])

	for _, req := range h.handoffs.List() {
		assert.Equal(t, handoff.StateAccepted, req.State)
	}
	task, err := h.queue.Get(context.Background(), last.Metadata["task_id"])
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusSucceeded, task.Status)
	assert.Equal(t, taskqueue.PriorityCritical, task.Priority)

	// 终态后释放所有步骤的所有权
	assert.Eventually(t, func() bool {
		_, owned := h.handoffs.Owner(handoff.TaskRef{ID: task.ID})
		return !owned
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_RejectedHandoffFailsInstance(t *testing.T) {
	searcher := agent.NewFuncAgent("searcher", reply(`{}`)).
		WithReview(func(context.Context, string, string) (bool, string) {
			return false, "carrier API offline"
		})
	h := newHarness(t, pipelineAgents(searcher), nil)
	h.start(t)

	inst, err := h.orch.StartRequest(context.Background(), "REQ-2", nil)
	require.NoError(t, err)

	failed := h.waitState(t, inst.ID, workflow.StateFailed)
	last := failed.History[len(failed.History)-1]
	assert.Equal(t, workflow.StateSearching, last.From)
	assert.Contains(t, last.Metadata["error"], "carrier API offline")
	assert.NotEmpty(t, last.Metadata["handoff_id"])
}

func TestOrchestrator_DeadTaskFailsInstance(t *testing.T) {
	var calls int
	var mu sync.Mutex
	searcher := agent.NewFuncAgent("searcher", func(context.Context, *persistence.Task) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("carrier timeout")
	})
	h := newHarness(t, pipelineAgents(searcher), nil)
	h.start(t)

	inst, err := h.orch.StartRequest(context.Background(), "REQ-3", nil)
	require.NoError(t, err)

	failed := h.waitState(t, inst.ID, workflow.StateFailed)
	last := failed.History[len(failed.History)-1]
	assert.Equal(t, workflow.StateSearching, last.From)
	assert.Contains(t, last.Metadata["error"], "carrier timeout")

	task, err := h.queue.Get(context.Background(), last.Metadata["task_id"])
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusDead, task.Status)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestOrchestrator_PermanentErrorFailsImmediately(t *testing.T) {
	analyst := agent.NewFuncAgent("analyst", func(context.Context, *persistence.Task) (json.RawMessage, error) {
		return nil, taskqueue.Permanent(errors.New("request has no cargo"))
	})
	h := newHarness(t, pipelineAgents(analyst), nil)
	h.start(t)

	inst, err := h.orch.StartRequest(context.Background(), "REQ-4", nil)
	require.NoError(t, err)

	failed := h.waitState(t, inst.ID, workflow.StateFailed)
	assert.Contains(t, failed.History[len(failed.History)-1].Metadata["error"], "request has no cargo")
}

func TestOrchestrator_InvalidDirectiveFailsInstance(t *testing.T) {
	analyst := agent.NewFuncAgent("analyst", reply(`{"next_state":"DELIVERING"}`))
	h := newHarness(t, pipelineAgents(analyst), nil)
	h.start(t)

	inst, err := h.orch.StartRequest(context.Background(), "REQ-5", nil)
	require.NoError(t, err)

	failed := h.waitState(t, inst.ID, workflow.StateFailed)
	last := failed.History[len(failed.History)-1]
	assert.Equal(t, workflow.StateAnalyzing, last.From)
	assert.Contains(t, last.Metadata["error"], "invalid step result")
}

func TestOrchestrator_UnknownStepAgentFailsInstance(t *testing.T) {
	h := newHarness(t, pipelineAgents(), nil)
	require.NoError(t, h.agents.Unregister("analyst"))
	h.start(t)

	inst, err := h.orch.StartRequest(context.Background(), "REQ-6", nil)
	require.NoError(t, err)

	failed := h.waitState(t, inst.ID, workflow.StateFailed)
	last := failed.History[len(failed.History)-1]
	assert.Equal(t, workflow.StateAnalyzing, last.From)
	assert.Contains(t, last.Metadata["error"], "unknown agent: analyst")
}

func TestOrchestrator_CancelWithdrawsOpenHandoffs(t *testing.T) {
	h := newHarness(t, pipelineAgents(), func(cfg *Config) { cfg.AutoReview = false })
	h.start(t)
	ctx := context.Background()

	inst, err := h.orch.StartRequest(ctx, "REQ-7", nil)
	require.NoError(t, err)
	require.Len(t, h.handoffs.List(handoff.StateProposed), 1)

	cancelled, err := h.orch.Cancel(ctx, inst.ID, "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, cancelled.CurrentState)
	assert.Equal(t, "client withdrew", cancelled.History[len(cancelled.History)-1].Metadata["reason"])

	assert.Empty(t, h.handoffs.List(handoff.StateProposed))
	rejected := h.handoffs.List(handoff.StateRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, inst.ID, rejected[0].Task.InstanceID)

	got, err := h.orch.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, got.CurrentState)

	_, err = h.orch.Cancel(ctx, inst.ID, "again")
	var invalid *workflow.InvalidTransitionError
	assert.True(t, errors.As(err, &invalid))
}

func TestOrchestrator_ManualAcceptRunsStep(t *testing.T) {
	h := newHarness(t, pipelineAgents(), func(cfg *Config) { cfg.AutoReview = false })
	h.start(t)
	ctx := context.Background()

	inst, err := h.orch.StartRequest(ctx, "REQ-8", nil)
	require.NoError(t, err)

	open := h.handoffs.List(handoff.StateProposed)
	require.Len(t, open, 1)
	assert.Equal(t, "analyst", open[0].ToAgentID)
	_, err = h.handoffs.Accept(ctx, open[0].ID, "analyst")
	require.NoError(t, err)

	h.waitState(t, inst.ID, workflow.StateSearching)
	owner, ok := h.handoffs.Owner(handoff.TaskRef{ID: open[0].Task.ID})
	require.True(t, ok)
	assert.Equal(t, "analyst", owner)
}

func TestOrchestrator_ResumeAdvancesStoredInstances(t *testing.T) {
	h := newHarness(t, pipelineAgents(), nil)
	ctx := context.Background()

	// 启动前已存在的实例
	created, err := h.machine.Create(ctx, "REQ-9", "import")
	require.NoError(t, err)
	searching, err := h.machine.Create(ctx, "REQ-10", "import")
	require.NoError(t, err)
	_, err = h.machine.Transition(ctx, searching.ID, workflow.StateAnalyzing, "import", nil)
	require.NoError(t, err)
	_, err = h.machine.Transition(ctx, searching.ID, workflow.StateSearching, "import", nil)
	require.NoError(t, err)

	h.start(t)

	h.waitState(t, created.ID, workflow.StateCompleted)
	h.waitState(t, searching.ID, workflow.StateCompleted)

	n, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrchestrator_RestartRestoresStepOwnership(t *testing.T) {
	store := workflow.NewMemoryStore()
	tasks := persistence.NewMemoryTaskStore(persistence.DefaultStoreConfig())
	ctx := context.Background()

	// 重启前：实例停在 ANALYZING，步骤任务已入队但未执行
	before := newHarnessOn(t, store, tasks, pipelineAgents(), nil)
	inst, err := before.machine.Create(ctx, "REQ-20", "api")
	require.NoError(t, err)
	inst, err = before.machine.Transition(ctx, inst.ID, workflow.StateAnalyzing, "api", nil)
	require.NoError(t, err)
	raw, err := json.Marshal(StepPayload{
		InstanceID:        inst.ID,
		BusinessRequestID: inst.BusinessRequestID,
		State:             inst.CurrentState,
		Version:           inst.Version,
		AgentID:           "analyst",
	})
	require.NoError(t, err)
	_, err = before.queue.Enqueue(ctx, &persistence.Task{ID: taskID(inst), Type: "analyze_request", Payload: raw}, taskqueue.PriorityHigh)
	require.NoError(t, err)

	after := newHarnessOn(t, store, tasks, pipelineAgents(), nil)
	after.start(t)

	done := after.waitState(t, inst.ID, workflow.StateCompleted)
	assert.Equal(t, []workflow.State{
		workflow.StateCreated,
		workflow.StateAnalyzing,
		workflow.StateSearching,
		workflow.StateAwaitingResponses,
		workflow.StateAnalyzingResponses,
		workflow.StateGeneratingOutput,
		workflow.StateDelivering,
		workflow.StateCompleted,
	}, historyStates(done))

	step, err := after.queue.Get(ctx, taskID(inst))
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusSucceeded, step.Status)
	assert.Equal(t, 1, step.Attempts)
}

func TestOrchestrator_StaleTaskIsSkipped(t *testing.T) {
	h := newHarness(t, pipelineAgents(), func(cfg *Config) { cfg.AutoReview = false })
	ctx := context.Background()

	inst, err := h.machine.Create(ctx, "REQ-11", "import")
	require.NoError(t, err)
	inst, err = h.machine.Transition(ctx, inst.ID, workflow.StateAnalyzing, "import", nil)
	require.NoError(t, err)

	raw, err := json.Marshal(StepPayload{InstanceID: inst.ID, State: workflow.StateSearching, Version: 7, AgentID: "searcher"})
	require.NoError(t, err)
	out, err := h.orch.execute(ctx, &persistence.Task{ID: "stale", Type: "search_carriers", Payload: raw})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = h.orch.execute(ctx, &persistence.Task{ID: "junk", Type: "x", Payload: json.RawMessage(`{}`)})
	assert.True(t, taskqueue.IsPermanent(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), nil)
	assert.Error(t, err)

	h := newHarness(t, pipelineAgents(), nil)
	assert.True(t, h.agents.Has("orchestrator"))

	bad := DefaultQuotePipeline()
	bad.Default[workflow.StateSearching] = workflow.StateCompleted
	_, err = New(Deps{
		Machine:  h.machine,
		Bus:      h.bus,
		Agents:   h.agents,
		Handoffs: h.handoffs,
		Queue:    h.queue,
		Pipeline: bad,
	}, DefaultConfig(), nil)
	assert.Error(t, err)
}

// 只用队列、工作池和状态机完成一个步骤，不经过编排器。
func TestQueueDrivenStepAdvancesInstance(t *testing.T) {
	ctx := context.Background()
	b := bus.New(nil)
	t.Cleanup(b.Close)

	machine := workflow.NewStateMachine(workflow.NewMemoryStore(), b, nil)
	queue := taskqueue.New(persistence.NewMemoryTaskStore(persistence.DefaultStoreConfig()), b, taskqueue.DefaultConfig(), nil)

	inst, err := machine.Create(ctx, "RFQ-100", "test")
	require.NoError(t, err)
	require.Equal(t, workflow.StateCreated, inst.CurrentState)
	_, err = machine.Transition(ctx, inst.ID, workflow.StateAnalyzing, "test", nil)
	require.NoError(t, err)

	sub := b.Subscribe(bus.TopicTaskCompleted, func(ctx context.Context, e bus.Event) error {
		_, err := machine.Transition(ctx, e.Metadata["instance_id"], workflow.StateSearching, "worker", map[string]string{"task_id": e.Metadata["task_id"]})
		return err
	})
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(map[string]string{"instance_id": inst.ID, "state": string(workflow.StateFetchingContext)})
	task, err := queue.Enqueue(ctx, &persistence.Task{Type: "fetch_context", Payload: payload}, taskqueue.PriorityHigh)
	require.NoError(t, err)

	var executed sync.Map
	pool := taskqueue.NewWorkerPool(queue, func(_ context.Context, task *persistence.Task) (json.RawMessage, error) {
		executed.Store(task.ID, true)
		return json.RawMessage(`{"documents":2}`), nil
	}, taskqueue.PoolConfig{Workers: 1, PollInterval: 2 * time.Millisecond}, nil)
	require.NoError(t, pool.Start(ctx))
	defer func() { _ = pool.Stop() }()

	final := func() *workflow.Instance {
		var got *workflow.Instance
		require.Eventually(t, func() bool {
			cur, getErr := machine.Get(ctx, inst.ID)
			if getErr != nil {
				return false
			}
			got = cur
			return cur.CurrentState == workflow.StateSearching
		}, 5*time.Second, 5*time.Millisecond)
		return got
	}()

	_, ran := executed.Load(task.ID)
	assert.True(t, ran)
	assert.Equal(t, []workflow.State{workflow.StateCreated, workflow.StateAnalyzing, workflow.StateSearching}, historyStates(final))

	stored, err := queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusSucceeded, stored.Status)
}
