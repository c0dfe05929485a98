package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/brokerflow/agent"
	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/agent/taskqueue"
	"github.com/BaSui01/brokerflow/llm/retry"
	"github.com/BaSui01/brokerflow/types"
	"github.com/BaSui01/brokerflow/workflow"
	"go.uber.org/zap"
)

// Config configures the orchestrator.
type Config struct {
	// DelegatorID is the agent that owns new tasks and proposes handoffs.
	DelegatorID string `yaml:"delegator_id" json:"delegator_id"`
	// AutoReview lets recipients decide on handoffs synchronously. When false
	// proposals wait for an external Accept/Reject or time out.
	AutoReview bool `yaml:"auto_review" json:"auto_review"`
	// TransitionRetries bounds re-attempts after a concurrent modification.
	TransitionRetries int                  `yaml:"transition_retries" json:"transition_retries"`
	Pool              taskqueue.PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DelegatorID:       "orchestrator",
		AutoReview:        true,
		TransitionRetries: 3,
		Pool:              taskqueue.DefaultPoolConfig(),
	}
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Machine  *workflow.StateMachine
	Bus      *bus.Bus
	Agents   *agent.Registry
	Handoffs *handoff.HandoffManager
	Queue    *taskqueue.Queue
	Pipeline QuotePipeline
}

// StepPayload is the queue payload of a pipeline step.
type StepPayload struct {
	InstanceID        string          `json:"instance_id"`
	BusinessRequestID string          `json:"business_request_id"`
	State             workflow.State  `json:"state"`
	Version           int64           `json:"version"`
	AgentID           string          `json:"agent_id"`
	Input             json.RawMessage `json:"input,omitempty"`
	Previous          json.RawMessage `json:"previous,omitempty"`
}

type pendingStep struct {
	step    Step
	payload StepPayload
}

// Orchestrator drives quote-request instances through the pipeline: each
// state's step is delegated by handoff, executed on the task queue, and its
// result advances the state machine.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	pool    *taskqueue.WorkerPool
	retryer *retry.Retryer
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingStep // handoff task id -> step
	subs    []*bus.Subscription
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New wires an orchestrator. The delegator agent is registered when missing.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Machine == nil || deps.Bus == nil || deps.Agents == nil || deps.Handoffs == nil || deps.Queue == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if deps.Pipeline.Steps == nil {
		deps.Pipeline = DefaultQuotePipeline()
	}
	if err := deps.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if cfg.DelegatorID == "" {
		cfg.DelegatorID = DefaultConfig().DelegatorID
	}
	if cfg.TransitionRetries < 0 {
		cfg.TransitionRetries = 0
	}
	if !deps.Agents.Has(cfg.DelegatorID) {
		if err := deps.Agents.Register(agent.NewFuncAgent(cfg.DelegatorID, nil, "delegate")); err != nil {
			return nil, fmt.Errorf("register delegator: %w", err)
		}
	}

	o := &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "orchestrator")),
		pending: make(map[string]pendingStep),
		runCtx:  context.Background(),
	}
	o.retryer = retry.New(
		retry.Policy{MaxRetries: cfg.TransitionRetries, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2},
		retry.WithClassifier(isConflict),
		retry.WithLogger(o.logger),
	)
	o.pool = taskqueue.NewWorkerPool(deps.Queue, o.execute, cfg.Pool, logger)
	return o, nil
}

// Start subscribes to the bus, starts the worker pool and the handoff
// watchdog, and resumes in-flight instances.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.runCtx, o.cancel = runCtx, cancel
	o.subs = []*bus.Subscription{
		o.deps.Bus.Subscribe(bus.TopicWorkflowTransitioned, o.onTransitioned),
		o.deps.Bus.Subscribe(bus.TopicHandoffAccepted, o.onHandoffAccepted),
		o.deps.Bus.Subscribe(bus.TopicHandoffRejected, o.onHandoffClosed),
		o.deps.Bus.Subscribe(bus.TopicHandoffTimedOut, o.onHandoffClosed),
		o.deps.Bus.Subscribe(bus.TopicTaskCompleted, o.onTaskCompleted),
		o.deps.Bus.Subscribe(bus.TopicTaskDead, o.onTaskDead),
	}
	o.mu.Unlock()

	o.deps.Handoffs.Start(runCtx)
	// 先恢复所有权，再让 worker 认领任务
	n, err := o.Resume(runCtx)
	if err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}
	if err := o.pool.Start(runCtx); err != nil {
		return err
	}
	o.logger.Info("orchestrator started", zap.Int("resumed", n))
	return nil
}

// Stop unsubscribes and stops the workers and the watchdog.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	subs, cancel := o.subs, o.cancel
	o.subs = nil
	o.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	err := o.pool.Stop()
	o.deps.Handoffs.Stop()
	if cancel != nil {
		cancel()
	}
	return err
}

// StartRequest creates an instance for a business request and moves it to
// ANALYZING; input travels with the instance history.
func (o *Orchestrator) StartRequest(ctx context.Context, businessRequestID string, input json.RawMessage) (*workflow.Instance, error) {
	inst, err := o.deps.Machine.Create(ctx, businessRequestID, "api")
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if len(input) > 0 {
		meta["input"] = string(input)
	}
	return o.advance(ctx, inst.ID, workflow.StateAnalyzing, "orchestrator", meta)
}

// Get returns an instance with its history.
func (o *Orchestrator) Get(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	return o.deps.Machine.Get(ctx, instanceID)
}

// List returns instances matching filter.
func (o *Orchestrator) List(ctx context.Context, filter workflow.Filter) ([]*workflow.Instance, error) {
	return o.deps.Machine.List(ctx, filter)
}

// Cancel moves an instance to CANCELLED and withdraws its open handoffs.
// Queued work for the instance is skipped when claimed.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID, reason string) (*workflow.Instance, error) {
	meta := map[string]string{}
	if reason != "" {
		meta["reason"] = reason
	}
	inst, err := o.advance(ctx, instanceID, workflow.StateCancelled, "api", meta)
	if err != nil {
		return nil, err
	}
	for _, req := range o.deps.Handoffs.List(handoff.StateProposed) {
		if req.Task.InstanceID == instanceID {
			if _, err := o.deps.Handoffs.Reject(ctx, req.ID, "workflow cancelled"); err != nil {
				o.logger.Debug("withdraw handoff failed", zap.String("handoff_id", req.ID), zap.Error(err))
			}
		}
	}
	return inst, nil
}

// Resume restarts every non-terminal instance whose current step has no
// live task. Queued or running step tasks survive a restart in the task
// store while handoff ownership does not, so their owner is re-established
// from the step payload. It returns the number of instances acted on.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	active, err := o.deps.Machine.List(ctx, workflow.Active())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range active {
		if _, ok := o.deps.Pipeline.Steps[inst.CurrentState]; !ok {
			o.launch(ctx, inst)
			n++
			continue
		}
		task, err := o.deps.Queue.Get(ctx, taskID(inst))
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			o.launch(ctx, inst)
			n++
		case err != nil:
			return n, err
		case task.Status == persistence.TaskStatusSucceeded:
			o.completeStep(ctx, task)
			n++
		case task.Status == persistence.TaskStatusDead:
			o.failStep(ctx, task, task.LastError)
			n++
		default:
			if o.restoreOwner(inst, task) {
				n++
			}
		}
	}
	return n, nil
}

// restoreOwner hands an accepted step task back to its agent.
func (o *Orchestrator) restoreOwner(inst *workflow.Instance, task *persistence.Task) bool {
	p, ok := decodePayload(task)
	if !ok {
		return false
	}
	ref := handoff.TaskRef{ID: task.ID, Type: task.Type, InstanceID: inst.ID}
	if _, ok := o.deps.Handoffs.Owner(ref); ok {
		return false
	}
	if err := o.deps.Handoffs.Claim(ref, p.AgentID); err != nil {
		o.logger.Warn("restore step owner failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", p.AgentID),
			zap.Error(err))
		return false
	}
	o.logger.Info("step owner restored",
		zap.String("instance_id", inst.ID),
		zap.String("task_id", task.ID),
		zap.String("agent_id", p.AgentID))
	return true
}

// launch starts the step for inst's current state.
func (o *Orchestrator) launch(ctx context.Context, inst *workflow.Instance) {
	if inst.CurrentState.IsTerminal() {
		return
	}
	step, ok := o.deps.Pipeline.Steps[inst.CurrentState]
	if !ok {
		next, ok := o.deps.Pipeline.Default[inst.CurrentState]
		if !ok {
			o.fail(ctx, inst.ID, fmt.Sprintf("no step for state %s", inst.CurrentState), nil)
			return
		}
		if _, err := o.advance(ctx, inst.ID, next, "orchestrator", nil); err != nil {
			o.logger.Warn("auto advance failed", zap.String("instance_id", inst.ID), zap.Error(err))
		}
		return
	}

	payload := StepPayload{
		InstanceID:        inst.ID,
		BusinessRequestID: inst.BusinessRequestID,
		State:             inst.CurrentState,
		Version:           inst.Version,
		AgentID:           step.AgentID,
		Input:             historyValue(inst, "input", true),
		Previous:          historyValue(inst, "result", false),
	}
	ref := handoff.TaskRef{ID: taskID(inst), Type: step.TaskType, InstanceID: inst.ID}

	o.mu.Lock()
	o.pending[ref.ID] = pendingStep{step: step, payload: payload}
	o.mu.Unlock()

	req, err := o.deps.Handoffs.Propose(ctx, o.cfg.DelegatorID, step.AgentID, ref)
	switch {
	case errors.Is(err, handoff.ErrPending):
		// 已有未决的交接，等待其结果
		return
	case errors.Is(err, handoff.ErrNotOwner):
		if owner, _ := o.deps.Handoffs.Owner(ref); owner == step.AgentID {
			if ps, ok := o.forget(ref.ID); ok {
				o.enqueue(ctx, ref.ID, ps)
			}
			return
		}
	}
	if err != nil {
		o.forget(ref.ID)
		o.fail(ctx, inst.ID, fmt.Sprintf("handoff to %s failed: %v", step.AgentID, err), nil)
		return
	}
	o.logger.Debug("step delegated",
		zap.String("instance_id", inst.ID),
		zap.String("state", string(inst.CurrentState)),
		zap.String("agent_id", step.AgentID),
		zap.String("handoff_id", req.ID))

	if o.cfg.AutoReview {
		if _, err := o.deps.Handoffs.Review(ctx, req.ID); err != nil {
			o.logger.Warn("handoff review failed", zap.String("handoff_id", req.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) onTransitioned(_ context.Context, ev bus.Event) error {
	te, ok := ev.Payload.(workflow.TransitionEvent)
	if !ok || te.To == workflow.StateCreated {
		return nil
	}
	if te.To.IsTerminal() {
		o.releaseSteps(te.InstanceID, te.Version)
		return nil
	}
	ctx := o.ctx()
	inst, err := o.deps.Machine.Get(ctx, te.InstanceID)
	if err != nil {
		return err
	}
	if inst.Version != te.Version {
		return nil
	}
	o.launch(ctx, inst)
	return nil
}

func (o *Orchestrator) onHandoffAccepted(_ context.Context, ev bus.Event) error {
	req, ok := ev.Payload.(handoff.Request)
	if !ok {
		return nil
	}
	ps, ok := o.forget(req.Task.ID)
	if !ok {
		return nil
	}
	o.enqueue(o.ctx(), req.Task.ID, ps)
	return nil
}

// enqueue queues an accepted step. The task id doubles as a dedupe key.
func (o *Orchestrator) enqueue(ctx context.Context, id string, ps pendingStep) {
	raw, err := json.Marshal(ps.payload)
	if err == nil {
		_, err = o.deps.Queue.Enqueue(ctx, &persistence.Task{
			ID:      id,
			Type:    ps.step.TaskType,
			Payload: raw,
		}, ps.step.Priority)
	}
	if err == nil || errors.Is(err, persistence.ErrAlreadyExists) {
		return
	}
	o.fail(ctx, ps.payload.InstanceID, fmt.Sprintf("enqueue %s failed: %v", ps.step.TaskType, err), nil)
}

func (o *Orchestrator) onHandoffClosed(_ context.Context, ev bus.Event) error {
	req, ok := ev.Payload.(handoff.Request)
	if !ok {
		return nil
	}
	ps, ok := o.forget(req.Task.ID)
	if !ok {
		return nil
	}
	reason := fmt.Sprintf("handoff %s to %s", req.State, req.ToAgentID)
	if req.Reason != "" {
		reason += ": " + req.Reason
	}
	o.failIfCurrent(o.ctx(), ps.payload, reason, map[string]string{"handoff_id": req.ID})
	return nil
}

func (o *Orchestrator) onTaskCompleted(_ context.Context, ev bus.Event) error {
	if task, ok := ev.Payload.(*persistence.Task); ok {
		o.completeStep(o.ctx(), task)
	}
	return nil
}

func (o *Orchestrator) onTaskDead(_ context.Context, ev bus.Event) error {
	task, ok := ev.Payload.(*persistence.Task)
	if !ok {
		return nil
	}
	reason := task.LastError
	if msg := ev.Metadata["error"]; msg != "" {
		reason = msg
	}
	o.failStep(o.ctx(), task, reason)
	return nil
}

func (o *Orchestrator) completeStep(ctx context.Context, task *persistence.Task) {
	p, ok := decodePayload(task)
	if !ok || !o.isCurrent(ctx, p) {
		return
	}
	next, err := o.deps.Pipeline.NextState(p.State, task.Result)
	if err != nil {
		o.failIfCurrent(ctx, p, fmt.Sprintf("invalid step result: %v", err), map[string]string{"task_id": task.ID})
		return
	}
	meta := map[string]string{"task_id": task.ID, "agent_id": p.AgentID}
	if len(task.Result) > 0 && string(task.Result) != "null" {
		meta["result"] = string(task.Result)
	}
	if _, err := o.advance(ctx, p.InstanceID, next, "agent:"+p.AgentID, meta); err != nil {
		o.logger.Warn("advance after step failed",
			zap.String("instance_id", p.InstanceID),
			zap.String("to", string(next)),
			zap.Error(err))
	}
}

func (o *Orchestrator) failStep(ctx context.Context, task *persistence.Task, reason string) {
	if p, ok := decodePayload(task); ok {
		o.failIfCurrent(ctx, p, reason, map[string]string{"task_id": task.ID})
	}
}

// execute is the worker-pool handler: the owning agent runs the step.
func (o *Orchestrator) execute(ctx context.Context, task *persistence.Task) (json.RawMessage, error) {
	p, ok := decodePayload(task)
	if !ok {
		return nil, taskqueue.Permanent(fmt.Errorf("task %s has no step payload", task.ID))
	}
	if !o.isCurrent(ctx, p) {
		o.logger.Debug("skipping stale step", zap.String("task_id", task.ID))
		return nil, nil
	}
	a, ok := o.deps.Agents.Get(p.AgentID)
	if !ok {
		return nil, taskqueue.Permanent(&handoff.UnknownAgentError{AgentID: p.AgentID})
	}
	if owner, _ := o.deps.Handoffs.Owner(handoff.TaskRef{ID: task.ID}); owner != p.AgentID {
		return nil, taskqueue.Permanent(fmt.Errorf("%w: %s owned by %q", handoff.ErrNotOwner, task.ID, owner))
	}

	ctx = types.WithInstanceID(ctx, p.InstanceID)
	ctx = types.WithAgentID(ctx, p.AgentID)
	return a.Execute(ctx, task)
}

// advance transitions with bounded retries on concurrent modification.
func (o *Orchestrator) advance(ctx context.Context, instanceID string, to workflow.State, by string, meta map[string]string) (*workflow.Instance, error) {
	var out *workflow.Instance
	_, err := o.retryer.Do(ctx, func(ctx context.Context, _ int) error {
		inst, err := o.deps.Machine.Transition(ctx, instanceID, to, by, meta)
		if err == nil {
			out = inst
		}
		return err
	})
	return out, err
}

func (o *Orchestrator) fail(ctx context.Context, instanceID, reason string, meta map[string]string) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["error"] = reason
	_, err := o.advance(ctx, instanceID, workflow.StateFailed, "orchestrator", meta)
	var invalid *workflow.InvalidTransitionError
	switch {
	case err == nil:
		o.logger.Warn("workflow failed", zap.String("instance_id", instanceID), zap.String("reason", reason))
	case errors.As(err, &invalid):
		o.logger.Debug("instance already terminal", zap.String("instance_id", instanceID))
	default:
		o.logger.Error("could not fail workflow", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

func (o *Orchestrator) failIfCurrent(ctx context.Context, p StepPayload, reason string, meta map[string]string) {
	if o.isCurrent(ctx, p) {
		o.fail(ctx, p.InstanceID, reason, meta)
	}
}

// isCurrent reports whether the instance still sits in the step p was built for.
func (o *Orchestrator) isCurrent(ctx context.Context, p StepPayload) bool {
	inst, err := o.deps.Machine.Get(ctx, p.InstanceID)
	if err != nil {
		return false
	}
	return inst.CurrentState == p.State && inst.Version == p.Version
}

// releaseSteps drops handoff ownership of every step task an instance ran;
// step task ids are <instance>:<version> for versions before the final one.
func (o *Orchestrator) releaseSteps(instanceID string, version int64) {
	for v := int64(1); v < version; v++ {
		o.deps.Handoffs.Release(handoff.TaskRef{ID: fmt.Sprintf("%s:%d", instanceID, v)})
	}
}

func (o *Orchestrator) forget(id string) (pendingStep, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, ok := o.pending[id]
	delete(o.pending, id)
	return ps, ok
}

func (o *Orchestrator) ctx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runCtx
}

func taskID(inst *workflow.Instance) string {
	return fmt.Sprintf("%s:%d", inst.ID, inst.Version)
}

func decodePayload(task *persistence.Task) (StepPayload, bool) {
	var p StepPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.InstanceID == "" {
		return p, false
	}
	return p, true
}

// historyValue returns a metadata value from the instance history, the first
// occurrence when first is set, otherwise the latest.
func historyValue(inst *workflow.Instance, key string, first bool) json.RawMessage {
	var out json.RawMessage
	for _, tr := range inst.History {
		v, ok := tr.Metadata[key]
		if !ok {
			continue
		}
		if json.Valid([]byte(v)) {
			out = json.RawMessage(v)
		} else {
			out, _ = json.Marshal(v)
		}
		if first {
			return out
		}
	}
	return out
}

func isConflict(err error) bool {
	var conflict *workflow.ConcurrentModificationError
	return errors.As(err, &conflict)
}
