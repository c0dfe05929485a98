package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/brokerflow/agent/taskqueue"
	"github.com/BaSui01/brokerflow/workflow"
)

// Step is the work done while an instance sits in one state: a task of
// TaskType handed off to AgentID and run on the queue.
type Step struct {
	TaskType string `yaml:"task_type" json:"task_type"`
	AgentID  string `yaml:"agent_id" json:"agent_id"`
	Priority int    `yaml:"priority" json:"priority"`
}

// QuotePipeline maps workflow states to steps and default successors.
type QuotePipeline struct {
	Steps map[workflow.State]Step
	// Default is the successor used when a step result names none.
	Default map[workflow.State]workflow.State
}

// DefaultQuotePipeline returns the standard quote-request pipeline.
func DefaultQuotePipeline() QuotePipeline {
	return QuotePipeline{
		Steps: map[workflow.State]Step{
			workflow.StateAnalyzing:          {TaskType: "analyze_request", AgentID: "analyst", Priority: taskqueue.PriorityHigh},
			workflow.StateFetchingContext:    {TaskType: "fetch_context", AgentID: "context_fetcher", Priority: taskqueue.PriorityLow},
			workflow.StateSearching:          {TaskType: "search_carriers", AgentID: "searcher", Priority: taskqueue.PriorityNormal},
			workflow.StateAwaitingResponses:  {TaskType: "collect_responses", AgentID: "response_collector", Priority: taskqueue.PriorityNormal},
			workflow.StateAnalyzingResponses: {TaskType: "analyze_responses", AgentID: "analyst", Priority: taskqueue.PriorityHigh},
			workflow.StateGeneratingOutput:   {TaskType: "generate_output", AgentID: "writer", Priority: taskqueue.PriorityNormal},
			workflow.StateDelivering:         {TaskType: "deliver", AgentID: "courier", Priority: taskqueue.PriorityCritical},
		},
		Default: map[workflow.State]workflow.State{
			workflow.StateCreated:            workflow.StateAnalyzing,
			workflow.StateAnalyzing:          workflow.StateSearching,
			workflow.StateFetchingContext:    workflow.StateSearching,
			workflow.StateSearching:          workflow.StateAwaitingResponses,
			workflow.StateAwaitingResponses:  workflow.StateAnalyzingResponses,
			workflow.StateAnalyzingResponses: workflow.StateGeneratingOutput,
			workflow.StateGeneratingOutput:   workflow.StateDelivering,
			workflow.StateDelivering:         workflow.StateCompleted,
		},
	}
}

// Validate checks every step and default edge against the workflow graph.
func (p QuotePipeline) Validate() error {
	for state, step := range p.Steps {
		if !state.IsValid() || state.IsTerminal() || state == workflow.StateCreated {
			return fmt.Errorf("pipeline step bound to state %s", state)
		}
		if step.TaskType == "" || step.AgentID == "" {
			return fmt.Errorf("pipeline step %s needs a task type and agent", state)
		}
		if _, ok := p.Default[state]; !ok {
			return fmt.Errorf("pipeline step %s has no default successor", state)
		}
	}
	for from, to := range p.Default {
		if !workflow.CanTransition(from, to) {
			return fmt.Errorf("pipeline default %s -> %s is not a workflow edge", from, to)
		}
	}
	return nil
}

// Directive is the optional routing part of a step result. A step may name
// the next state, e.g. {"next_state": "FETCHING_CONTEXT"} from ANALYZING.
type Directive struct {
	NextState workflow.State `json:"next_state,omitempty"`
}

// NextState picks the successor of from given the step result.
func (p QuotePipeline) NextState(from workflow.State, result json.RawMessage) (workflow.State, error) {
	var d Directive
	if len(result) > 0 && json.Unmarshal(result, &d) == nil && d.NextState != "" {
		if !workflow.CanTransition(from, d.NextState) {
			return "", &workflow.InvalidTransitionError{From: from, To: d.NextState}
		}
		return d.NextState, nil
	}
	next, ok := p.Default[from]
	if !ok {
		return "", fmt.Errorf("no successor for state %s", from)
	}
	return next, nil
}
