package tools

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/brokerflow/types"
)

// EventType names a progress event for live status rendering.
type EventType string

const (
	EventToken          EventType = "token"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallRetry  EventType = "tool_call_retry"
	EventToolCallResult EventType = "tool_call_result"
	EventToolCallError  EventType = "tool_call_error"
	EventComplete       EventType = "complete"
)

// CallStatus is the lifecycle of one tool call.
type CallStatus string

const (
	CallStarting   CallStatus = "starting"
	CallInProgress CallStatus = "in_progress"
	CallRetrying   CallStatus = "retrying"
	CallComplete   CallStatus = "complete"
	CallError      CallStatus = "error"
)

// Event is one progress notification.
type Event struct {
	Type        EventType       `json:"type"`
	Depth       int             `json:"depth,omitempty"`
	Token       string          `json:"token,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Status      CallStatus      `json:"status,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
	NextDelayMs int64           `json:"next_delay_ms,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Content     string          `json:"content,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventSink receives progress events. Sinks are called from the executing
// goroutine and must not block for long.
type EventSink func(Event)

func (s EventSink) emit(e Event) {
	if s == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s(e)
}

// CallRecord tracks one tool call from detection to its terminal outcome.
type CallRecord struct {
	Call       types.ToolCall  `json:"call"`
	Status     CallStatus      `json:"status"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Err        error           `json:"-"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// ToolResult converts the record into the message-level result.
func (r *CallRecord) ToolResult() types.ToolResult {
	res := types.ToolResult{
		ToolCallID: r.Call.ID,
		Name:       r.Call.Name,
		Result:     r.Result,
		Attempts:   r.Attempts,
		Duration:   r.FinishedAt.Sub(r.StartedAt),
	}
	if r.Err != nil {
		res.Error = r.Err.Error()
	}
	return res
}
