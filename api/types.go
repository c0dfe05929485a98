package api

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/brokerflow/workflow"
)

// StartRequest starts a workflow instance.
type StartRequest struct {
	// 业务请求 ID，例如询价单号
	BusinessRequestID string `json:"business_request_id" example:"RFQ-2024-0042"`
	// 交给分析 agent 的原始输入
	Input json.RawMessage `json:"input,omitempty"`
}

// CancelRequest cancels an instance. The body is optional.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" example:"customer withdrew"`
}

// InstanceSummary is the list view of an instance.
type InstanceSummary struct {
	ID                string         `json:"id"`
	BusinessRequestID string         `json:"business_request_id"`
	CurrentState      workflow.State `json:"current_state"`
	Version           int64          `json:"version"`
	Terminal          bool           `json:"terminal"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewInstanceSummary strips the history.
func NewInstanceSummary(inst *workflow.Instance) InstanceSummary {
	return InstanceSummary{
		ID:                inst.ID,
		BusinessRequestID: inst.BusinessRequestID,
		CurrentState:      inst.CurrentState,
		Version:           inst.Version,
		Terminal:          inst.CurrentState.IsTerminal(),
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
	}
}

// ListResponse wraps GET /v1/requests.
type ListResponse struct {
	Instances []InstanceSummary `json:"instances"`
	Count     int               `json:"count"`
}

// Progress frame types on the events websocket.
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
)

// ProgressFrame is one websocket message. The first frame is a snapshot of
// the instance; later frames carry bus events for that instance.
type ProgressFrame struct {
	Type      string             `json:"type"`
	Instance  *workflow.Instance `json:"instance,omitempty"`
	Topic     string             `json:"topic,omitempty"`
	Source    string             `json:"source,omitempty"`
	Payload   any                `json:"payload,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
