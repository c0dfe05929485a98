package llm

import (
	"context"
	"time"

	"github.com/BaSui01/brokerflow/types"
)

// 补全服务与工具层共享的消息类型，统一定义在 types 包中。
type (
	Role       = types.Role
	Message    = types.Message
	ToolCall   = types.ToolCall
	ToolSchema = types.ToolSchema
)

const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

// Finish reasons carried by the terminal chunk of a stream.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

// ChatRequest is the accumulated conversation plus the tools the service may call.
type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Messages    []Message         `json:"messages"`
	Tools       []ToolSchema      `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"` // auto/none/<tool name>
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage reports token accounting, usually on the final chunk.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// StreamChunk is one increment of a streamed completion. Tool-call deltas may
// split arguments across chunks; the chunk carrying FinishReason ends the turn.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Delta        Message      `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// Provider 定义补全服务的流式接入接口。
// 工具调用通过 ChatRequest.Tools 声明，服务在流中返回 ToolCalls，
// 具体的工具执行由 llm/tools 包负责。
type Provider interface {
	// Stream 发起流式请求，返回增量响应通道；通道关闭表示流结束
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
