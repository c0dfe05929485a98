package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/api"
	"github.com/BaSui01/brokerflow/types"
	"github.com/BaSui01/brokerflow/workflow"
)

// =============================================================================
// 🔀 工作流 Handler
// =============================================================================

const (
	defaultListLimit = 100
	maxListLimit     = 500
	frameBuffer      = 64
	writeTimeout     = 5 * time.Second
)

// WorkflowService 是 HTTP 层需要的编排器能力；*orchestrator.Orchestrator 实现了它
type WorkflowService interface {
	StartRequest(ctx context.Context, businessRequestID string, input json.RawMessage) (*workflow.Instance, error)
	Get(ctx context.Context, instanceID string) (*workflow.Instance, error)
	List(ctx context.Context, filter workflow.Filter) ([]*workflow.Instance, error)
	Cancel(ctx context.Context, instanceID, reason string) (*workflow.Instance, error)
}

// EventSource 提供进度事件订阅；*bus.Bus 实现了它
type EventSource interface {
	Subscribe(topic bus.Topic, handler bus.Handler) *bus.Subscription
}

// WorkflowHandler 处理 /v1/requests 路由
type WorkflowHandler struct {
	svc            WorkflowService
	events         EventSource
	originPatterns []string
	logger         *zap.Logger
}

// NewWorkflowHandler 创建处理器。originPatterns 为空时 websocket 只接受同源请求。
func NewWorkflowHandler(svc WorkflowService, events EventSource, originPatterns []string, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		svc:            svc,
		events:         events,
		originPatterns: originPatterns,
		logger:         logger.With(zap.String("component", "workflow_handler")),
	}
}

// Register 挂载路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/requests", h.HandleStart)
	mux.HandleFunc("GET /v1/requests", h.HandleList)
	mux.HandleFunc("GET /v1/requests/{id}", h.HandleGet)
	mux.HandleFunc("POST /v1/requests/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /v1/requests/{id}/events", h.HandleEvents)
}

// HandleStart 处理 POST /v1/requests
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.StartRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.BusinessRequestID = strings.TrimSpace(req.BusinessRequestID)
	if req.BusinessRequestID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "business_request_id is required"), h.logger)
		return
	}

	inst, err := h.svc.StartRequest(r.Context(), req.BusinessRequestID, req.Input)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("business_request_id", inst.BusinessRequestID))
	WriteSuccess(w, http.StatusCreated, inst)
}

// HandleList 处理 GET /v1/requests
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.Filter{
		BusinessRequestID: q.Get("business_request_id"),
		Limit:             defaultListLimit,
	}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := workflow.State(strings.ToUpper(strings.TrimSpace(s)))
			if !state.IsValid() {
				WriteError(w, types.NewError(types.ErrInvalidRequest, "unknown state: "+s), h.logger)
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "limit must be a positive integer"), h.logger)
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	instances, err := h.svc.List(r.Context(), filter)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	out := api.ListResponse{Instances: make([]api.InstanceSummary, 0, len(instances))}
	for _, inst := range instances {
		out.Instances = append(out.Instances, api.NewInstanceSummary(inst))
	}
	out.Count = len(out.Instances)
	WriteSuccess(w, http.StatusOK, out)
}

// HandleGet 处理 GET /v1/requests/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, inst)
}

// HandleCancel 处理 POST /v1/requests/{id}/cancel，请求体可省略
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if r.ContentLength > 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	inst, err := h.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, inst)
}

// =============================================================================
// 📡 进度推送（websocket）
// =============================================================================

// HandleEvents 处理 GET /v1/requests/{id}/events：先推送实例快照，
// 之后推送该实例的总线事件，进入终态后正常关闭。
// 客户端读得太慢时丢弃事件，不阻塞总线。
func (h *WorkflowHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("instance_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	frames := make(chan api.ProgressFrame, frameBuffer)
	sub := h.events.Subscribe(bus.TopicAll, func(_ context.Context, e bus.Event) error {
		if eventInstanceID(e) != id {
			return nil
		}
		select {
		case frames <- newEventFrame(e):
		default:
			h.logger.Debug("progress frame dropped", zap.String("instance_id", id), zap.String("topic", string(e.Topic)))
		}
		return nil
	})
	defer sub.Unsubscribe()

	// 订阅之后再取快照，期间发生的迁移不会丢失
	ctx := conn.CloseRead(r.Context())
	inst, err := h.svc.Get(ctx, id)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "instance unavailable")
		return
	}
	if err := h.write(ctx, conn, api.ProgressFrame{Type: api.FrameSnapshot, Instance: inst, Timestamp: time.Now()}); err != nil {
		return
	}
	if inst.CurrentState.IsTerminal() {
		conn.Close(websocket.StatusNormalClosure, "workflow finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if err := h.write(ctx, conn, f); err != nil {
				return
			}
			if isTerminalFrame(f) {
				conn.Close(websocket.StatusNormalClosure, "workflow finished")
				return
			}
		}
	}
}

func (h *WorkflowHandler) write(ctx context.Context, conn *websocket.Conn, f api.ProgressFrame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func newEventFrame(e bus.Event) api.ProgressFrame {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return api.ProgressFrame{
		Type:      api.FrameEvent,
		Topic:     string(e.Topic),
		Source:    e.Source,
		Payload:   e.Payload,
		Metadata:  e.Metadata,
		Timestamp: ts,
	}
}

func eventInstanceID(e bus.Event) string {
	if id := e.Metadata["instance_id"]; id != "" {
		return id
	}
	if ev, ok := e.Payload.(workflow.TransitionEvent); ok {
		return ev.InstanceID
	}
	return ""
}

func isTerminalFrame(f api.ProgressFrame) bool {
	ev, ok := f.Payload.(workflow.TransitionEvent)
	return ok && ev.To.IsTerminal()
}
