package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/agent"
	"github.com/BaSui01/brokerflow/agent/bus"
	"github.com/BaSui01/brokerflow/agent/handoff"
	"github.com/BaSui01/brokerflow/agent/persistence"
	"github.com/BaSui01/brokerflow/agent/taskqueue"
	"github.com/BaSui01/brokerflow/api/handlers"
	"github.com/BaSui01/brokerflow/config"
	"github.com/BaSui01/brokerflow/internal/database"
	"github.com/BaSui01/brokerflow/internal/metrics"
	"github.com/BaSui01/brokerflow/internal/telemetry"
	"github.com/BaSui01/brokerflow/llm"
	"github.com/BaSui01/brokerflow/llm/tools"
	"github.com/BaSui01/brokerflow/orchestrator"
	"github.com/BaSui01/brokerflow/workflow"
)

// queueStatsInterval 队列深度指标的刷新间隔
const queueStatsInterval = 15 * time.Second

// 需要补全服务的 agent 及其系统提示词
var conversationAgents = map[string]string{
	"analyst": "You are a freight broker analyst. Extract lanes, equipment, dates and constraints " +
		"from the request and decide whether more customer context is needed.",
	"writer": "You are a freight broker. Write a concise quote for the customer from the carrier responses.",
}

// =============================================================================
// 🧩 App：组件装配
// =============================================================================

// App 持有一次 serve 运行期间的全部组件
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector

	bus      *bus.Bus
	db       *database.PoolManager
	tasks    persistence.TaskStore
	machine  *workflow.StateMachine
	agents   *agent.Registry
	handoffs *handoff.HandoffManager
	queue    *taskqueue.Queue
	orch     *orchestrator.Orchestrator
	kafka    *bus.KafkaBridge
	health   *handlers.HealthHandler
	subs     []*bus.Subscription

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 按配置装配组件，不启动任何后台循环
func NewApp(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (app *App, err error) {
	a := &App{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		bus:       bus.New(logger),
		health:    handlers.NewHealthHandler(logger),
	}
	a.runCtx, a.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.subs = append(a.subs, collector.AttachBus(a.bus))
	a.subs = append(a.subs, telemetry.TraceBus(a.bus, otel.Tracer("brokerflow/bus"))...)

	store, err := a.openWorkflowStore()
	if err != nil {
		return nil, err
	}
	a.machine = workflow.NewStateMachine(store, a.bus, logger)

	a.tasks, err = persistence.NewTaskStore(persistence.StoreConfig{
		Type: persistence.StoreType(cfg.Queue.Store),
		Redis: persistence.RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
		Cleanup: persistence.DefaultCleanupConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	a.health.RegisterCheck(handlers.NewPingCheck("task_store", a.tasks.Ping))

	a.queue = taskqueue.New(a.tasks, a.bus, taskqueue.Config{
		LeaseDuration: cfg.Queue.LeaseDuration,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BaseBackoff:   cfg.Queue.BaseBackoff,
		MaxBackoff:    cfg.Queue.MaxBackoff,
	}, logger)

	a.agents = agent.NewRegistry(logger)
	pipeline := orchestrator.DefaultQuotePipeline()
	exec, registry := a.newToolExecutor()
	if err := registerAgents(a.agents, pipeline, exec, registry, cfg, a.bus, logger); err != nil {
		return nil, err
	}

	a.handoffs = handoff.NewHandoffManager(a.agents, a.bus, handoff.Config{
		Timeout:       cfg.Handoff.Timeout,
		SweepInterval: cfg.Handoff.SweepInterval,
		Retention:     cfg.Handoff.Retention,
	}, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.AutoReview = cfg.Handoff.AutoReview
	orchCfg.Pool.Workers = cfg.Queue.Workers
	orchCfg.Pool.PollInterval = cfg.Queue.PollInterval
	a.orch, err = orchestrator.New(orchestrator.Deps{
		Machine:  a.machine,
		Bus:      a.bus,
		Agents:   a.agents,
		Handoffs: a.handoffs,
		Queue:    a.queue,
		Pipeline: pipeline,
	}, orchCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	if cfg.Kafka.Enabled {
		kcfg := bus.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.TopicPrefix,
			Timeout:     cfg.Kafka.Timeout,
		}
		for _, t := range cfg.Kafka.Topics {
			kcfg.Topics = append(kcfg.Topics, bus.Topic(t))
		}
		a.kafka = bus.NewKafkaBridge(a.bus, bus.NewKafkaWriter(kcfg), kcfg, logger)
		a.health.RegisterOptionalCheck(handlers.NewPingCheck("kafka", a.kafka.Ping))
	}

	return a, nil
}

func (a *App) openWorkflowStore() (workflow.Store, error) {
	pm, err := database.Open(a.cfg.Database, a.collector, a.logger)
	if errors.Is(err, database.ErrMemoryDriver) {
		a.logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil
	}
	if err != nil {
		return nil, err
	}
	a.db = pm
	a.health.RegisterCheck(handlers.NewPingCheck("database", pm.Ping))

	store := workflow.NewGormStore(pm.DB())
	if a.cfg.Database.AutoMigrate {
		if err := store.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("auto-migrate workflow tables: %w", err)
		}
	}
	return store, nil
}

// newToolExecutor 注册配置的远程工具并返回带重试的执行器
func (a *App) newToolExecutor() (*tools.RetryingExecutor, tools.ToolRegistry) {
	tc := a.cfg.Tools
	registry := tools.NewDefaultRegistry(a.logger)
	client := &http.Client{}
	for _, ep := range tc.Endpoints {
		timeout := ep.Timeout
		if timeout <= 0 {
			timeout = tc.DefaultTimeout
		}
		var limit *tools.RateLimitConfig
		if ep.RateLimit > 0 {
			limit = &tools.RateLimitConfig{Rate: ep.RateLimit, Burst: max(1, int(ep.RateLimit))}
		}
		fn, meta := tools.NewHTTPTool(tools.HTTPToolConfig{
			Name:        ep.Name,
			Description: ep.Description,
			URL:         ep.URL,
			Headers:     ep.Headers,
			Timeout:     timeout,
			RateLimit:   limit,
		}, client, a.logger)
		if err := registry.Register(ep.Name, fn, meta); err != nil {
			a.logger.Warn("tool endpoint skipped", zap.String("tool", ep.Name), zap.Error(err))
		}
	}
	exec := tools.NewRetryingExecutor(tools.NewInvoker(registry, a.logger), tools.RetryConfig{
		MaxRetries:  tc.MaxRetries,
		BaseDelay:   tc.BaseDelay,
		MaxDelay:    tc.MaxDelay,
		Parallelism: tc.Parallelism,
	}, a.logger)
	return exec, registry
}

// registerAgents 为流水线中的每个 agent 选择实现：
// 对话型 agent 使用补全服务，其余 agent 调用与任务类型同名的工具。
// 缺少后端时退化为透传 agent。
func registerAgents(reg *agent.Registry, pipeline orchestrator.QuotePipeline, exec *tools.RetryingExecutor,
	registry tools.ToolRegistry, cfg *config.Config, events *bus.Bus, logger *zap.Logger) error {
	var provider llm.Provider
	if cfg.Conversation.Endpoint != "" {
		provider = llm.NewSSEProvider(llm.SSEProviderConfig{
			Endpoint: cfg.Conversation.Endpoint,
			APIKey:   cfg.Conversation.APIKey,
			Model:    cfg.Conversation.Model,
			Timeout:  cfg.Conversation.Timeout,
		}, logger)
	}

	for _, id := range agentIDs(pipeline) {
		caps := capabilitiesOf(pipeline, id)
		var a agent.Agent
		prompt, conversational := conversationAgents[id]
		switch {
		case conversational && provider != nil:
			loop := tools.NewConversationLoop(provider, exec, registry, tools.LoopConfig{
				MaxTurnDepth: cfg.Conversation.MaxTurnDepth,
				Model:        cfg.Conversation.Model,
			}, logger)
			a = agent.NewConversationAgent(id, prompt, loop, events, logger, caps...)
		case !conversational && registry.Has(string(caps[0])):
			a = agent.NewToolAgent(id, string(caps[0]), exec, logger, caps...)
		default:
			logger.Warn("no backend configured, agent passes input through", zap.String("agent_id", id))
			a = agent.NewFuncAgent(id, passthrough(id), caps...)
		}
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("register agent %s: %w", id, err)
		}
	}
	return nil
}

// agentIDs 按状态顺序列出流水线中的 agent，去重
func agentIDs(p orchestrator.QuotePipeline) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range workflow.States {
		step, ok := p.Steps[s]
		if !ok || seen[step.AgentID] {
			continue
		}
		seen[step.AgentID] = true
		ids = append(ids, step.AgentID)
	}
	return ids
}

// capabilitiesOf 返回 agent 负责的任务类型，按状态顺序
func capabilitiesOf(p orchestrator.QuotePipeline, agentID string) []agent.Capability {
	var caps []agent.Capability
	for _, s := range workflow.States {
		if step, ok := p.Steps[s]; ok && step.AgentID == agentID {
			caps = append(caps, agent.Capability(step.TaskType))
		}
	}
	return caps
}

func passthrough(agentID string) agent.ExecuteFunc {
	return func(_ context.Context, task *persistence.Task) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"agent":       agentID,
			"task_type":   task.Type,
			"passthrough": true,
		})
	}
}

// =============================================================================
// 🚀 生命周期
// =============================================================================

// Start 启动编排器、Kafka 转发和队列指标轮询
func (a *App) Start(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if a.kafka != nil {
		a.kafka.Start()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.collector.WatchQueue(a.runCtx, a.queue, queueStatsInterval)
	}()
	return nil
}

// runContext 在 Close 时取消，供后台清理循环使用
func (a *App) runContext() context.Context {
	return a.runCtx
}

// Handler 返回带中间件链的 HTTP 处理器
func (a *App) Handler(version string) http.Handler {
	return newRouter(a, version)
}

// Close 逆序关闭所有组件，可重复调用
func (a *App) Close() error {
	a.cancel()
	a.wg.Wait()

	var errs []error
	if a.orch != nil {
		if err := a.orch.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
		}
		a.orch = nil
	}
	if a.kafka != nil {
		if err := a.kafka.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop kafka bridge: %w", err))
		}
		a.kafka = nil
	}
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
	if a.agents != nil {
		if err := a.agents.Close(); err != nil && !errors.Is(err, agent.ErrRegistryClosed) {
			errs = append(errs, err)
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close task store: %w", err))
		}
		a.tasks = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.db = nil
	}
	a.bus.Close()
	return errors.Join(errs...)
}
