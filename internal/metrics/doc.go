// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 以 Prometheus 指标记录 BrokerFlow 的运行情况。

Collector 通过 promauto 注册到默认 Registry，按 namespace 隔离：

  - HTTP：请求数与耗时
  - 工作流：状态迁移（from/to）
  - 交接：proposed/accepted/rejected/timed_out
  - 任务队列：生命周期事件、死信告警、各状态任务数（WatchQueue）
  - 工具调用：成功/失败与重试次数
  - 数据库连接池：ObserveDBStats 由 database.PoolManager 回调

AttachBus 订阅 bus.TopicAll，按载荷类型分派，无需各组件直接依赖本包。
*/
package metrics
