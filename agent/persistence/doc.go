// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供任务队列的持久化存储抽象及多后端实现。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - TaskStore: 任务持久化接口，支持创建、原子领取（Claim）、
    租约续期（Renew）、释放（Release）、查询与清理。

# 核心模型

  - Task: 队列任务，包含优先级、尝试次数、状态
    （queued → running → succeeded/dead）、调度时间与租约字段。
  - Release: 工作者归还任务时的目标状态、结果与下一次调度时间。

# 租约与纪元

每次 Claim 都会递增 Epoch。Renew 与 Release 必须携带领取时的
Owner 与 Epoch，否则返回 ErrLeaseLost，过期工作者的迟到结果因此不会覆盖
新持有者的状态。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - Redis: 基于 Hash + Sorted Set，Claim/Renew/Release 均为 Lua 脚本，
    适合多实例部署。

# 使用方式

	store, err := persistence.NewTaskStore(config)
*/
package persistence
