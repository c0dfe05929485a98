// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供报价请求工作流的状态机与持久化。

# 状态图

	CREATED -> ANALYZING
	ANALYZING -> FETCHING_CONTEXT | SEARCHING
	FETCHING_CONTEXT -> SEARCHING
	SEARCHING -> AWAITING_RESPONSES
	AWAITING_RESPONSES -> ANALYZING_RESPONSES
	ANALYZING_RESPONSES -> GENERATING_OUTPUT | AWAITING_RESPONSES
	GENERATING_OUTPUT -> DELIVERING
	DELIVERING -> COMPLETED
	任意非终止状态 -> FAILED | CANCELLED

COMPLETED、FAILED、CANCELLED 为终止状态。

# 核心类型

  - Instance：工作流实例，CurrentState 始终等于最后一条历史记录的 To
  - StateMachine：校验状态图并追加历史，非法迁移返回 *InvalidTransitionError
  - Store：实例存储，MemoryStore 用于单进程，GormStore 用于共享 SQL 数据库

# 并发

同一实例上的迁移互斥，抢不到实例锁的调用立即返回
*ConcurrentModificationError，由调用方决定是否重试。Store 通过 Version
做乐观并发控制，多个进程共享 GormStore 时同样只有一个能提交。
每次提交的迁移都会在总线上发布 workflow.transitioned。
*/
package workflow
