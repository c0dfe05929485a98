// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 brokerflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、agent、workflow、
orchestrator 等上层模块提供统一的类型契约。

# 核心类型

  - Message / Role    — 对话消息（含 ToolCalls 与工具结果标注）
  - ToolCall          — 补全服务在流中请求的工具调用
  - ToolSchema        — 工具定义（name + description + JSON Schema parameters）
  - ToolResult        — 工具执行结果，ToMessage 转换为 tool 角色消息
  - Error / ErrorCode — 结构化错误体系，含 Retryable 标记与错误码

# 主要能力

  - Context 传播：WithTraceID / WithInstanceID / WithAgentID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
