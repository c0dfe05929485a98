// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 BrokerFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现工作流请求的启动、查询、取消和进度推送，
以及健康检查与统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - WorkflowHandler  — /v1/requests 路由，含 websocket 进度流
  - HealthHandler    — 服务健康检查（/health, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码，支持 Hijack

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON
  - 领域错误映射：WriteServiceError 将状态机与交接错误转为 4xx/5xx，内部细节不外泄
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 进度推送：先发送实例快照，再转发该实例的总线事件，终态后正常关闭
  - 可扩展健康检查：RegisterCheck 注册 PingCheck 等实现
*/
package handlers
