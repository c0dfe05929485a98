// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 BrokerFlow 服务端程序入口。

# 概述

cmd/brokerflow 把询价编排的各个组件装配成一个进程：状态机、消息总线、
交接管理器、任务队列与工作池、带重试的工具执行器以及流式对话循环。
程序对外暴露 HTTP/WebSocket API，并提供数据库迁移、健康检查和版本查询
子命令。配置来自 YAML 文件与 BROKERFLOW_ 前缀的环境变量。

# 核心类型

  - App         — 持有全部组件，负责装配、启动与逆序关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up/down/reset/goto/force/version/status）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）、JWTAuth（HS256）
  - 存储选择：database.driver 为 memory 时使用内存状态机存储，否则走 GORM；
    queue.store 选择 memory 或 redis 任务存储
  - Agent 装配：配置了对话端点的 Agent 走流式对话循环，配置了工具端点的
    走重试执行器，其余使用直通实现，流水线按默认后继推进
  - Kafka 桥：开启后把总线事件转发到 Kafka
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止编排器与工作池 → 关闭存储 → 关闭总线
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
