// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供补全服务的流式接入层。

# 概述

对话循环只依赖 [Provider] 接口：发起一次流式请求，逐块读取
[StreamChunk]，直到带 FinishReason 的终止块出现或通道关闭。
工具调用通过 [ChatRequest] 的 Tools 字段声明，服务在流中返回
ToolCalls 增量，具体执行交给 llm/tools 包。

# 核心类型

  - [Provider]：流式补全接口，提供 Stream / Name
  - [ChatRequest]：累计的对话消息与可用工具
  - [StreamChunk]：一次增量，携带文本、工具调用参数片段或错误
  - [SSEProvider]：基于 HTTP Server-Sent Events 的 Provider 实现

# 错误语义

[ErrorFromStatus] 把 HTTP 状态码映射为 types.Error：401/403 为
Unauthorized，429 为 RateLimited，408/504 为 Timeout，5xx 为
Unavailable，其余为 InvalidRequest。限流、超时与不可用标记为可重试，
工具层据此决定是否退避重试。

# 子包

  - llm/retry：带抖动的指数退避与可注入的 Sleeper
  - llm/tools：工具注册、调用、重试执行器与流式对话循环
*/
package llm
