// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 BrokerFlow HTTP API 的监听与优雅停机。

Manager 封装 net/http.Server：Start 非阻塞监听，Wait 等待
上下文取消（信号）或服务异常，然后在 ShutdownTimeout 内排空请求。
ConfigFrom 把 config.ServerConfig 转成监听配置。
*/
package server
