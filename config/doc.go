// Package config 提供 BrokerFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（BROKERFLOW_ 前缀）的顺序合并，
// 覆盖服务、日志、存储、队列、交接、工具调用、对话循环与 Kafka 转发等各部分。
package config
