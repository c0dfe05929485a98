// Package telemetry 封装 OpenTelemetry SDK 初始化，并把总线上的
// 工作流迁移、交接失败和死信任务记录为 span。
// 遥测关闭时使用 noop 实现，不连接任何外部服务。
package telemetry
