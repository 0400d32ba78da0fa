// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 a2aflow 的路由与流水线 span 提供 OTLP gRPC 导出。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
