// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 a2aflow HTTP API 的请求处理器实现。

# 概述

handlers 把 HTTP 请求翻译成 A2A 消息交给路由器，或直接调用流水线，
并以统一的 JSON 信封返回结果。任务状态查询与取消同样以 GET_STATUS /
CANCEL 消息经路由器投递，HTTP 层不直接修改任务存储。

# 核心类型

  - MessageHandler     — 同步路由与异步投递（202 + Location）
  - TaskHandler        — 任务列表、状态查询、取消
  - AgentHandler       — agent 卡片列表（可按 verb 过滤）与查询
  - PipelineHandler    — 单次运行与批量运行
  - EventStreamHandler — websocket 事件流，慢客户端丢弃事件
  - HealthHandler      — 存活、就绪与版本信息；就绪检查覆盖 router、task_store、journal 与 backend 熔断状态，熔断打开时为 degraded
  - Response / ErrorInfo — 统一响应结构

# 主要能力

  - DecodeJSONBody：1 MB 限制、拒绝未知字段、空 body 视为 INVALID_MESSAGE
  - 错误码 → HTTP 状态码映射（FORWARD_LIMIT_EXCEEDED → 508 等）
  - ResponseWriter 可穿透中间件完成 websocket 升级
*/
package handlers
