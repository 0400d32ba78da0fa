// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 a2aflow 服务端程序入口。

# 概述

cmd/a2aflow 组装 a2aflow.System（注册表、任务存储、路由器、三个内置
agent 与重训流水线），并通过 HTTP 暴露消息路由、任务查询与取消、
agent 发现、流水线执行以及 websocket 事件流。

# 核心类型

  - Server     — API 与 Metrics 双端口，关闭时依次停止 metrics、限流、System 与遥测
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、run（进程内执行一次流水线并输出 JSON 结果）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、MetricsMiddleware、RateLimiter（基于 IP）
  - 优雅关闭：signal.NotifyContext 触发 Manager.Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
