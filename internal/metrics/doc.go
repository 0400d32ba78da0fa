// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、消息路由、
任务状态、训练后端与流水线五个维度。

# 概述

Collector 使用 promauto 注册到默认 Registry，所有指标按 namespace 隔离。
它同时实现 backend.CallObserver 与 workflow.Observer，并可通过 Subscribe
订阅事件总线上的任务迁移与路由事件。

# 主要指标

  - http_requests_total / http_request_duration_seconds
  - messages_routed_total{receiver,verb,error}
  - task_transitions_total / tasks_finished_total
  - backend_calls_total / backend_call_duration_seconds
  - pipeline_runs_total{outcome} / pipeline_retrain_cycles
*/
package metrics
