// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 a2aflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。所有跨包共享的错误码与
结构化错误均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误，携带 task_id、agent_id、HTTP 状态码、
    Retryable 标记与底层 cause
  - IsCode / AsError / CodeOf — 错误码匹配工具链

# 错误码

UNKNOWN_AGENT、UNSUPPORTED_VERB、VALIDATION、BACKEND、DUPLICATE_AGENT、
RETRY_LIMIT_EXCEEDED 构成路由与调度的核心错误分类；INVALID_TRANSITION、
INVALID_MESSAGE、TASK_NOT_FOUND、INTERNAL_ERROR 用于存储与传输层。
*/
package types
