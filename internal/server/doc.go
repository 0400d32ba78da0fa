// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 a2aflow 的 HTTP 服务器生命周期。

# 概述

Manager 封装 net/http.Server：非阻塞启动、优雅关闭，以及关闭后按注册
逆序执行的 shutdown hook（路由器排空事件队列、任务存储与日志库关闭）。
API 服务与 metrics 服务各持有一个 Manager，通过 name 区分日志。

# 核心类型

  - Manager：Start/Shutdown/Wait/OnShutdown/Errors/Addr/IsRunning。
  - Config：监听地址、读写超时、空闲超时、最大请求头与优雅关闭超时。

Wait 接收调用方的 ctx（通常来自 signal.NotifyContext），ctx 结束或
服务异常退出时触发 Shutdown。监听 ":0" 时 Addr 返回实际绑定地址。
*/
package server
