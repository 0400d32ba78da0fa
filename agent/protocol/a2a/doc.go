// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package a2a 定义代理间通信的消息信封与代理描述符。

# 概述

Message 是代理之间交换的唯一单位：发送方、接收方、动词、可选任务 ID
以及由 Part 组成的有序负载。Part 是一个标签联合体，kind 为 "text" 时
content 为字符串，kind 为 "data" 时 content 为字段映射。消息创建后
视为值对象，构造函数与 Clone 均执行深拷贝。

# 核心类型

  - Verb            — CALL / EVENT / GET_STATUS / CANCEL 或能力自定义动词
  - Part / Payload  — 类型化负载片段与有序负载
  - Artifacts       — 以名称索引的结果块，每块由 Part 组成
  - Message         — 消息信封，支持 FollowOn 派生后续消息
  - AgentDescriptor — 代理身份与契约（能力集合、端点、认证模式）

# 线格式

	{"id":"...","sender":"orchestrator","receiver":"datarep.v1","verb":"CALL",
	 "payload":{"parts":[{"kind":"data","content":{"dataset_path":"data/raw/x.csv"}}]}}
*/
package a2a
