// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 a2aflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 A2AFLOW_）的顺序加载，
// 环境变量名由各层 env tag 以下划线拼接而成，例如
// A2AFLOW_WORKFLOW_MAX_RETRIES、A2AFLOW_STORE_REDIS_ADDR。
package config
