// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 编排数据准备 → 训练 → 合规审查的完整流水线。

# 概述

Pipeline 通过 router 向三个 agent 发送 CALL：先请求 dataprep 处理原始数据集，
再把 processed_path 交给 training。training 完成后以 follow-on CALL 请求
compliance 审查，Pipeline 从路由回复中读取审查结论。

# 重训循环

审查结论为 RETRAIN 时 Pipeline 以新任务重新训练，训练参数由 ParamPolicy
决定。重训次数上限为 Config.MaxRetries（默认 1，0 表示不重训），
超出后返回 RetryLimitError（错误码 RETRY_LIMIT_EXCEEDED），其中保留最后一次
审查结论与已完成的步骤。

# 批量执行

RunBatch 使用 errgroup 并发运行多条独立流水线，并发度由
Config.BatchConcurrency 限制，单条失败不影响其它流水线。
*/
package workflow
