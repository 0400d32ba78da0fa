// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 compliance 实现合规评审 agent（compliance.v1）。

CALL / review_model 需要 model_id，bias 缺省时向 MetricsReporter 查询。
bias 超过阈值（默认 0.05）时给出 RETRAIN（reason 为 bias），否则 APPROVE。
结论写入 review 工件，由工作流驱动读取 review.intent 决定是否重训。

EVENT 用于接收数据漂移通知，只计数与记录日志，不参与任务状态机。
*/
package compliance
