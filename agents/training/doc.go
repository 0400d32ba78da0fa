// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 training 实现模型训练 agent（automl.v1）。

CALL / run_automl 需要 processed_data_path（文件必须存在）与
target_feature，可选 params 对象。校验通过后依次调用后端的 Upload、
CreateProject、RunAutopilot、TopModel；后端实现 MetricsReporter 时附带
bias 指标。结果写入 automl_results 工件，并向评审 agent 发出一条
CALL 后续消息。
*/
package training
