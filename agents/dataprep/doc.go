// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 dataprep 实现数据准备 agent（datarep.v1）。

CALL / process_dataset 需要 dataset_path 字段，调用 Preparer 得到处理后的
路径（默认把路径中的 raw 替换为 enc），再调用 DriftDetector。检测到漂移时
向合规 agent 发出一条 EVENT 后续消息。

detect_drift 只对给定的 processed_path 做漂移检测。
*/
package dataprep
