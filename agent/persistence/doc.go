// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供任务状态存储、任务状态机与状态流转日志。

# 概述

每个任务以 (agent_id, task_id) 为键保存一条 TaskRecord。所有状态变更都在
该任务的独占区内完成，同一任务同一时刻至多一个状态流转在进行中；
读取最近一次提交的快照不加锁，不会被进行中的 CALL 阻塞。

# 状态机

	SUBMITTED → WORKING → {COMPLETED, FAILED, CANCELED}
	SUBMITTED → {CANCELED, FAILED}

终态记录不再变化。非法流转以 INVALID_TRANSITION 拒绝。

# 核心类型

  - TaskStore: 存储接口，提供 Get / Update / List 以及 Close / Ping。
  - Tracker: 在 TaskStore 之上实现 Begin / Finish / Fail / Cancel 等
    生命周期操作，并在提交后通知 TransitionObserver。
  - GormJournal: 基于 gorm 的状态流转历史表，支持 sqlite / postgres / mysql。

# 后端实现

  - Memory: 默认实现。sync.Map 保存每个任务的槽位，槽位自带互斥锁与
    atomic.Pointer 快照，热路径上没有全局锁。
  - Redis: 使用 WATCH + TxPipelined 的乐观事务实现逐键独占，
    仅作为镜像，不作为恢复来源。
*/
package persistence
