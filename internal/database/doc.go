// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 管理 GORM 连接池，供任务迁移日志使用。

# 核心类型

  - PoolManager：持有 gorm.DB 与底层 sql.DB，提供 Ping、Stats、Close
    以及 WithTransaction / WithTransactionRetry。
  - PoolConfig：连接数、生命周期与健康检查间隔，零值保留驱动默认值
    （sqlite 的单连接限制因此不会被覆盖）。
  - PoolStats：连接池运行指标。

IsRetryable 按驱动错误信息识别死锁、序列化失败、sqlite 锁与断连。
*/
package database
