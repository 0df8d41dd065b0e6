// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 核心类型

  - Config：驱动（postgres、mysql、sqlite）与连接参数，DSN/Dialector 负责
    拼接连接串并选择 GORM 方言。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、GetStats、
    WithTransaction、WithTransactionRetry 与 Close。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。

# 主要能力

  - 事务重试：死锁、序列化失败、断连与 sqlite 锁冲突按指数退避重试。
  - 健康检查：后台定时 PingContext，Close 时退出。
*/
package database
