// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 基于 golang-migrate 管理会话历史表的版本化 Schema，
支持 PostgreSQL 与 MySQL。SQLite 部署由 GORM AutoMigrate 建表。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、Version、Status、Close。
  - Config：数据库类型、连接 URL 与迁移记录表名。
  - CLI：`voicecrm migrate` 子命令的格式化输出。

迁移文件通过 embed.FS 内嵌在二进制中，按 000001_name.up.sql 命名。
*/
package migration
