// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理工作流持久化表（workflow_instances、
workflow_transitions）的 Schema 版本，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

SQL 文件按方言内嵌在 migrations/<dialect>/ 下，与 workflow.GormStore
的模型保持一致。生产环境建议关闭 AutoMigrate，改用
`brokerflow migrate up`。

  - NewMigratorFromDatabaseConfig：从 config.DatabaseConfig 构造；
    memory 驱动返回 ErrNoDatabase。
  - NewMigratorWithDB：复用已打开的 *sql.DB，测试中使用。
  - CLI：up/down/reset/goto/force/version/status 的终端输出。
*/
package migration
