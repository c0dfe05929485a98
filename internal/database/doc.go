// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 按 config.DatabaseConfig 打开 GORM 连接，供
workflow.GormStore 使用。

支持的驱动：postgres、mysql、sqlite（glebarez，纯 Go）、
sqlite3（mattn，需要 cgo）。memory 驱动返回 ErrMemoryDriver，
调用方改用 workflow.MemoryStore。

PoolManager 负责连接池参数、后台 Ping 探活，并把 sql.DBStats
交给 StatsReporter（通常是 metrics.Collector）。
*/
package database
