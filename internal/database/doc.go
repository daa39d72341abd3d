/*
包 database 提供基于 GORM 的持久层：连接池管理与 AI 网关的
请求/响应元数据存储。

PoolManager 封装 GORM 与 database/sql 的连接池配置，统一管理连接
生命周期，后台健康检查定时探活。Store 实现网关的 Interaction 持久化
（仅在供应商真实成功时写入，降级响应不落库），并提供按项目查询与
按供应商聚合的用量统计。

默认驱动为纯 Go 的 sqlite（glebarez/sqlite），无需 cgo。
*/
package database
