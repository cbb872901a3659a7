// Package guard 是策略防火墙的编排入口。
//
// 中继在执行前调用 Validate（只读），执行成功后调用 Commit（只有中继身份可调用，
// 只更新计数器）。Execute 在实例级锁内串联这三步，供直接托管执行的部署使用。
package guard
