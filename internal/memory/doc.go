// Package memory 保存会话线程的有序消息。进程内实现位于本包，
// Redis 与 MySQL 实现分别位于 internal/storage 下对应子包。
package memory
