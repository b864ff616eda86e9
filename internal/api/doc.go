// Package api 通过 REST 接口暴露对话线程：创建线程、执行一轮对话、查询历史与可用能力。
package api
