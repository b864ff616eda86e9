// Package agent 实现对话线程上的工具调度循环：每一轮把线程历史与用户消息交给模型，
// 执行模型请求的工具调用并把结果回填，直到模型给出终止回复或达到轮次上限。
//
// Turn 的返回约定：解析失败与轮次超限属于结构化结果，Reply.Error 非空且 error 为 nil；
// 模型不可用、存储失败、取消或超时同时返回带部分结果的 Reply 与 error。
package agent
