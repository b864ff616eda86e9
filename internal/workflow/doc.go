// Package workflow 实现两条多阶段外部流水线：视频交付与合约部署。
//
// 每条流水线都是严格串行的小状态机，任一阶段失败即停止，结果携带失败阶段
// 与最后确认成功的阶段。除 PollStatus 的有界轮询外，不做任何自动重试。
package workflow
