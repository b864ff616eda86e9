// Package tools 把已配置的能力暴露给智能体：生成类能力通过能力客户端调用，
// 上传与部署类能力驱动多阶段流水线。所有调用都返回 capability.Result，
// 失败作为值回传给模型。
package tools
