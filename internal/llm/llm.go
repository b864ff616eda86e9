package llm

import (
	"context"
	"encoding/json"

	xerrors "theta-agents/internal/errors"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型请求的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message 是发送给模型的一条对话消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolSchema 声明一个可供模型调用的工具。Parameters 是 JSON Schema。
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request 描述一次模型调用。
type Request struct {
	System      string       `json:"system"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	JSONMode    bool         `json:"json_mode"`
	Temperature float64      `json:"temperature"`
}

// Response 是模型的回复：要么是内容，要么是工具调用请求。
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

const (
	CodeModelUnavailable xerrors.Code = "MODEL_UNAVAILABLE"
	CodeModelRejected    xerrors.Code = "MODEL_REJECTED"
	CodeModelMalformed   xerrors.Code = "MODEL_MALFORMED_RESPONSE"
)

func init() {
	xerrors.Register(CodeModelUnavailable, xerrors.Attributes{
		Message:   "language model unavailable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryBackend,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeModelRejected, xerrors.Attributes{
		Message:  "language model rejected the request",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryBackend,
	})
	xerrors.Register(CodeModelMalformed, xerrors.Attributes{
		Message:  "language model returned a malformed response",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryBackend,
	})
}
