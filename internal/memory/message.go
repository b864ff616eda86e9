package memory

import (
	"encoding/json"
	"time"
)

// Kind 区分线程中的消息类型。
type Kind string

const (
	KindUser           Kind = "user"
	KindAgent          Kind = "agent"
	KindToolInvocation Kind = "tool_invocation"
	KindToolResult     Kind = "tool_result"
)

// Message 是线程中的一条记录，按 Kind 使用不同字段。
type Message struct {
	Kind Kind `json:"kind"`

	// 用户消息；工具调用上为模型随调用给出的说明。
	Text string `json:"text,omitempty"`

	// 智能体终止消息。Error 非空表示本轮以错误结束。
	PlanningText   string `json:"planning_text,omitempty"`
	UserFacingText string `json:"user_facing_text,omitempty"`
	Error          string `json:"error,omitempty"`

	// 工具调用与结果。
	CallID     string          `json:"call_id,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Content    string          `json:"content,omitempty"`
	Failed     bool            `json:"failed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// UserMessage 构造用户消息。
func UserMessage(text string) Message {
	return Message{Kind: KindUser, Text: text, CreatedAt: time.Now().UTC()}
}

// AgentMessage 构造智能体终止消息。
func AgentMessage(planning, userFacing, errText string) Message {
	return Message{
		Kind:           KindAgent,
		PlanningText:   planning,
		UserFacingText: userFacing,
		Error:          errText,
		CreatedAt:      time.Now().UTC(),
	}
}

// ToolInvocation 构造工具调用记录。
func ToolInvocation(callID, capability string, args json.RawMessage) Message {
	return Message{
		Kind:       KindToolInvocation,
		CallID:     callID,
		Capability: capability,
		Arguments:  args,
		CreatedAt:  time.Now().UTC(),
	}
}

// ToolResult 构造工具结果记录。
func ToolResult(callID, capability, content string, failed bool) Message {
	return Message{
		Kind:       KindToolResult,
		CallID:     callID,
		Capability: capability,
		Content:    content,
		Failed:     failed,
		CreatedAt:  time.Now().UTC(),
	}
}
