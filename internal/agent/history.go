package agent

import (
	"theta-agents/internal/llm"
	"theta-agents/internal/memory"
)

// buildMessages 把线程历史转换成模型消息。连续的工具调用合并为一条带 tool_calls 的
// assistant 消息；没有对应结果的调用和没有对应调用的结果会被丢弃，
// 以免中断过的轮次让请求不合法。
func buildMessages(history []memory.Message) []llm.Message {
	invoked := make(map[string]bool)
	answered := make(map[string]bool)
	for _, m := range history {
		switch m.Kind {
		case memory.KindToolInvocation:
			invoked[m.CallID] = true
		case memory.KindToolResult:
			answered[m.CallID] = true
		}
	}

	out := make([]llm.Message, 0, len(history))
	var pending *llm.Message
	flush := func() {
		if pending != nil {
			out = append(out, *pending)
			pending = nil
		}
	}

	for _, m := range history {
		if m.Kind != memory.KindToolInvocation {
			flush()
		}
		switch m.Kind {
		case memory.KindUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Text})
		case memory.KindAgent:
			if m.PlanningText == "" && m.UserFacingText == "" {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: encodeReply(m.PlanningText, m.UserFacingText)})
		case memory.KindToolInvocation:
			if !answered[m.CallID] {
				continue
			}
			if pending == nil {
				pending = &llm.Message{Role: llm.RoleAssistant}
			}
			if pending.Content == "" {
				pending.Content = m.Text
			}
			args := m.Arguments
			if len(args) == 0 {
				args = []byte("{}")
			}
			pending.ToolCalls = append(pending.ToolCalls, llm.ToolCall{ID: m.CallID, Name: m.Capability, Arguments: args})
		case memory.KindToolResult:
			if !invoked[m.CallID] {
				continue
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.CallID,
				Name:       m.Capability,
			})
		}
	}
	flush()
	return out
}
