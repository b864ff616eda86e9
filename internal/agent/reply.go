package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	xerrors "theta-agents/internal/errors"
)

const systemPrompt = `You are an agent operating Theta Network services on behalf of the user.
Use the provided tools when the request needs them. You may call several tools at once when they do not depend on each other.
When you are done, answer with a single JSON object and nothing else:
{"planning_text": "<your plan for a multi-step task>", "user_facing_text": "<the message shown to the user>"}
Leave planning_text empty for purely conversational turns.
Report tool failures to the user honestly. Never claim a transaction, upload or video succeeded unless a tool result says so.`

// ParseReply 严格解析终止回复。两个字段都缺失、字段不是字符串或内容不是 JSON 对象都视为错误，
// 不会从原文中猜测字段内容。
func ParseReply(content string) (planning, userFacing string, err error) {
	trimmed := strings.TrimSpace(content)
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return "", "", xerrors.New(CodeReplyMalformed, "模型回复不是 JSON 对象",
			xerrors.WithMetadata("raw", truncate(trimmed, 256)))
	}
	if dec.More() {
		return "", "", xerrors.New(CodeReplyMalformed, "模型回复包含多余内容",
			xerrors.WithMetadata("raw", truncate(trimmed, 256)))
	}

	planRaw, hasPlan := fields["planning_text"]
	userRaw, hasUser := fields["user_facing_text"]
	if !hasPlan && !hasUser {
		return "", "", xerrors.New(CodeReplyMalformed, "模型回复缺少 planning_text 与 user_facing_text")
	}
	if hasPlan {
		if planning, err = stringField("planning_text", planRaw); err != nil {
			return "", "", err
		}
	}
	if hasUser {
		if userFacing, err = stringField("user_facing_text", userRaw); err != nil {
			return "", "", err
		}
	}
	return planning, userFacing, nil
}

func stringField(name string, raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", xerrors.New(CodeReplyMalformed, "模型回复字段不是字符串",
			xerrors.WithMetadata("field", name))
	}
	return s, nil
}

// encodeReply 把历史中的终止消息还原成模型约定的输出格式。
func encodeReply(planning, userFacing string) string {
	data, _ := json.Marshal(struct {
		PlanningText   string `json:"planning_text"`
		UserFacingText string `json:"user_facing_text"`
	}{planning, userFacing})
	return string(data)
}

// truncate 截断到最多 n 字节，不拆开多字节字符。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
