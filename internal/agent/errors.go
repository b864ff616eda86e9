package agent

import xerrors "theta-agents/internal/errors"

const (
	// CodeReplyMalformed 模型的终止回复不是约定的 JSON 结构。
	CodeReplyMalformed xerrors.Code = "AGENT_REPLY_MALFORMED"
	// CodeToolRoundsExceeded 单轮对话内的工具调度轮次超过上限。
	CodeToolRoundsExceeded xerrors.Code = "TOOL_ROUNDS_EXCEEDED"
)

func init() {
	xerrors.Register(CodeReplyMalformed, xerrors.Attributes{
		Message:  "agent reply malformed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryParse,
	})
	xerrors.Register(CodeToolRoundsExceeded, xerrors.Attributes{
		Message:  "tool rounds exceeded",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
	})
}
