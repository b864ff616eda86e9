// Package bridge 通过外部进程驱动大模型，便于接入自定义推理脚本。
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/llm"
)

// Client 通过调用外部脚本实现大模型推理。请求以 JSON 写入 stdin，回复从 stdout 读取。
type Client struct {
	executable string
	scriptPath string
	workingDir string
}

// NewClient 创建进程桥客户端。
func NewClient(executable, scriptPath, workingDir string) (*Client, error) {
	if strings.TrimSpace(scriptPath) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未指定模型桥脚本路径")
	}
	if executable == "" {
		executable = "python3"
	}
	return &Client{
		executable: executable,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Complete 调用外部脚本，并解析输出。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.executable, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "模型桥执行超时或被取消"); coded != nil {
			return nil, coded
		}
		return nil, xerrors.Wrap(llm.CodeModelUnavailable, err,
			fmt.Sprintf("执行模型桥脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var resp llm.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeModelMalformed, err, "解析模型桥输出失败")
	}
	for i := range resp.ToolCalls {
		if len(resp.ToolCalls[i].Arguments) == 0 {
			resp.ToolCalls[i].Arguments = json.RawMessage("{}")
		}
	}
	return &resp, nil
}
