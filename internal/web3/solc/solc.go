// Package solc compiles Solidity source by invoking the solc binary and
// parsing its combined-json output.
package solc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/compiler"

	xerrors "theta-agents/internal/errors"
)

const CodeCompileFailed xerrors.Code = "SOLC_COMPILE_FAILED"

func init() {
	xerrors.Register(CodeCompileFailed, xerrors.Attributes{
		Message:  "solidity compilation failed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryWorkflowStage,
	})
}

const defaultTimeout = 60 * time.Second

// Compiler 通过子进程调用 solc。
type Compiler struct {
	executable string
	timeout    time.Duration
}

// New 创建编译器，executable 为空时使用 PATH 中的 solc。
func New(executable string, timeout time.Duration) *Compiler {
	if strings.TrimSpace(executable) == "" {
		executable = "solc"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Compiler{executable: executable, timeout: timeout}
}

// Compile 从标准输入编译源码，返回以 "<stdin>:Name" 为键的合约集合。
func (c *Compiler) Compile(ctx context.Context, source string) (map[string]*compiler.Contract, error) {
	if strings.TrimSpace(source) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "合约源码不能为空")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	command := exec.CommandContext(ctx, c.executable, "--combined-json", "abi,bin", "-")
	command.Stdin = strings.NewReader(source)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if coded := xerrors.FromContext(ctx.Err(), "solc 编译超时"); coded != nil {
			return nil, coded
		}
		return nil, xerrors.Wrap(CodeCompileFailed, err,
			fmt.Sprintf("执行 solc 失败: %s", strings.TrimSpace(stderr.String())))
	}

	contracts, err := compiler.ParseCombinedJSON(stdout.Bytes(), source, "", "", "")
	if err != nil {
		return nil, xerrors.Wrap(CodeCompileFailed, err, "解析 solc 输出失败")
	}
	return contracts, nil
}
