package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"theta-agents/internal/agent"
	"theta-agents/internal/api"
	"theta-agents/internal/capability"
	"theta-agents/internal/config"
	"theta-agents/internal/telemetry"
	"theta-agents/internal/tools"
	"theta-agents/pkg/logger"
)

// main 是 theta-agents 进程的入口：默认启动 HTTP 服务，`chat` 子命令进入交互模式。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	if err := run(ctx, mode); err != nil {
		log.Fatalf("theta-agents 运行失败: %v", err)
	}
}

func run(ctx context.Context, mode string) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	logger.L().Info("配置加载完成",
		slog.String("source", cfg.Source),
		slog.Any("capabilities", cfg.CapabilityNames()))

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.L().Warn("关闭遥测导出失败", slog.String("error", err.Error()))
		}
	}()

	model, err := newModel(cfg)
	if err != nil {
		return err
	}
	store, err := newStore(ctx, cfg.Memory)
	if err != nil {
		return err
	}
	defer store.Close()
	sink, err := newSink(cfg.Events)
	if err != nil {
		return err
	}
	defer sink.Close()

	registry := capability.NewRegistry(cfg)
	toolset := tools.New(cfg, registry)
	ag := agent.New(model, toolset, store,
		agent.WithMaxToolRounds(cfg.Agent.MaxToolRounds),
		agent.WithParallelTools(cfg.Agent.ParallelTools, cfg.Agent.MaxParallelTools),
		agent.WithPersona(cfg.Agent.Persona),
		agent.WithDefaultThread(cfg.Agent.ThreadID),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout),
		agent.WithTurnTimeout(cfg.Agent.TurnTimeout),
		agent.WithEventSink(sink),
	)

	switch mode {
	case "serve":
		server := api.NewServer(cfg.Server.Address, ag,
			api.WithRegistry(registry),
			api.WithAuthToken(cfg.Server.AuthToken),
			api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		)
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case "chat":
		return chat(ctx, ag, os.Stdin, os.Stdout)
	default:
		return fmt.Errorf("未知的子命令: %s（可用: serve, chat）", mode)
	}
}

// chat 逐行读取输入并在默认线程上执行对话。
func chat(ctx context.Context, ag *agent.Agent, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "线程 %s，输入 exit 退出。\n", ag.DefaultThread())
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := ag.Turn(ctx, "", line)
		switch {
		case reply == nil:
			fmt.Fprintf(out, "错误: %v\n", err)
		case reply.Error != nil:
			fmt.Fprintf(out, "错误 [%s]: %s\n", reply.Error.Code, reply.Error.Message)
		default:
			fmt.Fprintln(out, reply.UserFacingText)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
