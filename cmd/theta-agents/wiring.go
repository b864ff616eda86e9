package main

import (
	"context"
	"fmt"

	"theta-agents/internal/config"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/events"
	"theta-agents/internal/llm"
	"theta-agents/internal/llm/bridge"
	"theta-agents/internal/llm/openai"
	"theta-agents/internal/memory"
	"theta-agents/internal/storage/mysql"
	"theta-agents/internal/storage/redis"
	"theta-agents/pkg/logger"
)

// newModel 按 provider 创建大模型客户端。
func newModel(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.Endpoint,
			Model:   cfg.LLM.ModelName,
			Timeout: cfg.LLM.Timeout,
		})
	case "bridge":
		b := cfg.LLM.Bridge
		return bridge.NewClient(b.Executable, b.ScriptPath, b.WorkingDir)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的大模型 provider: %s", cfg.LLM.Provider))
	}
}

// newStore 按 driver 创建线程存储。
func newStore(ctx context.Context, cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewMemoryStore(), nil
	case "redis":
		return redis.NewThreadStore(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
	case "mysql":
		return mysql.NewThreadStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的线程存储驱动: %s", cfg.Driver))
	}
}

// newSink 按 driver 创建事件输出。
func newSink(cfg config.EventsConfig) (events.Sink, error) {
	switch cfg.Driver {
	case "", "log":
		return events.NewLogSink(logger.Named("events")), nil
	case "none":
		return events.NopSink{}, nil
	case "rabbitmq":
		return events.NewRabbitMQSink(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的事件驱动: %s", cfg.Driver))
	}
}
