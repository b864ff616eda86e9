// Package events 向外部投递对话轮次与工具调用事件。投递失败只记录日志，不影响对话。
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type 是事件类型，同时用作 RabbitMQ routing key。
type Type string

const (
	TypeTurnCompleted Type = "turn.completed"
	TypeToolInvoked   Type = "tool.invoked"
)

// Event 是一条对话事件。
type Event struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	ThreadID      string            `json:"thread_id"`
	TurnID        string            `json:"turn_id"`
	Capability    string            `json:"capability,omitempty"`
	CallID        string            `json:"call_id,omitempty"`
	Round         int               `json:"round,omitempty"`
	Succeeded     bool              `json:"succeeded"`
	Code          string            `json:"code,omitempty"`
	Indeterminate bool              `json:"indeterminate,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// New 构造带 ID 与时间戳的事件。
func New(typ Type, threadID, turnID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ThreadID:  threadID,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
	}
}

// Sink 接收事件。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopSink 丢弃所有事件。
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
func (NopSink) Close() error                         { return nil }

// LogSink 把事件写入结构化日志。
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建日志事件输出。
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Publish 记录事件。
func (s *LogSink) Publish(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("thread_id", event.ThreadID),
		slog.String("turn_id", event.TurnID),
		slog.Bool("succeeded", event.Succeeded),
		slog.Int64("duration_ms", event.DurationMS),
	}
	if event.Capability != "" {
		attrs = append(attrs, slog.String("capability", event.Capability), slog.String("call_id", event.CallID))
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", event.Code), slog.Bool("indeterminate", event.Indeterminate))
	}
	s.log.InfoContext(ctx, string(event.Type), attrs...)
	return nil
}

// Close 无需释放资源。
func (s *LogSink) Close() error { return nil }
