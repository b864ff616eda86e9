package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"

	xerrors "theta-agents/internal/errors"
)

// Store 持久化会话线程。同一线程的并发写入由调用方串行化。
type Store interface {
	Load(ctx context.Context, threadID string) ([]Message, error)
	Append(ctx context.Context, threadID string, msgs ...Message) error
	Close() error
}

// MemoryStore 在进程内保存线程，适用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]Message
}

// NewMemoryStore 创建空的进程内存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]Message)}
}

// Load 返回线程消息的副本，未知线程返回空列表。
func (s *MemoryStore) Load(ctx context.Context, threadID string) ([]Message, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.FromContext(err, "读取线程被取消")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.threads[threadID]...), nil
}

// Append 追加消息。
func (s *MemoryStore) Append(ctx context.Context, threadID string, msgs ...Message) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return xerrors.FromContext(err, "写入线程被取消")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], msgs...)
	return nil
}

// Close 无需释放资源。
func (s *MemoryStore) Close() error { return nil }

// ValidateThreadID 校验线程标识。
func ValidateThreadID(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "线程 ID 不能为空")
	}
	if len(threadID) > 64 {
		return xerrors.New(xerrors.CodeInvalidArgument, "线程 ID 过长",
			xerrors.WithMetadata("length", strconv.Itoa(len(threadID))))
	}
	return nil
}
