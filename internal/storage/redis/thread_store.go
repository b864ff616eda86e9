package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/memory"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// ThreadStore 使用 Redis list 保存会话线程。
type ThreadStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ memory.Store = (*ThreadStore)(nil)

// NewThreadStore 创建 Redis 线程存储并检查连通性。
func NewThreadStore(ctx context.Context, cfg Config) (*ThreadStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewThreadStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewThreadStoreWithClient 复用已有客户端。
func NewThreadStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *ThreadStore {
	if prefix == "" {
		prefix = "theta:threads:"
	}
	return &ThreadStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *ThreadStore) key(threadID string) string {
	return s.prefix + threadID
}

// Load 读取整个线程。
func (s *ThreadStore) Load(ctx context.Context, threadID string) ([]memory.Message, error) {
	if err := memory.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	values, err := s.client.LRange(ctx, s.key(threadID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storageError(ctx, err, "Redis 读取线程失败", threadID)
	}
	msgs := make([]memory.Message, 0, len(values))
	for _, raw := range values {
		var msg memory.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析线程消息失败",
				xerrors.WithMetadata("thread_id", threadID))
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Append 原子地追加消息并刷新过期时间。
func (s *ThreadStore) Append(ctx context.Context, threadID string, msgs ...memory.Message) error {
	if err := memory.ValidateThreadID(threadID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化线程消息失败")
		}
		values = append(values, encoded)
	}

	key := s.key(threadID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return storageError(ctx, err, "Redis 写入线程失败", threadID)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *ThreadStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func storageError(ctx context.Context, err error, msg, threadID string) error {
	if coded := xerrors.FromContext(ctx.Err(), msg); coded != nil {
		return coded
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg,
		xerrors.WithMetadata("thread_id", threadID), xerrors.WithRetryable(true))
}
