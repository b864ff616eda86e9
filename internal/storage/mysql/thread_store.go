package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/memory"
)

const (
	insertMessageSQL = `INSERT INTO thread_messages (thread_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`
	selectThreadSQL  = `SELECT payload FROM thread_messages WHERE thread_id = ? ORDER BY id ASC`
)

// ThreadStore 使用 MySQL 持久化会话线程。
type ThreadStore struct {
	db *sql.DB
}

var _ memory.Store = (*ThreadStore)(nil)

// NewThreadStore 连接数据库并执行迁移。
func NewThreadStore(ctx context.Context, cfg Config) (*ThreadStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &ThreadStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Load 按写入顺序读取线程消息。
func (s *ThreadStore) Load(ctx context.Context, threadID string) ([]memory.Message, error) {
	if err := memory.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectThreadSQL, threadID)
	if err != nil {
		return nil, storageError(ctx, err, "查询线程消息失败", threadID)
	}
	defer rows.Close()

	var msgs []memory.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, storageError(ctx, err, "读取线程消息失败", threadID)
		}
		var msg memory.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析线程消息失败",
				xerrors.WithMetadata("thread_id", threadID))
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(ctx, err, "遍历线程消息失败", threadID)
	}
	return msgs, nil
}

// Append 在一个事务内写入多条消息。
func (s *ThreadStore) Append(ctx context.Context, threadID string, msgs ...memory.Message) error {
	if err := memory.ValidateThreadID(threadID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(ctx, err, "开启事务失败", threadID)
	}
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化线程消息失败")
		}
		if _, err := tx.ExecContext(ctx, insertMessageSQL, threadID, string(msg.Kind), payload, msg.CreatedAt.UnixMilli()); err != nil {
			tx.Rollback()
			return storageError(ctx, err, "写入线程消息失败", threadID)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError(ctx, err, "提交线程消息失败", threadID)
	}
	return nil
}

// Close 关闭连接池。
func (s *ThreadStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageError(ctx context.Context, err error, msg, threadID string) error {
	if coded := xerrors.FromContext(ctx.Err(), msg); coded != nil {
		return coded
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg, xerrors.WithMetadata("thread_id", threadID))
}
