package agent

import (
	"context"
	"sync"
)

// threadLocks 串行化同一线程上的轮次，不同线程互不阻塞。
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire 阻塞直到获得线程锁或 ctx 结束。返回的函数用于释放。
func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[threadID]
	if !ok {
		lock = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[threadID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			l.release(threadID, lock)
		}, nil
	case <-ctx.Done():
		l.release(threadID, lock)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) release(threadID string, lock *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, threadID)
	}
}
