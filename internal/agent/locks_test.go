package agent

import (
	"context"
	"testing"
	"time"
)

func TestThreadLockHonorsContext(t *testing.T) {
	locks := newThreadLocks()
	release, err := locks.acquire(context.Background(), "t")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.acquire(ctx, "t"); err == nil {
		t.Fatalf("expected second acquire to time out")
	}

	other, err := locks.acquire(context.Background(), "u")
	if err != nil {
		t.Fatalf("other thread should not block: %v", err)
	}
	other()
	release()

	if n := len(locks.locks); n != 0 {
		t.Fatalf("expected lock table to be empty, got %d", n)
	}
}
