package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestTickLock_FirstClaimWins(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewTickLock(client, zap.NewNop())
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "dispatch", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}
}

func TestTickLock_SecondClaimInWindowLoses(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewTickLock(client, zap.NewNop())
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, "dispatch", time.Minute); !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err := lock.Acquire(ctx, "dispatch", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("second claim inside the window should lose")
	}
}

func TestTickLock_ClaimableAfterWindowExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewTickLock(client, zap.NewNop())
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, "retry", time.Minute); !ok {
		t.Fatal("first claim should succeed")
	}

	mr.FastForward(61 * time.Second)

	ok, err := lock.Acquire(ctx, "retry", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("claim after window expiry should succeed")
	}
}

func TestTickLock_NamesAreIndependent(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewTickLock(client, zap.NewNop())
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, "dispatch", time.Minute); !ok {
		t.Fatal("dispatch claim should succeed")
	}
	if ok, _ := lock.Acquire(ctx, "retry", time.Minute); !ok {
		t.Fatal("retry claim should be independent of dispatch")
	}
}
