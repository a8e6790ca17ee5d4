package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// redisLocker connects to BARCLAMP_TEST_REDIS_ADDR or skips.
func redisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	addr := os.Getenv("BARCLAMP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BARCLAMP_TEST_REDIS_ADDR not set")
	}

	l := NewRedisLocker(RedisConfig{
		Address:       addr,
		KeyPrefix:     "barclamp:test:" + uuid.NewString() + ":",
		TTL:           5 * time.Second,
		RetryInterval: 5 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return l
}

func TestRedisLocker_Exclusion(t *testing.T) {
	l := redisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "nova_default")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "nova_default"); err == nil {
		t.Fatal("second Lock() acquired a held key")
	}

	other, err := l.Lock(ctx, "glance_default")
	if err != nil {
		t.Fatalf("Lock(other key) error = %v", err)
	}
	other()

	unlock()
	again, err := l.Lock(ctx, "nova_default")
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	again()
}
