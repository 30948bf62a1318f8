package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLocker(client), mr
}

func TestLocker_AcquireRelease(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	require.True(t, locker.Acquire(ctx, "scheduled_task:test:lock", time.Minute))
	// Повторный захват того же ключа должен провалиться.
	assert.False(t, locker.Acquire(ctx, "scheduled_task:test:lock", time.Minute))

	locker.Release(ctx, "scheduled_task:test:lock")
	assert.True(t, locker.Acquire(ctx, "scheduled_task:test:lock", time.Minute))
}

func TestLocker_TTLExpires(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	require.True(t, locker.Acquire(ctx, "lock:ttl", 30*time.Second))
	mr.FastForward(31 * time.Second)
	assert.True(t, locker.Acquire(ctx, "lock:ttl", 30*time.Second))
}

func TestLocker_DegradedAllowWhenKVDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(client)
	mr.Close()

	// KV недоступен — блокировка выдаётся, задачи продолжают работать.
	assert.True(t, locker.Acquire(context.Background(), "lock:down", time.Minute))
}

func TestLocker_WithLockSkipsWhenHeld(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	require.True(t, locker.Acquire(ctx, "lock:busy", time.Minute))

	ran := false
	ok := locker.WithLock(ctx, "lock:busy", time.Minute, func() { ran = true })
	assert.False(t, ok)
	assert.False(t, ran)

	locker.Release(ctx, "lock:busy")
	ok = locker.WithLock(ctx, "lock:busy", time.Minute, func() { ran = true })
	assert.True(t, ok)
	assert.True(t, ran)
}
