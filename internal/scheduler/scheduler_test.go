package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/distlock"
	"github.com/unitask/unitask-backend/internal/logger"
)

func init() {
	logger.Init("error")
}

func newScheduler(t *testing.T) (*Scheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(distlock.NewLocker(rdb)), mr
}

func findStats(t *testing.T, s *Scheduler, name string) JobStats {
	t.Helper()
	for _, st := range s.Stats() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("нет статистики задачи %q", name)
	return JobStats{}
}

func TestRunJob_CountsRunsAndErrors(t *testing.T) {
	s, _ := newScheduler(t)

	s.Register("sweep", time.Minute, 30*time.Second, func(ctx context.Context) error { return nil })

	s.runJob("sweep", 30*time.Second, func(ctx context.Context) error { return nil })
	s.runJob("sweep", 30*time.Second, func(ctx context.Context) error {
		return errors.New("boom")
	})

	st := findStats(t, s, "sweep")
	assert.Equal(t, int64(2), st.RunCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, int64(0), st.SkippedCount)
	assert.False(t, st.LastRun.IsZero())
}

func TestRunJob_SkipsWhenPeerHoldsLock(t *testing.T) {
	s, mr := newScheduler(t)

	s.Register("sweep", time.Minute, 30*time.Second, func(ctx context.Context) error { return nil })

	// Блокировку держит другая реплика.
	require.NoError(t, mr.Set("scheduled_task:sweep:lock", "1"))

	ran := false
	s.runJob("sweep", 30*time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.False(t, ran)
	st := findStats(t, s, "sweep")
	assert.Equal(t, int64(0), st.RunCount)
	assert.Equal(t, int64(1), st.SkippedCount)
}

func TestRunJob_ReleasesLockAfterRun(t *testing.T) {
	s, mr := newScheduler(t)

	s.Register("sweep", time.Minute, 30*time.Second, func(ctx context.Context) error { return nil })
	s.runJob("sweep", 30*time.Second, func(ctx context.Context) error { return nil })

	assert.False(t, mr.Exists("scheduled_task:sweep:lock"))

	// Следующий тик снова проходит.
	s.runJob("sweep", 30*time.Second, func(ctx context.Context) error { return nil })
	st := findStats(t, s, "sweep")
	assert.Equal(t, int64(2), st.RunCount)
}

func TestLocker_DegradesOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := distlock.NewLocker(rdb)
	mr.Close()

	assert.True(t, locker.Acquire(context.Background(), "scheduled_task:sweep:lock", time.Minute))
}

func TestStats_SnapshotIsDetached(t *testing.T) {
	s, _ := newScheduler(t)
	s.Register("a", time.Minute, time.Minute, func(ctx context.Context) error { return nil })
	s.Register("b", time.Hour, time.Minute, func(ctx context.Context) error { return nil })

	snap := s.Stats()
	require.Len(t, snap, 2)
	snap[0].RunCount = 99

	for _, st := range s.Stats() {
		assert.Equal(t, int64(0), st.RunCount)
	}
}
