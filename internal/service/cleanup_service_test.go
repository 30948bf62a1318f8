package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messageSweeperStub struct {
	cutoff  time.Time
	deleted int64
	err     error
}

func (s *messageSweeperStub) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, s.err
}

type notificationSweeperStub struct {
	cutoff  time.Time
	deleted int64
}

func (s *notificationSweeperStub) DeleteReadOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, nil
}

type storageSweeperStub struct {
	orphans  int
	tempDirs int
}

func (s *storageSweeperStub) SweepOrphans(maxAge time.Duration, cap int) (int, error) {
	s.orphans++
	return 0, nil
}

func (s *storageSweeperStub) SweepTempDirs(maxAge time.Duration) (int, error) {
	s.tempDirs++
	return 0, nil
}

func TestDailyCleanup_AppliesRetentionCutoffs(t *testing.T) {
	messages := &messageSweeperStub{deleted: 3}
	notifications := &notificationSweeperStub{deleted: 5}
	storage := &storageSweeperStub{}
	svc := NewCleanupService(messages, notifications, storage, nil)

	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	svc.DailyCleanup(context.Background())

	assert.Equal(t, now.Add(-180*24*time.Hour), messages.cutoff)
	assert.Equal(t, now.Add(-90*24*time.Hour), notifications.cutoff)
	assert.Equal(t, 1, storage.orphans)
	assert.Equal(t, 1, storage.tempDirs)
}

func TestDailyCleanup_StepFailureDoesNotStopOthers(t *testing.T) {
	messages := &messageSweeperStub{err: errors.New("db down")}
	notifications := &notificationSweeperStub{}
	storage := &storageSweeperStub{}
	svc := NewCleanupService(messages, notifications, storage, nil)

	svc.DailyCleanup(context.Background())

	assert.False(t, notifications.cutoff.IsZero())
	assert.Equal(t, 1, storage.orphans)
}

func TestSessionGC_RemovesOnlyKeysWithoutTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	svc := NewCleanupService(nil, nil, nil, rdb)
	ctx := context.Background()

	// Ключ без TTL — утечка, ключ с TTL — штатная сессия.
	require.NoError(t, rdb.Set(ctx, "session:user:leaked", "x", 0).Err())
	require.NoError(t, rdb.Set(ctx, "session:user:alive", "x", time.Hour).Err())
	require.NoError(t, rdb.Set(ctx, "webhook_event:evt_1", "x", 0).Err())

	svc.DailyCleanup(ctx)

	assert.False(t, mr.Exists("session:user:leaked"))
	assert.True(t, mr.Exists("session:user:alive"))
	assert.True(t, mr.Exists("webhook_event:evt_1"))
}
