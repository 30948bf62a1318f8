package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client), mr
}

type taskSummary struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func TestKey_ShortAndHashed(t *testing.T) {
	assert.Equal(t, "user:U123", Key("user", "U123"))

	long := Key("tasks", strings.Repeat("x", 80))
	assert.True(t, strings.HasPrefix(long, "tasks:"))
	// type + двоеточие + 16 hex символов MD5
	assert.Len(t, long, len("tasks:")+16)
}

func TestCache_SetGetTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "task_detail:1", taskSummary{ID: 1, Title: "Move boxes"}, time.Minute)

	var got taskSummary
	require.True(t, c.Get(ctx, "task_detail:1", &got))
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "Move boxes", got.Title)

	mr.FastForward(2 * time.Minute)
	assert.False(t, c.Get(ctx, "task_detail:1", &got))
}

func TestCache_DeletePattern(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "tasks:list:v1:open", []int64{1, 2}, time.Minute)
	c.Set(ctx, "tasks:list:v1:done", []int64{3}, time.Minute)
	c.Set(ctx, "user:U1", taskSummary{ID: 9}, time.Minute)

	c.DeletePattern(ctx, "tasks:list:*")

	var ids []int64
	assert.False(t, c.Get(ctx, "tasks:list:v1:open", &ids))
	assert.False(t, c.Get(ctx, "tasks:list:v1:done", &ids))

	var u taskSummary
	assert.True(t, c.Get(ctx, "user:U1", &u))
}

func TestCache_VersionedNamespace(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	k1 := c.VersionedKey(ctx, "tasks:list", "open")
	assert.Equal(t, "tasks:list:v1:open", k1)

	c.Set(ctx, k1, []int64{1}, time.Minute)
	c.BumpVersion(ctx, "tasks:list")

	k2 := c.VersionedKey(ctx, "tasks:list", "open")
	assert.NotEqual(t, k1, k2)

	var ids []int64
	assert.False(t, c.Get(ctx, k2, &ids))
}

func TestCache_GetOrSet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	compute := func() (interface{}, error) {
		calls++
		return taskSummary{ID: 7, Title: "Tutor math"}, nil
	}

	var got taskSummary
	require.NoError(t, c.GetOrSet(ctx, "task_detail:7", time.Minute, &got, compute))
	require.NoError(t, c.GetOrSet(ctx, "task_detail:7", time.Minute, &got, compute))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "Tutor math", got.Title)
}

func TestCache_CorruptEntryIsDropped(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("task_detail:5", "\x00not-json"))

	var got taskSummary
	assert.False(t, c.Get(ctx, "task_detail:5", &got))
	// Повреждённая запись удалена, промах в следующий раз чистый.
	assert.False(t, mr.Exists("task_detail:5"))
}
