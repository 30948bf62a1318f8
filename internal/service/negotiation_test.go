package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitask/unitask-backend/internal/pkg/apperror"
)

func newTokenStore(t *testing.T) (*NegotiationTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewNegotiationTokenStore(rdb), mr
}

func TestNegotiationToken_IssueAndConsume(t *testing.T) {
	store, _ := newTokenStore(t)
	ctx := context.Background()

	acceptToken, rejectToken, err := store.Issue(ctx, 1, 5, "U2")
	require.NoError(t, err)
	assert.NotEqual(t, acceptToken, rejectToken)

	claim, err := store.Consume(ctx, acceptToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claim.TaskID)
	assert.Equal(t, int64(5), claim.ApplicationID)
	assert.Equal(t, "U2", claim.UserID)
	assert.Equal(t, "accept", claim.Action)

	claim, err = store.Consume(ctx, rejectToken)
	require.NoError(t, err)
	assert.Equal(t, "reject", claim.Action)
}

func TestNegotiationToken_SingleUse(t *testing.T) {
	store, _ := newTokenStore(t)
	ctx := context.Background()

	acceptToken, _, err := store.Issue(ctx, 1, 5, "U2")
	require.NoError(t, err)

	_, err = store.Consume(ctx, acceptToken)
	require.NoError(t, err)

	_, err = store.Consume(ctx, acceptToken)
	assert.True(t, apperror.IsUnauthorized(err))
}

func TestNegotiationToken_Expires(t *testing.T) {
	store, mr := newTokenStore(t)
	ctx := context.Background()

	acceptToken, _, err := store.Issue(ctx, 1, 5, "U2")
	require.NoError(t, err)

	mr.FastForward(6 * time.Minute)

	_, err = store.Consume(ctx, acceptToken)
	assert.True(t, apperror.IsUnauthorized(err))
}

func TestNegotiationToken_UnknownTokenRejected(t *testing.T) {
	store, _ := newTokenStore(t)

	_, err := store.Consume(context.Background(), "bogus")
	assert.True(t, apperror.IsUnauthorized(err))
}
