//go:build integration

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)
	require.NoError(t, rc.FlushAll(ctx))

	a := NewRedisLocker(rc.Client)
	b := NewRedisLocker(rc.Client)

	la, ok, err := a.TryLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, la.Extend(ctx, 2*time.Minute))
	ttl, err := rc.Client.PTTL(ctx, keyPrefix+"prune").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	require.NoError(t, la.Release(ctx))
	assert.ErrorIs(t, la.Extend(ctx, time.Minute), ErrLost)
	lb, ok, err := b.TryLock(ctx, "prune", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// lb expires and another instance takes over; lb's late release must
	// leave the new holder's token alone
	require.NoError(t, rc.Client.Set(ctx, keyPrefix+"prune", "someone-else", time.Minute).Err())
	require.NoError(t, lb.Release(ctx))
	v, err := rc.Client.Get(ctx, keyPrefix+"prune").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
	assert.ErrorIs(t, lb.Extend(ctx, time.Minute), ErrLost)
}
