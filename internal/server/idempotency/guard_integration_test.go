//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisGuard(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)
	require.NoError(t, rc.FlushAll(ctx))

	g := NewRedisGuard(rc.Client, time.Minute)

	ok, err := g.Claim(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	other := NewRedisGuard(rc.Client, time.Minute)
	ok, err = other.Claim(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok, "claims are shared between instances")

	ttl, err := rc.Client.TTL(ctx, keyPrefix+"tok").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, g.Release(ctx, "tok"))
	ok, err = other.Claim(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)
}
