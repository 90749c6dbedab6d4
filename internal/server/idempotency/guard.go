// Package idempotency short-circuits repeated submissions of the same
// client token within a bounded window. The database unique index stays the
// source of truth; a guard only saves the round-trip.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is how long a claimed token is remembered.
const DefaultWindow = 24 * time.Hour

const keyPrefix = "gophvault:idem:"

type Guard interface {
	// Claim reserves token for the window. It returns false when the token
	// was already claimed.
	Claim(ctx context.Context, token string) (bool, error)
	// Release forgets token so a failed submission can be retried.
	Release(ctx context.Context, token string) error
}

// RedisGuard shares claims across instances with SET NX.
type RedisGuard struct {
	client *redis.Client
	window time.Duration
}

func NewRedisGuard(client *redis.Client, window time.Duration) *RedisGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisGuard{client: client, window: window}
}

func (g *RedisGuard) Claim(ctx context.Context, token string) (bool, error) {
	return g.client.SetNX(ctx, keyPrefix+token, "1", g.window).Result()
}

func (g *RedisGuard) Release(ctx context.Context, token string) error {
	return g.client.Del(ctx, keyPrefix+token).Err()
}

// MemoryGuard is a single-process Guard for tests and local runs.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewMemoryGuard(window time.Duration) *MemoryGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryGuard{claims: make(map[string]time.Time), window: window, now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, token string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if exp, ok := g.claims[token]; ok && now.Before(exp) {
		return false, nil
	}
	g.claims[token] = now.Add(g.window)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, token)
	return nil
}
