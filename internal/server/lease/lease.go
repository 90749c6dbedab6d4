// Package lease provides a named, expiring mutual-exclusion lock used to
// keep periodic jobs single-flight across instances.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gophvault:lease:"

// ErrLost is returned by Extend when the lease expired or changed hands.
var ErrLost = errors.New("lease lost")

// Lock is a held lease. Release is safe to call more than once.
type Lock struct {
	Name    string
	token   string
	release func(ctx context.Context, token string) error
	extend  func(ctx context.Context, token string, ttl time.Duration) (bool, error)
	once    sync.Once
	err     error
}

func (l *Lock) Release(ctx context.Context) error {
	l.once.Do(func() { l.err = l.release(ctx, l.token) })
	return l.err
}

// Extend pushes the expiry to ttl from now while the lease is still ours.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	ok, err := l.extend(ctx, l.token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	return nil
}

type Locker interface {
	// TryLock acquires name for ttl. It returns false without error when
	// another holder owns the lease.
	TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error)
}

// releaseScript deletes the key only if we still own it, so an expired
// lease re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	key := keyPrefix + name
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{
		Name:  name,
		token: token,
		release: func(ctx context.Context, token string) error {
			return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		},
		extend: func(ctx context.Context, token string, ttl time.Duration) (bool, error) {
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
			return n == 1, err
		},
	}, true, nil
}

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	owners map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{owners: make(map[string]memoryLease), now: time.Now}
}

func (m *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.owners[name]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.owners[name] = memoryLease{token: token, expires: now.Add(ttl)}
	return &Lock{
		Name:  name,
		token: token,
		release: func(_ context.Context, token string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.owners[name]; ok && cur.token == token {
				delete(m.owners, name)
			}
			return nil
		},
		extend: func(_ context.Context, token string, ttl time.Duration) (bool, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			now := m.now()
			cur, ok := m.owners[name]
			if !ok || cur.token != token || !now.Before(cur.expires) {
				return false, nil
			}
			m.owners[name] = memoryLease{token: token, expires: now.Add(ttl)}
			return true, nil
		},
	}, true, nil
}
