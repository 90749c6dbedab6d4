package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
)

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every call to next. A call that hits the deadline or
// is cancelled fails with common.ErrKeyUnavailable.
func WithTimeout(next Provider, timeout time.Duration) Provider {
	return &timeoutProvider{next: next, timeout: timeout}
}

func (p *timeoutProvider) translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", common.ErrKeyUnavailable, err)
	}
	return err
}

func (p *timeoutProvider) CurrentKey(ctx context.Context) (uint32, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	v, key, err := p.next.CurrentKey(ctx)
	if err = p.translate(ctx, err); err != nil {
		return 0, nil, err
	}
	return v, key, nil
}

func (p *timeoutProvider) KeyByVersion(ctx context.Context, version uint32) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	key, err := p.next.KeyByVersion(ctx, version)
	if err = p.translate(ctx, err); err != nil {
		return nil, err
	}
	return key, nil
}

// CachedProvider memoizes key versions, which are immutable once issued,
// and the current version for a short TTL so rotations are picked up.
type CachedProvider struct {
	next       Provider
	currentTTL time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	byVersion  map[uint32][]byte
	current    uint32
	currentExp time.Time
}

// Cached wraps next with a key cache.
func Cached(next Provider, currentTTL time.Duration) *CachedProvider {
	return &CachedProvider{
		next:       next,
		currentTTL: currentTTL,
		now:        time.Now,
		byVersion:  make(map[uint32][]byte),
	}
}

func (c *CachedProvider) CurrentKey(ctx context.Context) (uint32, []byte, error) {
	c.mu.RLock()
	if c.current != 0 && c.now().Before(c.currentExp) {
		v, key := c.current, c.byVersion[c.current]
		c.mu.RUnlock()
		return v, key, nil
	}
	c.mu.RUnlock()

	v, key, err := c.next.CurrentKey(ctx)
	if err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	c.byVersion[v] = key
	c.current = v
	c.currentExp = c.now().Add(c.currentTTL)
	c.mu.Unlock()
	return v, key, nil
}

func (c *CachedProvider) KeyByVersion(ctx context.Context, version uint32) ([]byte, error) {
	c.mu.RLock()
	key, ok := c.byVersion[version]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := c.next.KeyByVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byVersion[version] = key
	c.mu.Unlock()
	return key, nil
}
