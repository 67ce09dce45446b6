package credentials

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultClaimsCacheTTL is how long LoadClaims results are kept.
const DefaultClaimsCacheTTL = time.Minute

// ClaimsCache caches LoadClaims results of the wrapped store. Concurrent
// misses for one subject share a single load. Verify is never cached.
//
// The shared load is detached from the context of the caller that started
// it and bounded by its own timeout instead, so one caller giving up does
// not fail the others waiting on the same subject.
type ClaimsCache struct {
	store   Store
	cache   *gocache.Cache
	sf      singleflight.Group
	timeout time.Duration
}

var _ Store = (*ClaimsCache)(nil)

// NewClaimsCache wraps store. A zero ttl uses DefaultClaimsCacheTTL.
func NewClaimsCache(store Store, ttl time.Duration) *ClaimsCache {
	if ttl <= 0 {
		ttl = DefaultClaimsCacheTTL
	}
	return &ClaimsCache{
		store:   store,
		cache:   gocache.New(ttl, 2*ttl),
		timeout: DefaultTimeout,
	}
}

// SetLoadTimeout bounds each shared load. A zero timeout uses DefaultTimeout.
func (c *ClaimsCache) SetLoadTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.timeout = timeout
}

// Verify implements Store.
func (c *ClaimsCache) Verify(ctx context.Context, username, password string) (*Subject, error) {
	return c.store.Verify(ctx, username, password)
}

// LoadClaims implements Store. Callers receive a copy they may modify. A
// caller whose ctx ends stops waiting; the shared load carries on for the
// rest.
func (c *ClaimsCache) LoadClaims(ctx context.Context, subjectID string) (Claims, error) {
	if v, ok := c.cache.Get(subjectID); ok {
		return v.(Claims).Clone(), nil
	}
	ch := c.sf.DoChan(subjectID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		claims, err := c.store.LoadClaims(lctx, subjectID)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(subjectID, claims)
		return claims, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Claims).Clone(), nil
	}
}

// Invalidate drops the cached claims of subjectID.
func (c *ClaimsCache) Invalidate(subjectID string) {
	c.cache.Delete(subjectID)
}

// Len returns the number of cached subjects.
func (c *ClaimsCache) Len() int {
	return c.cache.ItemCount()
}
