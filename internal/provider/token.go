package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenSkew renews tokens slightly before they expire
const tokenSkew = 30 * time.Second

// CachedToken is an OAuth2 bearer token and its expiry
type CachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used at now
func (t *CachedToken) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Add(tokenSkew).Before(t.ExpiresAt)
}

// tokenCache shares one token between concurrent callers. A refresh in
// progress is joined, never duplicated.
type tokenCache struct {
	mu      sync.Mutex
	token   *CachedToken
	group   singleflight.Group
	fetch   func(ctx context.Context) (*CachedToken, error)
	timeout time.Duration
	now     func() time.Time
}

func newTokenCache(timeout time.Duration, fetch func(ctx context.Context) (*CachedToken, error)) *tokenCache {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &tokenCache{fetch: fetch, timeout: timeout, now: time.Now}
}

// Token returns a valid bearer token, fetching one if needed
func (c *tokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token.Valid(c.now()) {
		tok := c.token.AccessToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan("token", func() (interface{}, error) {
		c.mu.Lock()
		if c.token.Valid(c.now()) {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()

		// the refresh is shared, so it outlives the caller that started it
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		tok, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*CachedToken).AccessToken, nil
	}
}

// Invalidate drops the cached token so the next call fetches a new one
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}
