package mediaproviders

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTokenMargin is how long before expiry a cached token is refreshed.
const DefaultTokenMargin = 60 * time.Second

// TokenFetcher obtains a fresh token and its lifetime.
type TokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenCache keeps one short-lived token in memory and refreshes it before it expires.
// Concurrent callers share a single refresh.
type TokenCache struct {
	fetch  TokenFetcher
	margin time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewTokenCache creates a cache that refreshes once now+margin reaches the token's expiry.
func NewTokenCache(fetch TokenFetcher, margin time.Duration) *TokenCache {
	if margin < 0 {
		margin = 0
	}
	return &TokenCache{fetch: fetch, margin: margin, now: time.Now}
}

func (t *TokenCache) fresh() bool {
	return t.token != "" && t.now().Add(t.margin).Before(t.expiresAt)
}

// Get returns the cached token, fetching a new one when it is missing or about to expire.
func (t *TokenCache) Get(ctx context.Context) (string, error) {
	t.mu.RLock()
	if t.fresh() {
		defer t.mu.RUnlock()
		return t.token, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double check
	if t.fresh() {
		return t.token, nil
	}

	token, ttl, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("token endpoint returned an empty token")
	}
	t.token = token
	t.expiresAt = t.now().Add(ttl)
	return t.token, nil
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
}
