// Package tokensource abstracts acquisition of an upstream bearer token for
// identity-based (Entra ID / Azure AD) authentication. The cryptographic
// details of credential acquisition are out of scope for this proxy; callers
// inject whichever Source fits their deployment.
package tokensource

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source produces a bearer token on demand. Implementations are expected to
// cache and refresh internally; Token may block on network I/O.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static returns a fixed token string forever. Useful for tests and for
// deployments where the operator rotates a single long-lived secret.
type Static string

// Token implements Source.
func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// CachingFunc wraps a token-fetching function with expiry-aware caching so
// the underlying credential provider (e.g. an Entra ID client-credential
// flow) is invoked only when the cached token is near expiry.
type CachingFunc struct {
	Fetch func(ctx context.Context) (token string, expiresIn time.Duration, err error)
	Skew  time.Duration // refresh this long before expiry; default 30s if zero

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token implements Source.
func (c *CachingFunc) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	skew := c.Skew
	if skew <= 0 {
		skew = 30 * time.Second
	}

	if c.token != "" && time.Now().Add(skew).Before(c.expires) {
		return c.token, nil
	}

	if c.Fetch == nil {
		return "", fmt.Errorf("tokensource: no fetch function configured")
	}

	token, ttl, err := c.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("tokensource: fetch: %w", err)
	}
	c.token = token
	c.expires = time.Now().Add(ttl)
	return c.token, nil
}
