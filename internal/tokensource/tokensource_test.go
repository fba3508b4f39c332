package tokensource

import (
	"context"
	"testing"
	"time"
)

func TestStaticReturnsFixedToken(t *testing.T) {
	s := Static("abc123")
	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("Token() = %q, want abc123", tok)
	}
}

func TestCachingFuncCachesUntilNearExpiry(t *testing.T) {
	calls := 0
	c := &CachingFunc{
		Fetch: func(context.Context) (string, time.Duration, error) {
			calls++
			return "token-1", time.Hour, nil
		},
	}

	tok, err := c.Token(context.Background())
	if err != nil || tok != "token-1" {
		t.Fatalf("Token() = (%q, %v), want token-1", tok, err)
	}

	tok, err = c.Token(context.Background())
	if err != nil || tok != "token-1" {
		t.Fatalf("second Token() = (%q, %v), want cached token-1", tok, err)
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestCachingFuncRefetchesNearExpiry(t *testing.T) {
	calls := 0
	c := &CachingFunc{
		Skew: time.Minute,
		Fetch: func(context.Context) (string, time.Duration, error) {
			calls++
			return "token", 10 * time.Second, nil
		},
	}

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("fetch called %d times, want 2 (ttl shorter than skew forces refetch)", calls)
	}
}

func TestCachingFuncPropagatesFetchError(t *testing.T) {
	c := &CachingFunc{
		Fetch: func(context.Context) (string, time.Duration, error) {
			return "", 0, errBoom
		},
	}
	if _, err := c.Token(context.Background()); err == nil {
		t.Fatalf("expected Token() to propagate the fetch error")
	}
}

func TestCachingFuncNoFetchConfigured(t *testing.T) {
	c := &CachingFunc{}
	if _, err := c.Token(context.Background()); err == nil {
		t.Fatalf("expected an error when no Fetch function is configured")
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
