package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"listflow/internal/clock"
)

// Token is an access credential for one channel account.
type Token struct {
	Value     string
	ExpiresAt time.Time // zero means no expiry of its own
}

// Source fetches a fresh token, e.g. from a credential store or OAuth
// endpoint.
type Source interface {
	Token(ctx context.Context, account string) (Token, error)
}

type SourceFunc func(ctx context.Context, account string) (Token, error)

func (f SourceFunc) Token(ctx context.Context, account string) (Token, error) { return f(ctx, account) }

// StaticSource serves fixed tokens keyed by account.
type StaticSource map[string]string

func (s StaticSource) Token(_ context.Context, account string) (Token, error) {
	v, ok := s[account]
	if !ok || v == "" {
		return Token{}, fmt.Errorf("no token configured for account %q", account)
	}
	return Token{Value: v}, nil
}

// Cache holds tokens per account until the earlier of the token's own expiry
// and the cache TTL. Concurrent misses for one account share a single fetch.
type Cache struct {
	source Source
	clock  clock.Clock
	lru    *expirable.LRU[string, Token]
	group  singleflight.Group
}

func NewCache(source Source, size int, ttl time.Duration, clk clock.Clock) *Cache {
	if size <= 0 {
		size = 128
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		source: source,
		clock:  clk,
		lru:    expirable.NewLRU[string, Token](size, nil, ttl),
	}
}

// Get returns a cached token for account, fetching one on miss or expiry.
func (c *Cache) Get(ctx context.Context, account string) (string, error) {
	if tok, ok := c.lru.Get(account); ok && c.valid(tok) {
		return tok.Value, nil
	}
	v, err, _ := c.group.Do(account, func() (any, error) {
		tok, err := c.source.Token(ctx, account)
		if err != nil {
			return nil, err
		}
		c.lru.Add(account, tok)
		return tok.Value, nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch token for %s: %w", account, err)
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the channel rejected it.
func (c *Cache) Invalidate(account string) {
	c.lru.Remove(account)
}

func (c *Cache) valid(tok Token) bool {
	return tok.ExpiresAt.IsZero() || c.clock.Now().Before(tok.ExpiresAt)
}
