// Package marketmeta is a thin metadata cache sitting outside the core
// pipeline: the core only requires that a resolver of market titles
// exists and is called off the hot path. Its own internal correctness is
// out of scope here — callers swallow resolution failures (the query
// endpoints simply omit the title), never propagating them.
package marketmeta

import (
	"context"
	"sync"

	"github.com/nealsshah/dawn-trial/internal/model"
)

// Resolver maps a market to a human-readable title.
type Resolver interface {
	Title(ctx context.Context, exchange model.Exchange, marketID string) (string, error)
}

// NoOp never resolves a title. Used when no metadata source is
// configured; the query endpoints fall back to omitting the title field.
type NoOp struct{}

func (NoOp) Title(context.Context, model.Exchange, string) (string, error) {
	return "", nil
}

// CachingResolver wraps another Resolver with an unbounded in-memory
// cache, since market titles rarely change once a market is created.
// Left deliberately simple: no eviction policy.
type CachingResolver struct {
	inner Resolver

	mu    sync.RWMutex
	cache map[model.SubscriptionKey]string
}

// NewCachingResolver wraps inner with a cache. If inner is nil, NoOp is
// used.
func NewCachingResolver(inner Resolver) *CachingResolver {
	if inner == nil {
		inner = NoOp{}
	}
	return &CachingResolver{inner: inner, cache: make(map[model.SubscriptionKey]string)}
}

func (c *CachingResolver) Title(ctx context.Context, exchange model.Exchange, marketID string) (string, error) {
	key := model.SubscriptionKey{Exchange: exchange, MarketID: marketID}

	c.mu.RLock()
	if title, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return title, nil
	}
	c.mu.RUnlock()

	title, err := c.inner.Title(ctx, exchange, marketID)
	if err != nil {
		return "", err
	}
	if title == "" {
		return "", nil
	}

	c.mu.Lock()
	c.cache[key] = title
	c.mu.Unlock()
	return title, nil
}
