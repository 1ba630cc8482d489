package marketmeta

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nealsshah/dawn-trial/internal/model"
)

// RedisResolver wraps an inner Resolver with a shared Redis cache, so a
// title resolved on one process instance is visible to every other
// instance without re-querying the metadata source. Grounded on
// forgequant-context8-mcp/mcp/internal/cache/reader.go's GET-miss-then-
// populate pattern, adapted from its JSON report cache to a plain string
// cache keyed by (exchange, marketId).
type RedisResolver struct {
	client *redis.Client
	inner  Resolver
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisResolver connects to redisURL and wraps inner (NoOp if nil).
// Connectivity is verified with a PING at construction time so a
// misconfigured REDIS_URL fails fast at startup rather than on the first
// request.
func NewRedisResolver(redisURL string, ttl time.Duration, inner Resolver, log zerolog.Logger) (*RedisResolver, error) {
	if inner == nil {
		inner = NoOp{}
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("marketmeta: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("marketmeta: redis ping: %w", err)
	}

	return &RedisResolver{
		client: client,
		inner:  inner,
		ttl:    ttl,
		log:    log.With().Str("component", "marketmeta.RedisResolver").Logger(),
	}, nil
}

// Title checks the shared cache first, falling back to inner on a miss
// and on any Redis error: Redis failures are logged and swallowed here,
// while an error from inner is returned to the caller.
func (r *RedisResolver) Title(ctx context.Context, exchange model.Exchange, marketID string) (string, error) {
	key := cacheKey(exchange, marketID)

	title, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return title, nil
	}
	if err != redis.Nil {
		r.log.Warn().Err(err).Str("key", key).Msg("redis get failed, falling back to inner resolver")
	}

	title, err = r.inner.Title(ctx, exchange, marketID)
	if err != nil {
		return "", err
	}
	if title == "" {
		return "", nil
	}

	if err := r.client.Set(ctx, key, title, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
	return title, nil
}

// Close closes the underlying Redis connection.
func (r *RedisResolver) Close() error {
	return r.client.Close()
}

func cacheKey(exchange model.Exchange, marketID string) string {
	return fmt.Sprintf("marketmeta:title:%s:%s", exchange, marketID)
}
