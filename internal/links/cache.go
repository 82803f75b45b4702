package links

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/logging"
)

// Resolver resolves a link to its final target. *HTTPUnshortener satisfies it.
type Resolver interface {
	Unshorten(ctx context.Context, link string) (string, error)
}

// Cache stores resolved links.
type Cache interface {
	Get(ctx context.Context, link string) (target string, ok bool, err error)
	Set(ctx context.Context, link, target string, ttl time.Duration) error
}

// RedisCache keeps resolved links in Redis strings under covenant:links:<url>.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache backed by client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func linkKey(link string) string {
	return "covenant:links:" + link
}

// Get returns the cached target of link.
func (c *RedisCache) Get(ctx context.Context, link string) (string, bool, error) {
	target, err := c.client.Get(ctx, linkKey(link)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}

// Set caches target for ttl. A zero ttl never expires.
func (c *RedisCache) Set(ctx context.Context, link, target string, ttl time.Duration) error {
	return c.client.Set(ctx, linkKey(link), target, ttl).Err()
}

// CachedUnshortener consults a cache before resolving.
// Cache failures are logged and fall through to the resolver.
type CachedUnshortener struct {
	next   Resolver
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedUnshortener wraps next with cache.
func NewCachedUnshortener(next Resolver, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedUnshortener {
	return &CachedUnshortener{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logging.Component(logger, "links"),
	}
}

// Unshorten returns the cached target of link or resolves and caches it.
// Failed resolutions are not cached.
func (c *CachedUnshortener) Unshorten(ctx context.Context, link string) (string, error) {
	target, ok, err := c.cache.Get(ctx, link)
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Str("link", link).Msg("link_cache_get_failed")
	case ok:
		return target, nil
	}

	target, err = c.next.Unshorten(ctx, link)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, link, target, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("link", link).Msg("link_cache_set_failed")
	}
	return target, nil
}
