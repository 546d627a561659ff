package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultPrefix namespaces geocode cache keys in Redis.
const DefaultPrefix = "snaptrack:geocode"

// Location is a geocoding outcome. Misses are cached too so an unresolvable
// address is not looked up again.
type Location struct {
	Found     bool    `msgpack:"found" json:"found"`
	Latitude  float64 `msgpack:"lat" json:"lat"`
	Longitude float64 `msgpack:"lon" json:"lon"`
}

// Cache stores lookups by address.
type Cache interface {
	Get(ctx context.Context, address string) (Location, bool, error)
	Put(ctx context.Context, address string, location Location) error
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Location
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Location)}
}

func (c *MemoryCache) Get(_ context.Context, address string) (Location, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	location, ok := c.entries[normalizeAddress(address)]
	return location, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, address string, location Location) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[normalizeAddress(address)] = location
	return nil
}

// Len returns the number of cached addresses.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache stores msgpack-encoded locations in Redis.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithKeyPrefix overrides DefaultPrefix.
func WithKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL expires entries after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisCache) {
		c.ttl = ttl
	}
}

// NewRedisCache creates a cache on client.
func NewRedisCache(client redis.Cmdable, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(address string) string {
	return c.prefix + ":" + normalizeAddress(address)
}

func (c *RedisCache) Get(ctx context.Context, address string) (Location, bool, error) {
	raw, err := c.client.Get(ctx, c.key(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("geocode cache get: %w", err)
	}
	var location Location
	if err := msgpack.Unmarshal(raw, &location); err != nil {
		return Location{}, false, fmt.Errorf("geocode cache decode: %w", err)
	}
	return location, true, nil
}

func (c *RedisCache) Put(ctx context.Context, address string, location Location) error {
	raw, err := msgpack.Marshal(location)
	if err != nil {
		return fmt.Errorf("geocode cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(address), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("geocode cache put: %w", err)
	}
	return nil
}
