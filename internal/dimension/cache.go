package dimension

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gestioncompras/rotacion-etl/internal/config"
)

const (
	productKeyPrefix  = "dim_producto:sk:"
	defaultProductTTL = 5 * time.Minute
)

// ProductCache caches product surrogate-key lookups across staging tables.
// The same product codes repeat for every PDV and period, so a warm cache
// saves one point lookup per record.
type ProductCache interface {
	Get(ctx context.Context, codigo string) (int64, bool, error)
	Set(ctx context.Context, codigo string, sk int64) error
}

type redisProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

type noopProductCache struct{}

// NewProductCache returns a redis-backed cache when caching is enabled, a
// noop otherwise. A failed redis connection is an error, not a silent noop.
func NewProductCache(cfg config.CacheConfig) (ProductCache, error) {
	if !cfg.Enabled {
		return &noopProductCache{}, nil
	}

	opts, err := buildRedisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := time.Duration(cfg.ProductTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultProductTTL
	}

	return &redisProductCache{client: client, ttl: ttl}, nil
}

func NewNoopProductCache() ProductCache {
	return &noopProductCache{}
}

func buildRedisOptions(cfg config.CacheConfig) (*redis.Options, error) {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return opt, nil
	}

	host := cfg.RedisHost
	if host == "" {
		host = "127.0.0.1"
	}

	port := cfg.RedisPort
	if port == "" {
		port = "6379"
	}

	return &redis.Options{
		Addr:     net.JoinHostPort(host, port),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

func (c *redisProductCache) Get(ctx context.Context, codigo string) (int64, bool, error) {
	val, err := c.client.Get(ctx, productKeyPrefix+codigo).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}

	sk, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached product key %q: %w", val, err)
	}
	return sk, true, nil
}

func (c *redisProductCache) Set(ctx context.Context, codigo string, sk int64) error {
	if err := c.client.Set(ctx, productKeyPrefix+codigo, strconv.FormatInt(sk, 10), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *noopProductCache) Get(context.Context, string) (int64, bool, error) { return 0, false, nil }

func (c *noopProductCache) Set(context.Context, string, int64) error { return nil }
