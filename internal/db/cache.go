package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// CacheConfig configures the optional Redis-backed cache/lock used by the
// Recording Manager (§4.4 domain-stack note). Redis is optional: if Host
// is empty the caller should simply not call InitializeCache, and GetCache
// returns a nil-safe no-op Cache whose Lock takes no lock at all and
// returns a no-op unlock.
type CacheConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

type Cache struct {
	client *redis.Client
	prefix string
}

var cacheInstance *Cache

func InitializeCache(cfg CacheConfig, prefix string) error {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrRedis, "failed to connect to Redis")
	}

	cacheInstance = &Cache{
		client: client,
		prefix: prefix,
	}

	logger.Info("Redis cache initialized")
	return nil
}

// GetCache returns the process-wide cache, or a nil-backed instance whose
// methods are safe no-ops when Redis was never configured.
func GetCache() *Cache {
	if cacheInstance == nil {
		return &Cache{}
	}
	return cacheInstance
}

func (c *Cache) key(k string) string {
	if c.prefix != "" {
		return fmt.Sprintf("%s:%s", c.prefix, k)
	}
	return k
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}

	if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
		logger.WithField("key", key).WithError(err).Warn("cache set failed")
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c.client == nil {
		return nil
	}

	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.key(k)
	}

	if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
		logger.WithError(err).Warn("cache delete failed")
	}
	return nil
}

// Lock takes a SetNX-based distributed lock, returning an unlock func that
// only deletes the key if it still holds the value it set (compare-and-
// delete via a Lua script, so an unlock never clobbers a lock acquired by
// someone else after TTL expiry). Used to guard concurrent recording-file
// moves across processes (§4.4).
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if c.client == nil {
		return func() {}, nil
	}

	lockKey := c.key(fmt.Sprintf("lock:%s", key))
	value := fmt.Sprintf("%d", time.Now().UnixNano())

	ok, err := c.client.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRedis, "failed to acquire lock")
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrInternal, "lock already held")
	}

	return func() {
		script := redis.NewScript(`
            if redis.call("get", KEYS[1]) == ARGV[1] then
                return redis.call("del", KEYS[1])
            else
                return 0
            end
        `)
		script.Run(ctx, c.client, []string{lockKey}, value)
	}, nil
}
