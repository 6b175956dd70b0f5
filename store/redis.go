package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	goredis "github.com/redis/go-redis/v9"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decrScript decrements a counter without letting it go below zero,
// preserving the key's TTL.
var decrScript = goredis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], "0", "KEEPTTL")
	return 0
end
return v`)

// RedisConfig holds configuration for the Redis store.
// Populate from environment variables in your application code.
type RedisConfig struct {
	// URL is the host:port of the Redis server.
	URL      string `validate:"required,hostname_port"`
	Password string
	DB       int    `validate:"min=0"`
	Prefix   string // key prefix, default "ratekit:"
}

// Redis is a Redis-backed Store. Counts are shared by every process
// pointing at the same server, which makes it the right backend for
// multi-instance deployments.
type Redis struct {
	client *goredis.Client
	prefix string
	window time.Duration
}

// NewRedis creates a Redis store and verifies connectivity with a ping.
func NewRedis(config RedisConfig) (*Redis, error) {
	if err := configValidator().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	if config.Prefix == "" {
		config.Prefix = "ratekit:"
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: config.Prefix}, nil
}

// Init records the window length used as the TTL for new keys.
func (r *Redis) Init(window time.Duration) {
	r.window = window
}

// Increment atomically increments the key and returns the post-increment
// state. The TTL is set only when the key is created, so the window is
// anchored to the key's first hit.
func (r *Redis) Increment(ctx context.Context, key string) (IncrementResult, error) {
	fullKey := r.prefix + key

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, r.window)
	ttlCmd := pipe.PTTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return IncrementResult{}, fmt.Errorf("redis increment failed: %w", err)
	}

	res := IncrementResult{Hits: incr.Val()}
	if ttl := ttlCmd.Val(); ttl > 0 {
		res.Reset = time.Now().Add(ttl)
	} else if r.window > 0 {
		res.Reset = time.Now().Add(r.window)
	}
	return res, nil
}

// Decrement removes one hit from the key, flooring at zero.
func (r *Redis) Decrement(ctx context.Context, key string) error {
	if err := decrScript.Run(ctx, r.client, []string{r.prefix + key}).Err(); err != nil {
		return fmt.Errorf("redis decrement failed: %w", err)
	}
	return nil
}

// Get reads the key's state without incrementing. ok is false when the
// key does not exist.
func (r *Redis) Get(ctx context.Context, key string) (IncrementResult, bool, error) {
	fullKey := r.prefix + key

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, fullKey)
	ttlCmd := pipe.PTTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		if err == goredis.Nil {
			return IncrementResult{}, false, nil
		}
		return IncrementResult{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	count, err := getCmd.Int64()
	if err != nil {
		return IncrementResult{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	res := IncrementResult{Hits: count}
	if ttl := ttlCmd.Val(); ttl > 0 {
		res.Reset = time.Now().Add(ttl)
	}
	return res, true, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// ResetAll removes every key under the store's prefix.
func (r *Redis) ResetAll(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis reset all failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis reset all failed: %w", err)
	}
	return nil
}

// Close releases resources held by the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
