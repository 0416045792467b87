// Package statecache stores JSON state snapshots in Redis with an in-memory
// fallback, so a missing or failing Redis never stops the engine.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spot-trader/internal/resilience"
)

// Config holds Redis connection settings.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns a disabled cache on localhost.
func DefaultConfig() Config {
	return Config{
		Address:   "localhost:6379",
		KeyPrefix: "spot-trader:",
		TTL:       7 * 24 * time.Hour,
	}
}

// Cache is a key/value snapshot store. Every write lands in memory; Redis is
// written through when reachable and preferred on reads.
type Cache struct {
	config  Config
	client  *redis.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu  sync.RWMutex
	mem map[string][]byte
}

// New creates a cache. With Redis disabled it is memory only. A failed
// initial ping leaves the cache in degraded mode; the breaker probes Redis
// again after its timeout.
func New(cfg Config, logger zerolog.Logger) *Cache {
	logger = logger.With().Str("component", "statecache").Logger()
	c := &Cache{
		config: cfg,
		logger: logger,
		mem:    make(map[string][]byte),
	}
	if !cfg.Enabled {
		return c
	}

	c.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	c.breaker = resilience.NewCircuitBreaker("redis", resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("address", cfg.Address).Msg("Redis unavailable, using memory")
		// open the breaker straight away instead of paying three timeouts
		for i := 0; i < 3; i++ {
			c.breaker.Execute(ctx, func(context.Context) error { return err })
		}
	} else {
		logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	}
	return c
}

// Enabled reports whether Redis is configured.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Backend reports where reads are currently served from.
func (c *Cache) Backend() string {
	if c.redisUsable() {
		return "redis"
	}
	return "memory"
}

func (c *Cache) redisUsable() bool {
	return c.client != nil && c.breaker.State() != resilience.CircuitOpen
}

func (c *Cache) key(k string) string {
	return c.config.KeyPrefix + k
}

// SaveJSON stores v under key.
func (c *Cache) SaveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	c.mu.Lock()
	c.mem[key] = data
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, c.key(key), data, c.config.TTL).Err()
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Redis write skipped")
	}
	return nil
}

// LoadJSON decodes the value under key into v. It reports false when the key
// does not exist in either backend.
func (c *Cache) LoadJSON(ctx context.Context, key string, v any) (bool, error) {
	var data []byte
	if c.client != nil {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			b, err := c.client.Get(ctx, c.key(key)).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			data = b
			return err
		})
		if err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Redis read failed, using memory")
		}
	}
	if data == nil {
		c.mu.RLock()
		data = c.mem[key]
		c.mu.RUnlock()
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key from both backends.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.client.Del(ctx, c.key(key)).Err()
	})
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
