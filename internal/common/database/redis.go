package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"application-lifecycle/internal/common/config"
)

// RedisClient holds the connection used by the state cache.
type RedisClient struct {
	Client *redis.Client
}

// NewRedis builds a client whose timeouts are all cfg.Timeout, so a slow
// cache degrades to a miss instead of stalling a transition.
func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout,
		PoolSize:     poolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	return &RedisClient{Client: rdb}, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// RegisterMetrics exposes pool hit/miss/timeout counters and current
// connection counts.
func (c *RedisClient) RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, read func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "lifecycle_redis_pool_" + name,
			Help: help,
		}, func() float64 { return float64(read(c.Client.PoolStats())) })
	}
	gauge := func(name, help string, read func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lifecycle_redis_pool_" + name,
			Help: help,
		}, func() float64 { return float64(read(c.Client.PoolStats())) })
	}
	return registerAll(reg,
		counter("hits_total", "Connections reused from the cache pool", func(s *redis.PoolStats) uint32 { return s.Hits }),
		counter("misses_total", "Cache pool misses that dialled a new connection", func(s *redis.PoolStats) uint32 { return s.Misses }),
		counter("timeouts_total", "Waits for a cache pool connection that timed out", func(s *redis.PoolStats) uint32 { return s.Timeouts }),
		gauge("total_connections", "Connections held by the cache pool", func(s *redis.PoolStats) uint32 { return s.TotalConns }),
		gauge("idle_connections", "Idle connections in the cache pool", func(s *redis.PoolStats) uint32 { return s.IdleConns }),
	)
}

func (c *RedisClient) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}
