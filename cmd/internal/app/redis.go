package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// NewRedisClient connects to the configured Redis deployment and pings it.
// RedisURL selects a single node; otherwise RedisAddrs is handed to the universal
// client, which picks standalone or cluster mode from the address count.
func NewRedisClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	var client goredis.UniversalClient

	switch {
	case cfg.RedisURL != "":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if opts.DialTimeout == 0 {
			opts.DialTimeout = redisDialTimeout
		}
		client = goredis.NewClient(opts)
	case len(cfg.RedisAddrs) > 0:
		client = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:        cfg.RedisAddrs,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  redisDialTimeout,
			ReadTimeout:  redisDialTimeout,
			WriteTimeout: redisDialTimeout,
		})
	default:
		return nil, errors.New("redis: no url or addresses configured")
	}

	if err := PingRedis(ctx, client, 3*time.Second); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// PingRedis checks Redis reachability within timeout.
func PingRedis(parent context.Context, client goredis.UniversalClient, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
