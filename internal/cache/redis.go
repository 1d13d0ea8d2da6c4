// Package cache holds the Redis-backed cooldown gate shared by every collector
// process pointed at the same Redis.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"cvdwatcher/internal/config"
)

const defaultKeyPrefix = "cvdwatcher:"

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type slotClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CooldownGate reserves a (symbol, category) slot with SET NX and a TTL equal
// to the cooldown. The first caller inside the window wins.
type CooldownGate struct {
	client   slotClient
	cooldown time.Duration
	prefix   string
	logger   zerolog.Logger
}

// NewCooldownGate builds a Redis gate. An empty prefix uses "cvdwatcher:".
func NewCooldownGate(client *redis.Client, cooldown time.Duration, prefix string, logger zerolog.Logger) *CooldownGate {
	return newCooldownGate(client, cooldown, prefix, logger)
}

func newCooldownGate(client slotClient, cooldown time.Duration, prefix string, logger zerolog.Logger) *CooldownGate {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &CooldownGate{
		client:   client,
		cooldown: cooldown,
		prefix:   prefix,
		logger:   logger.With().Str("component", "redis_cooldown").Logger(),
	}
}

// Allow reports whether no other caller reserved the slot within the cooldown.
func (g *CooldownGate) Allow(ctx context.Context, symbol, category string, at time.Time) (bool, error) {
	key := g.key(symbol, category)
	ok, err := g.client.SetNX(ctx, key, at.UTC().Format(time.RFC3339), g.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("reserve cooldown %s: %w", key, err)
	}
	if !ok {
		g.logger.Debug().Str("key", key).Msg("cooldown slot already reserved")
	}
	return ok, nil
}

// Release deletes the reservation so the next evaluation can emit again.
func (g *CooldownGate) Release(ctx context.Context, symbol, category string) error {
	key := g.key(symbol, category)
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release cooldown %s: %w", key, err)
	}
	return nil
}

func (g *CooldownGate) key(symbol, category string) string {
	return g.prefix + "cooldown:" + symbol + ":" + category
}
