// Package cache keeps the latest canonical tick per asset in Redis so
// other services read current prices without consuming the stream.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// ErrNotFound is returned when no tick is cached for the asset.
var ErrNotFound = errors.New("cache: tick not found")

// LatestTicks stores one JSON document per (broker, symbol) under a
// bounded TTL. Writes are fire-and-forget from the pipeline's view.
type LatestTicks struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// New connects a latest-tick cache. TTL <= 0 disables expiry.
func New(addr string, db int, ttl time.Duration, log zerolog.Logger) *LatestTicks {
	return &LatestTicks{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ttl:    ttl,
		log:    log.With().Str("component", "cache").Logger(),
	}
}

func key(broker, symbol string) string {
	return fmt.Sprintf("latest:%s:%s", broker, symbol)
}

// Ping verifies connectivity.
func (c *LatestTicks) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Set stores the tick as the asset's latest.
func (c *LatestTicks) Set(ctx context.Context, t *tick.Tick) error {
	data, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("cache: encode tick: %w", err)
	}
	if err := c.client.Set(ctx, key(t.Broker, t.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set latest tick: %w", err)
	}
	return nil
}

// Get fetches the asset's latest tick.
func (c *LatestTicks) Get(ctx context.Context, broker, symbol string) (*tick.Tick, error) {
	data, err := c.client.Get(ctx, key(broker, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get latest tick: %w", err)
	}
	t, err := tick.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("cache: decode latest tick: %w", err)
	}
	return t, nil
}

// Close releases the client.
func (c *LatestTicks) Close() error {
	return c.client.Close()
}
