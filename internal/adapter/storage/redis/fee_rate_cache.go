package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// FeeRateCache implements ports.FeeRateCache. Rates are stored as decimal
// strings so no precision is lost.
type FeeRateCache struct {
	client goredis.UniversalClient
	prefix string
}

// NewFeeRateCache creates a new Redis-backed fee rate cache.
func NewFeeRateCache(client goredis.UniversalClient) *FeeRateCache {
	return &FeeRateCache{
		client: client,
		prefix: "feerate:",
	}
}

func (c *FeeRateCache) Get(ctx context.Context, network domain.Network) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+string(network)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("redis fee rate get: %w", err)
	}
	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis fee rate %s: %w", network, err)
	}
	return rate, true, nil
}

func (c *FeeRateCache) Set(ctx context.Context, network domain.Network, rate decimal.Decimal, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+string(network), rate.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis fee rate set: %w", err)
	}
	return nil
}
