package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoRate is returned when no fee rate is configured for a network.
var ErrNoRate = errors.New("no fee rate configured")

// DefaultStaticRates is the fallback table: 20 gwei per gas, a flat 1.0 on
// tron and 10 sat per byte.
func DefaultStaticRates() map[domain.Network]decimal.Decimal {
	return map[domain.Network]decimal.Decimal{
		domain.NetworkEthereum: decimal.RequireFromString("0.00000002"),
		domain.NetworkTron:     decimal.RequireFromString("1.0"),
		domain.NetworkBitcoin:  decimal.RequireFromString("0.0000001"),
	}
}

// StaticRateProvider serves fee rates from a fixed table.
type StaticRateProvider struct {
	rates map[domain.Network]decimal.Decimal
}

// NewStaticRateProvider creates a StaticRateProvider.
func NewStaticRateProvider(rates map[domain.Network]decimal.Decimal) *StaticRateProvider {
	return &StaticRateProvider{rates: rates}
}

func (p *StaticRateProvider) Rate(_ context.Context, network domain.Network) (decimal.Decimal, error) {
	rate, ok := p.rates[network]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoRate, network)
	}
	return rate, nil
}

// DynamicRateProvider asks live sources for rates and falls back to the
// static table on any failure, so fee estimation never fails because a node
// is unreachable.
type DynamicRateProvider struct {
	fallback *StaticRateProvider
	live     map[domain.Network]ports.LiveRateSource
	cache    ports.FeeRateCache
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewDynamicRateProvider creates a DynamicRateProvider. cache may be nil.
func NewDynamicRateProvider(
	fallback *StaticRateProvider,
	live map[domain.Network]ports.LiveRateSource,
	cache ports.FeeRateCache,
	cacheTTL time.Duration,
	log zerolog.Logger,
) *DynamicRateProvider {
	return &DynamicRateProvider{
		fallback: fallback,
		live:     live,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      log,
	}
}

func (p *DynamicRateProvider) Rate(ctx context.Context, network domain.Network) (decimal.Decimal, error) {
	source, ok := p.live[network]
	if !ok {
		return p.fallback.Rate(ctx, network)
	}

	if p.cache != nil {
		rate, hit, err := p.cache.Get(ctx, network)
		if err != nil {
			p.log.Warn().Err(err).Str("network", string(network)).Msg("fee rate cache read failed")
		} else if hit {
			return rate, nil
		}
	}

	rate, err := source.LiveRate(ctx)
	if err != nil || rate.Sign() <= 0 {
		if err == nil {
			err = fmt.Errorf("non-positive live rate %s", rate)
		}
		p.log.Warn().Err(err).Str("network", string(network)).Msg("live fee rate unavailable, using static table")
		return p.fallback.Rate(ctx, network)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, network, rate, p.cacheTTL); err != nil {
			p.log.Warn().Err(err).Str("network", string(network)).Msg("fee rate cache write failed")
		}
	}
	return rate, nil
}
