package service

import (
	"context"
	"fmt"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"

	"github.com/shopspring/decimal"
)

// FeeConfig holds the transfer-size constants and pricing used by FeeEstimator.
type FeeConfig struct {
	GasUnits    int64
	TxSizeBytes int64
	// NativeQuotePrices converts a network's native fee unit into the payment
	// currency. Missing entries count as 1.
	NativeQuotePrices     map[domain.Network]decimal.Decimal
	PlatformFeePercentage decimal.Decimal
}

// DefaultFeeConfig returns a simple-transfer configuration with no platform fee.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{GasUnits: 21000, TxSizeBytes: 250}
}

// FeeQuote is the fee breakdown for one transfer, all in the payment currency.
type FeeQuote struct {
	Rate     decimal.Decimal
	Network  money.Money
	Platform money.Money
	Total    money.Money
}

// FeeEstimator prices a transfer from the current network fee rate.
type FeeEstimator struct {
	rates ports.RateProvider
	cfg   FeeConfig
}

// NewFeeEstimator creates a FeeEstimator.
func NewFeeEstimator(rates ports.RateProvider, cfg FeeConfig) *FeeEstimator {
	return &FeeEstimator{rates: rates, cfg: cfg}
}

// Estimate returns network + platform fee for sending amount on network.
func (e *FeeEstimator) Estimate(ctx context.Context, amount money.Money, network domain.Network) (FeeQuote, error) {
	rate, err := e.rates.Rate(ctx, network)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("fee rate for %s: %w", network, err)
	}

	var native decimal.Decimal
	switch network {
	case domain.NetworkEthereum:
		native = rate.Mul(decimal.NewFromInt(e.cfg.GasUnits)).Mul(e.quotePrice(network))
	case domain.NetworkTron:
		native = rate.Mul(e.quotePrice(network))
	case domain.NetworkBitcoin:
		native = rate.Mul(decimal.NewFromInt(e.cfg.TxSizeBytes)).Mul(e.quotePrice(network))
	default:
		return FeeQuote{}, apperror.ErrUnsupportedNetwork(string(network))
	}

	networkFee, err := money.New(native, amount.Currency())
	if err != nil {
		return FeeQuote{}, fmt.Errorf("network fee: %w", err)
	}
	platformFee, err := amount.Mul(e.cfg.PlatformFeePercentage)
	if err != nil {
		return FeeQuote{}, fmt.Errorf("platform fee: %w", err)
	}
	total, err := networkFee.Add(platformFee)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{Rate: rate, Network: networkFee, Platform: platformFee, Total: total}, nil
}

func (e *FeeEstimator) quotePrice(network domain.Network) decimal.Decimal {
	if p, ok := e.cfg.NativeQuotePrices[network]; ok && p.Sign() > 0 {
		return p
	}
	return decimal.NewFromInt(1)
}
