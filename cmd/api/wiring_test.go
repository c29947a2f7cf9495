package main

import (
	"context"
	"strconv"
	"testing"

	"qpesapay/config"
	"qpesapay/internal/core/domain"
	"qpesapay/pkg/money"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = "memory"
	cfg.Redis.Host = ""
	return cfg
}

func healthNames(app *application) []string {
	names := make([]string, 0, len(app.health))
	for _, h := range app.health {
		names = append(names, h.Name())
	}
	return names
}

func TestBuildApplication_InMemory(t *testing.T) {
	app, err := buildApplication(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.payments)
	assert.NotNil(t, app.settlements)
	assert.NotNil(t, app.tracker)
	assert.NotNil(t, app.dispatcher)
	assert.Nil(t, app.redis)
	assert.Nil(t, app.purger)
	assert.Empty(t, app.registry.Channels())
	assert.ElementsMatch(t, []string{"memory", "custody", "tron"}, healthNames(app))
}

func TestBuildApplication_RedisIdempotencyAndPayoutWallet(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port
	cfg.Idempotency.Backend = "redis"
	cfg.Fees.Dynamic = true
	cfg.Settlement.PayoutWallet = "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8"

	app, err := buildApplication(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.redis)
	assert.Nil(t, app.purger)
	require.Len(t, app.registry.Channels(), 1)
	assert.Equal(t, domain.SettlementMethodCryptoWallet, app.registry.Channels()[0].Method())
	assert.Contains(t, healthNames(app), "redis")
}

func TestBuildApplication_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "redis backend without redis",
			mutate:  func(c *config.Config) { c.Idempotency.Backend = "redis" },
			wantErr: "requires redis.host",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *config.Config) { c.Storage.Driver = "sqlite" },
			wantErr: "unknown storage driver",
		},
		{
			name:    "unknown idempotency backend",
			mutate:  func(c *config.Config) { c.Idempotency.Backend = "memcached" },
			wantErr: "unknown idempotency backend",
		},
		{
			name:    "bad bitcoin network",
			mutate:  func(c *config.Config) { c.Chain.Bitcoin.Network = "litecoin" },
			wantErr: "unknown bitcoin network",
		},
		{
			name:    "bad settlement currency",
			mutate:  func(c *config.Config) { c.Settlement.Currency = "EUR" },
			wantErr: "settlement.currency",
		},
		{
			name:    "bad fee rate",
			mutate:  func(c *config.Config) { c.Fees.StaticRates = map[string]string{"tron": "cheap"} },
			wantErr: "fees.static_rates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := buildApplication(context.Background(), cfg, zerolog.Nop())
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidatorConfig_OverridesLimits(t *testing.T) {
	vc, err := validatorConfig(config.PaymentConfig{
		MaxDescriptionLength: 140,
		Limits:               map[string]config.AmountLimit{"kes": {Min: "10", Max: "500"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 140, vc.MaxDescriptionLength)
	assert.Equal(t, "10.00", vc.Limits[money.KES].Min.String())
	assert.Equal(t, "500.00", vc.Limits[money.KES].Max.String())
	// Currencies absent from config keep their defaults.
	assert.Equal(t, "0.01", vc.Limits[money.USD].Min.String())

	_, err = validatorConfig(config.PaymentConfig{Limits: map[string]config.AmountLimit{"kes": {Min: "abc", Max: "1"}}})
	assert.Error(t, err)
}

func TestExchangeRates_QuotedInSettlementCurrency(t *testing.T) {
	rates, err := exchangeRates(config.SettlementConfig{
		Currency:      "KES",
		ExchangeRates: map[string]string{"usdt": "129.50"},
	})
	require.NoError(t, err)

	got, err := rates.Rate(context.Background(), money.USDT, money.KES)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("129.50").Equal(got))
}

func TestNetworkDecimals(t *testing.T) {
	got, err := networkDecimals(map[string]string{"Ethereum": "0.00000002"})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.00000002").Equal(got[domain.NetworkEthereum]))

	_, err = networkDecimals(map[string]string{"solana": "1"})
	assert.Error(t, err)
}
