package channel

import (
	"context"
	"errors"
	"fmt"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/money"

	"github.com/rs/zerolog"
)

// CryptoWalletChannel pays settlements on chain. The net amount is
// converted into the payout currency and sent from the platform hot wallet.
type CryptoWalletChannel struct {
	executor       ports.BlockchainExecutor
	rates          ports.ExchangeRateProvider
	payoutCurrency money.Currency
	payoutNetwork  domain.Network
	hotWallet      string
	log            zerolog.Logger
}

func NewCryptoWalletChannel(
	executor ports.BlockchainExecutor,
	rates ports.ExchangeRateProvider,
	payoutCurrency money.Currency,
	payoutNetwork domain.Network,
	hotWallet string,
	log zerolog.Logger,
) *CryptoWalletChannel {
	return &CryptoWalletChannel{
		executor:       executor,
		rates:          rates,
		payoutCurrency: payoutCurrency,
		payoutNetwork:  payoutNetwork,
		hotWallet:      hotWallet,
		log:            log.With().Str("component", "crypto_wallet_channel").Logger(),
	}
}

func (c *CryptoWalletChannel) Method() domain.SettlementMethod {
	return domain.SettlementMethodCryptoWallet
}

// Send completes synchronously: the broadcast hash is the external reference.
func (c *CryptoWalletChannel) Send(ctx context.Context, req ports.SendRequest) (ports.SendResult, error) {
	wallet := req.Destination.Wallet
	if wallet == nil || wallet.Address == "" {
		return ports.SendResult{}, &ports.ChannelError{Code: "WALLET_NO_ADDRESS", Message: "merchant has no payout wallet"}
	}
	network := wallet.Network
	if network == "" {
		network = c.payoutNetwork
	}
	if !network.Supports(c.payoutCurrency) {
		return ports.SendResult{}, &ports.ChannelError{Code: "WALLET_NETWORK", Message: fmt.Sprintf("%s cannot carry %s", network, c.payoutCurrency)}
	}

	amount := req.Amount
	if amount.Currency() != c.payoutCurrency {
		rate, err := c.rates.Rate(ctx, amount.Currency(), c.payoutCurrency)
		if err != nil {
			return ports.SendResult{}, &ports.ChannelError{Code: "WALLET_RATE", Message: "no exchange rate for payout", Err: err}
		}
		amount, err = amount.ConvertTo(c.payoutCurrency, rate)
		if err != nil {
			return ports.SendResult{}, &ports.ChannelError{Code: "WALLET_RATE", Message: "convert payout amount", Err: err}
		}
	}
	if amount.IsZero() {
		return ports.SendResult{}, &ports.ChannelError{Code: "WALLET_DUST", Message: "payout rounds to zero"}
	}

	result, err := c.executor.Execute(ctx, ports.ExecuteRequest{
		Reference:   req.SettlementID,
		FromAddress: c.hotWallet,
		ToAddress:   wallet.Address,
		Amount:      amount,
		Fee:         money.Zero(c.payoutCurrency),
		Network:     network,
	})
	if err != nil {
		code := "WALLET_EXECUTION"
		var ee *ports.ExecutionError
		if errors.As(err, &ee) && ee.Code != "" {
			code = ee.Code
		}
		return ports.SendResult{}, &ports.ChannelError{Code: code, Message: "on-chain payout failed", Err: err}
	}

	c.log.Info().
		Str("settlement_id", req.SettlementID.String()).
		Str("network", string(network)).
		Str("hash", result.Hash).
		Str("amount", amount.String()).
		Msg("wallet payout broadcast")
	return ports.SendResult{ExternalReference: result.Hash, Status: ports.SendCompleted}, nil
}
