package chain

import (
	"context"
	"errors"
	"fmt"

	"qpesapay/config"
	"qpesapay/internal/core/ports"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// feeTargetBlocks is the confirmation target passed to estimatesmartfee.
const feeTargetBlocks = 6

// BitcoinBackend is the subset of rpcclient.Client the source needs.
type BitcoinBackend interface {
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockCount() (int64, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
}

// BitcoinSource reads confirmations and fee estimates from bitcoind.
type BitcoinSource struct {
	backend BitcoinBackend
	limiter *rate.Limiter
	log     zerolog.Logger
}

// DialBitcoin opens an HTTP POST mode RPC client. The caller owns Shutdown.
func DialBitcoin(cfg config.BitcoinConfig, rps float64, log zerolog.Logger) (*BitcoinSource, *rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial bitcoind: %w", err)
	}
	return NewBitcoinSource(client, rps, log), client, nil
}

// NewBitcoinSource wraps backend.
func NewBitcoinSource(backend BitcoinBackend, rps float64, log zerolog.Logger) *BitcoinSource {
	return &BitcoinSource{
		backend: backend,
		limiter: newLimiter(rps),
		log:     log.With().Str("component", "bitcoin_source").Logger(),
	}
}

// Confirmations reads the verbose transaction. Unknown transactions report
// zero confirmations; bitcoin has no reverted state.
func (s *BitcoinSource) Confirmations(ctx context.Context, hash string) (ports.ConfirmationInfo, error) {
	txHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return ports.ConfirmationInfo{}, fmt.Errorf("bitcoin hash %q: %w", hash, err)
	}
	if err := wait(ctx, s.limiter); err != nil {
		return ports.ConfirmationInfo{}, err
	}
	tx, err := s.backend.GetRawTransactionVerbose(txHash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return ports.ConfirmationInfo{}, nil
		}
		return ports.ConfirmationInfo{}, fmt.Errorf("bitcoin getrawtransaction %s: %w", hash, err)
	}
	if tx.Confirmations == 0 {
		return ports.ConfirmationInfo{}, nil
	}

	info := ports.ConfirmationInfo{Confirmations: int64(tx.Confirmations)}
	if err := wait(ctx, s.limiter); err != nil {
		return ports.ConfirmationInfo{}, err
	}
	if height, err := s.backend.GetBlockCount(); err == nil {
		block := uint64(height - info.Confirmations + 1)
		info.BlockNumber = &block
	} else {
		s.log.Warn().Err(err).Str("hash", hash).Msg("block count unavailable")
	}
	return info, nil
}

// LiveRate returns the estimated fee in BTC per byte.
func (s *BitcoinSource) LiveRate(ctx context.Context) (decimal.Decimal, error) {
	if err := wait(ctx, s.limiter); err != nil {
		return decimal.Zero, err
	}
	mode := btcjson.EstimateModeConservative
	est, err := s.backend.EstimateSmartFee(feeTargetBlocks, &mode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bitcoin estimatesmartfee: %w", err)
	}
	if est.FeeRate == nil {
		return decimal.Zero, fmt.Errorf("bitcoin estimatesmartfee: no estimate %v", est.Errors)
	}
	// estimatesmartfee answers in BTC per kvB.
	return decimal.NewFromFloat(*est.FeeRate).Div(decimal.NewFromInt(1000)), nil
}

func (s *BitcoinSource) Ping(context.Context) error {
	_, err := s.backend.GetBlockCount()
	return err
}

func (s *BitcoinSource) Name() string { return "bitcoin" }

// BitcoinParams maps a configured network name to chain parameters.
func BitcoinParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", network)
}
