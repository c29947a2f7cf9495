package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"qpesapay/internal/core/ports"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// weiDecimals converts wei to ether.
const weiDecimals = -18

// EthereumBackend is the subset of ethclient.Client the source needs.
type EthereumBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// EthereumSource reads receipts and gas prices from an Ethereum node.
type EthereumSource struct {
	backend EthereumBackend
	limiter *rate.Limiter
	log     zerolog.Logger
}

// DialEthereum connects to the JSON-RPC endpoint at url.
func DialEthereum(ctx context.Context, url string, rps float64, log zerolog.Logger) (*EthereumSource, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ethereum: %w", err)
	}
	return NewEthereumSource(client, rps, log), client, nil
}

// NewEthereumSource wraps backend.
func NewEthereumSource(backend EthereumBackend, rps float64, log zerolog.Logger) *EthereumSource {
	return &EthereumSource{
		backend: backend,
		limiter: newLimiter(rps),
		log:     log.With().Str("component", "ethereum_source").Logger(),
	}
}

// Confirmations counts blocks since the receipt's block, inclusive. A
// transaction without a receipt yet has zero confirmations.
func (s *EthereumSource) Confirmations(ctx context.Context, hash string) (ports.ConfirmationInfo, error) {
	if err := wait(ctx, s.limiter); err != nil {
		return ports.ConfirmationInfo{}, err
	}
	receipt, err := s.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ports.ConfirmationInfo{}, nil
		}
		return ports.ConfirmationInfo{}, fmt.Errorf("ethereum receipt %s: %w", hash, err)
	}
	if receipt.BlockNumber == nil {
		return ports.ConfirmationInfo{}, nil
	}
	block := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusFailed {
		return ports.ConfirmationInfo{BlockNumber: &block, Reverted: true}, nil
	}

	if err := wait(ctx, s.limiter); err != nil {
		return ports.ConfirmationInfo{}, err
	}
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return ports.ConfirmationInfo{}, fmt.Errorf("ethereum block number: %w", err)
	}

	var confirmations int64
	if head >= block {
		confirmations = int64(head-block) + 1
	}
	s.log.Debug().Str("hash", hash).Uint64("block", block).Uint64("head", head).Int64("confirmations", confirmations).Msg("receipt checked")
	return ports.ConfirmationInfo{Confirmations: confirmations, BlockNumber: &block}, nil
}

// LiveRate returns the suggested gas price in ETH per gas unit.
func (s *EthereumSource) LiveRate(ctx context.Context) (decimal.Decimal, error) {
	if err := wait(ctx, s.limiter); err != nil {
		return decimal.Zero, err
	}
	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ethereum gas price: %w", err)
	}
	return decimal.NewFromBigInt(price, weiDecimals), nil
}

// Ping reports node reachability for the health endpoint.
func (s *EthereumSource) Ping(ctx context.Context) error {
	_, err := s.backend.BlockNumber(ctx)
	return err
}

func (s *EthereumSource) Name() string { return "ethereum" }
