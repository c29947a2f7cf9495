package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEthHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

type fakeEthereum struct {
	receipt  *types.Receipt
	err      error
	head     uint64
	gasPrice *big.Int
}

func (f *fakeEthereum) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.err
}

func (f *fakeEthereum) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeEthereum) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func TestEthereumSource_Confirmations(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeEthereum
		want    ports.ConfirmationInfo
		wantErr bool
	}{
		{
			name:    "pending transaction has no receipt",
			backend: &fakeEthereum{err: ethereum.NotFound},
			want:    ports.ConfirmationInfo{},
		},
		{
			name: "mined transaction counts its own block",
			backend: &fakeEthereum{
				receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)},
				head:    102,
			},
			want: ports.ConfirmationInfo{Confirmations: 3, BlockNumber: ptr(uint64(100))},
		},
		{
			name: "head behind receipt block",
			backend: &fakeEthereum{
				receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)},
				head:    99,
			},
			want: ports.ConfirmationInfo{BlockNumber: ptr(uint64(100))},
		},
		{
			name: "reverted transfer",
			backend: &fakeEthereum{
				receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)},
			},
			want: ports.ConfirmationInfo{BlockNumber: ptr(uint64(100)), Reverted: true},
		},
		{
			name:    "node error",
			backend: &fakeEthereum{err: errors.New("connection reset")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewEthereumSource(tt.backend, 0, zerolog.Nop())
			got, err := src.Confirmations(context.Background(), testEthHash)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEthereumSource_LiveRate(t *testing.T) {
	src := NewEthereumSource(&fakeEthereum{gasPrice: big.NewInt(31_000_000_000)}, 0, zerolog.Nop())
	rate, err := src.LiveRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.000000031", rate.String())
}

type fakeBitcoin struct {
	tx      *btcjson.TxRawResult
	txErr   error
	height  int64
	feeRate *float64
	feeErr  error
}

func (f *fakeBitcoin) GetRawTransactionVerbose(*chainhash.Hash) (*btcjson.TxRawResult, error) {
	return f.tx, f.txErr
}

func (f *fakeBitcoin) GetBlockCount() (int64, error) { return f.height, nil }

func (f *fakeBitcoin) EstimateSmartFee(int64, *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return &btcjson.EstimateSmartFeeResult{FeeRate: f.feeRate, Errors: []string{"insufficient data"}}, nil
}

const testBtcHash = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestBitcoinSource_Confirmations(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		src := NewBitcoinSource(&fakeBitcoin{tx: &btcjson.TxRawResult{Confirmations: 2}, height: 840_001}, 0, zerolog.Nop())
		got, err := src.Confirmations(context.Background(), testBtcHash)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Confirmations)
		require.NotNil(t, got.BlockNumber)
		assert.Equal(t, uint64(840_000), *got.BlockNumber)
	})

	t.Run("mempool", func(t *testing.T) {
		src := NewBitcoinSource(&fakeBitcoin{tx: &btcjson.TxRawResult{}}, 0, zerolog.Nop())
		got, err := src.Confirmations(context.Background(), testBtcHash)
		require.NoError(t, err)
		assert.Equal(t, ports.ConfirmationInfo{}, got)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		backend := &fakeBitcoin{txErr: btcjson.NewRPCError(btcjson.ErrRPCNoTxInfo, "No such mempool or blockchain transaction")}
		got, err := NewBitcoinSource(backend, 0, zerolog.Nop()).Confirmations(context.Background(), testBtcHash)
		require.NoError(t, err)
		assert.Equal(t, ports.ConfirmationInfo{}, got)
	})

	t.Run("malformed hash", func(t *testing.T) {
		_, err := NewBitcoinSource(&fakeBitcoin{}, 0, zerolog.Nop()).Confirmations(context.Background(), "zz")
		assert.Error(t, err)
	})
}

func TestBitcoinSource_LiveRate(t *testing.T) {
	rate := 0.00012
	got, err := NewBitcoinSource(&fakeBitcoin{feeRate: &rate}, 0, zerolog.Nop()).LiveRate(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.00000012").Equal(got), got.String())

	_, err = NewBitcoinSource(&fakeBitcoin{}, 0, zerolog.Nop()).LiveRate(context.Background())
	assert.ErrorContains(t, err, "no estimate")
}

func TestBitcoinParams(t *testing.T) {
	p, err := BitcoinParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, chaincfg.RegressionNetParams.Name, p.Name)

	_, err = BitcoinParams("litecoin")
	assert.Error(t, err)
}

func TestAddressChecker(t *testing.T) {
	checker := NewAddressChecker(&chaincfg.MainNetParams)

	tests := []struct {
		network domain.Network
		address string
		valid   bool
	}{
		{domain.NetworkEthereum, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", true},
		{domain.NetworkEthereum, "9858EfFD232B4033E47d90003D41EC34EcaEda94", false},
		{domain.NetworkEthereum, "0x123", false},
		{domain.NetworkBitcoin, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{domain.NetworkBitcoin, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{domain.NetworkBitcoin, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false},
		{domain.NetworkBitcoin, "not-an-address", false},
		{domain.NetworkTron, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", true},
		{domain.NetworkTron, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u", false},
		{domain.NetworkTron, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", false},
		{domain.NetworkTron, "", false},
		{"solana", "So11111111111111111111111111111111111111112", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.network)+"/"+tt.address, func(t *testing.T) {
			err := checker.Check(tt.network, tt.address)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type staticSource struct{ info ports.ConfirmationInfo }

func (s staticSource) Confirmations(context.Context, string) (ports.ConfirmationInfo, error) {
	return s.info, nil
}

func TestRouter(t *testing.T) {
	r := NewRouter(map[domain.Network]NetworkSource{
		domain.NetworkTron: staticSource{info: ports.ConfirmationInfo{Confirmations: 19}},
	})

	got, err := r.Confirmations(context.Background(), "abc", domain.NetworkTron)
	require.NoError(t, err)
	assert.Equal(t, int64(19), got.Confirmations)

	_, err = r.Confirmations(context.Background(), "abc", domain.NetworkBitcoin)
	assert.ErrorContains(t, err, "no confirmation source")
}

func ptr[T any](v T) *T { return &v }
