package chain

import (
	"errors"
	"fmt"
	"strings"

	"qpesapay/internal/core/domain"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// tronAddressVersion is the base58check version byte of Tron mainnet accounts.
const tronAddressVersion = 0x41

// AddressChecker implements ports.AddressChecker with each chain's own
// address encoding.
type AddressChecker struct {
	bitcoin *chaincfg.Params
}

// NewAddressChecker validates bitcoin addresses against params.
func NewAddressChecker(params *chaincfg.Params) *AddressChecker {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &AddressChecker{bitcoin: params}
}

func (c *AddressChecker) Check(network domain.Network, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("address is empty")
	}
	switch network {
	case domain.NetworkEthereum:
		if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
			return errors.New("must be a 0x-prefixed 20 byte hex address")
		}
		return nil
	case domain.NetworkBitcoin:
		addr, err := btcutil.DecodeAddress(address, c.bitcoin)
		if err != nil {
			return fmt.Errorf("invalid bitcoin address: %w", err)
		}
		if !addr.IsForNet(c.bitcoin) {
			return fmt.Errorf("address is not for %s", c.bitcoin.Name)
		}
		return nil
	case domain.NetworkTron:
		payload, version, err := base58.CheckDecode(address)
		if err != nil {
			return fmt.Errorf("invalid tron address: %w", err)
		}
		if version != tronAddressVersion || len(payload) != 20 {
			return errors.New("invalid tron address: wrong version or length")
		}
		return nil
	}
	return fmt.Errorf("unsupported network %q", network)
}
