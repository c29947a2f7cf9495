package domain

import (
	"fmt"
	"strings"

	"qpesapay/pkg/money"
)

// Network identifies the blockchain a transfer is executed on.
type Network string

const (
	NetworkEthereum Network = "ethereum"
	NetworkTron     Network = "tron"
	NetworkBitcoin  Network = "bitcoin"
)

// Networks lists every supported network.
var Networks = []Network{NetworkEthereum, NetworkTron, NetworkBitcoin}

// ParseNetwork normalizes s into a supported Network.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if !n.Valid() {
		return "", fmt.Errorf("unsupported network %q", s)
	}
	return n, nil
}

func (n Network) Valid() bool {
	switch n {
	case NetworkEthereum, NetworkTron, NetworkBitcoin:
		return true
	}
	return false
}

// Supports reports whether currency can be transferred on n.
func (n Network) Supports(currency money.Currency) bool {
	switch n {
	case NetworkBitcoin:
		return currency == money.BTC
	case NetworkEthereum, NetworkTron:
		return currency == money.USDT
	}
	return false
}
