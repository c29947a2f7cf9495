package chain

import (
	"context"
	"fmt"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
)

// NetworkSource reports confirmations for hashes on a single network.
type NetworkSource interface {
	Confirmations(ctx context.Context, hash string) (ports.ConfirmationInfo, error)
}

// Router implements ports.ConfirmationSource by delegating to the source
// registered for each network.
type Router struct {
	sources map[domain.Network]NetworkSource
}

func NewRouter(sources map[domain.Network]NetworkSource) *Router {
	return &Router{sources: sources}
}

func (r *Router) Confirmations(ctx context.Context, hash string, network domain.Network) (ports.ConfirmationInfo, error) {
	src, ok := r.sources[network]
	if !ok {
		return ports.ConfirmationInfo{}, fmt.Errorf("no confirmation source for network %q", network)
	}
	return src.Confirmations(ctx, hash)
}
