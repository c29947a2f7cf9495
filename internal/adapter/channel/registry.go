package channel

import (
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
)

// Registry holds the enabled payout channels and the callback parsers of
// those that report asynchronously.
type Registry struct {
	channels []ports.SettlementChannel
	parsers  map[domain.SettlementMethod]ports.CallbackParser
}

func NewRegistry(channels ...ports.SettlementChannel) *Registry {
	r := &Registry{parsers: make(map[domain.SettlementMethod]ports.CallbackParser)}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		r.channels = append(r.channels, ch)
		if p, ok := ch.(ports.CallbackParser); ok {
			r.parsers[ch.Method()] = p
		}
	}
	return r
}

func (r *Registry) Channels() []ports.SettlementChannel { return r.channels }

// Parser returns the callback parser for method, if the channel has one.
func (r *Registry) Parser(method domain.SettlementMethod) (ports.CallbackParser, bool) {
	p, ok := r.parsers[method]
	return p, ok
}
