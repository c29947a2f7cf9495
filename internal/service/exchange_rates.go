package service

import (
	"context"
	"fmt"

	"qpesapay/pkg/money"

	"github.com/shopspring/decimal"
)

// StaticExchangeRates quotes every currency against one base currency and
// derives cross rates from those quotes.
type StaticExchangeRates struct {
	base   money.Currency
	quotes map[money.Currency]decimal.Decimal
}

// NewStaticExchangeRates creates a provider where quotes[c] is the price of
// one unit of c in base.
func NewStaticExchangeRates(base money.Currency, quotes map[money.Currency]decimal.Decimal) *StaticExchangeRates {
	return &StaticExchangeRates{base: base, quotes: quotes}
}

func (r *StaticExchangeRates) Rate(_ context.Context, from, to money.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	fromQuote, err := r.quote(from)
	if err != nil {
		return decimal.Zero, err
	}
	toQuote, err := r.quote(to)
	if err != nil {
		return decimal.Zero, err
	}
	return fromQuote.DivRound(toQuote, 18), nil
}

func (r *StaticExchangeRates) quote(c money.Currency) (decimal.Decimal, error) {
	if c == r.base {
		return decimal.NewFromInt(1), nil
	}
	q, ok := r.quotes[c]
	if !ok || q.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("no exchange rate for %s/%s", c, r.base)
	}
	return q, nil
}
