// Package money implements a currency-aware fixed-precision amount.
//
// Every Money value is quantized to its currency's canonical precision using
// round-half-even at construction, so arithmetic results never carry more
// fractional digits than the currency allows.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-like currency code supported by the engine.
type Currency string

const (
	BTC  Currency = "BTC"
	USDT Currency = "USDT"
	KES  Currency = "KES"
	USD  Currency = "USD"
)

var (
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrNegativeAmount      = errors.New("amount cannot be negative")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidRate         = errors.New("conversion rate must be positive")
)

var precision = map[Currency]int32{
	BTC:  8,
	USDT: 6,
	KES:  2,
	USD:  2,
}

// Precision returns the number of fractional digits for c.
func (c Currency) Precision() int32 {
	return precision[c]
}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	_, ok := precision[c]
	return ok
}

// IsCrypto reports whether c is settled on a blockchain.
func (c Currency) IsCrypto() bool {
	return c == BTC || c == USDT
}

// ParseCurrency normalizes s and checks it is supported.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, s)
	}
	return c, nil
}

// Money is an immutable amount in a single currency.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

// New quantizes amount to the currency precision.
func New(amount decimal.Decimal, currency Currency) (Money, error) {
	if !currency.Valid() {
		return Money{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if amount.Sign() < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: amount.RoundBank(currency.Precision()), currency: currency}, nil
}

// Parse builds Money from a decimal string.
func Parse(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return New(d, currency)
}

// MustParse is Parse for constants and tests; it panics on error.
func MustParse(amount string, currency Currency) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in currency.
func Zero(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }
func (m Money) IsZero() bool            { return m.amount.IsZero() }

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.amount.Add(other.amount), m.currency)
}

// Sub returns m - other and rejects a negative result.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	diff := m.amount.Sub(other.amount)
	if diff.Sign() < 0 {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrNegativeAmount, m, other)
	}
	return New(diff, m.currency)
}

// Mul scales m by a non-negative factor and re-quantizes.
func (m Money) Mul(factor decimal.Decimal) (Money, error) {
	if factor.Sign() < 0 {
		return Money{}, fmt.Errorf("%w: factor %s", ErrNegativeAmount, factor)
	}
	return New(m.amount.Mul(factor), m.currency)
}

// ConvertTo converts m using rate (units of target per unit of m's currency).
func (m Money) ConvertTo(target Currency, rate decimal.Decimal) (Money, error) {
	if target == m.currency {
		return m, nil
	}
	if rate.Sign() <= 0 {
		return Money{}, ErrInvalidRate
	}
	return New(m.amount.Mul(rate), target)
}

// Cmp compares m and other: -1, 0 or +1.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.amount.Cmp(other.amount), nil
}

// LessThan reports m < other. Mismatched currencies are never comparable and return false.
func (m Money) LessThan(other Money) bool {
	c, err := m.Cmp(other)
	return err == nil && c < 0
}

func (m Money) GreaterThan(other Money) bool {
	c, err := m.Cmp(other)
	return err == nil && c > 0
}

// Equal reports value and currency equality.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// String returns the amount at full currency precision, e.g. "100.500000".
func (m Money) String() string {
	return m.amount.StringFixed(m.currency.Precision())
}

// Format renders fiat as "USD 1.00" and crypto as "0.00000000 BTC".
func (m Money) Format() string {
	if m.currency.IsCrypto() {
		return fmt.Sprintf("%s %s", m.String(), m.currency)
	}
	return fmt.Sprintf("%s %s", m.currency, m.String())
}

func (m Money) sameCurrency(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.String(), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sum adds all values; every element must be in currency.
func Sum(currency Currency, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
