package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RoundsHalfEvenToCurrencyPrecision(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency Currency
		expected string
	}{
		{"usdt six places", "100.1234567", USDT, "100.123457"},
		{"btc eight places", "0.123456789", BTC, "0.12345679"},
		{"kes half to even down", "10.125", KES, "10.12"},
		{"kes half to even up", "10.135", KES, "10.14"},
		{"usd padded", "1", USD, "1.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(tt.amount, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.String())
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(decimal.NewFromInt(-1), USD)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = New(decimal.NewFromInt(1), Currency("ETH"))
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)

	_, err = Parse("abc", USD)
	assert.Error(t, err)
}

func TestArithmetic(t *testing.T) {
	a := MustParse("10.50", USD)
	b := MustParse("0.25", USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "10.75", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "10.25", diff.String())

	_, err = b.Sub(a)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	scaled, err := a.Mul(decimal.RequireFromString("0.005"))
	require.NoError(t, err)
	assert.Equal(t, "0.05", scaled.String())

	_, err = a.Mul(decimal.NewFromInt(-2))
	assert.ErrorIs(t, err, ErrNegativeAmount)

	assert.Equal(t, "10.50", a.String(), "operands are not mutated")
}

func TestCurrencyMismatch(t *testing.T) {
	usd := MustParse("1", USD)
	kes := MustParse("1", KES)

	_, err := usd.Add(kes)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = usd.Sub(kes)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = usd.Cmp(kes)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.False(t, usd.LessThan(kes))
	assert.False(t, usd.GreaterThan(kes))
}

func TestConvertTo(t *testing.T) {
	usdt := MustParse("100.50", USDT)

	kes, err := usdt.ConvertTo(KES, decimal.RequireFromString("129.555"))
	require.NoError(t, err)
	assert.Equal(t, KES, kes.Currency())
	assert.Equal(t, "13020.28", kes.String())

	same, err := usdt.ConvertTo(USDT, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, same.Equal(usdt))

	_, err = usdt.ConvertTo(KES, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "USD 1.00", MustParse("1", USD).Format())
	assert.Equal(t, "KES 9950.00", MustParse("9950", KES).Format())
	assert.Equal(t, "0.00000000 BTC", Zero(BTC).Format())
	assert.Equal(t, "100.500000 USDT", MustParse("100.5", USDT).Format())
}

func TestJSON(t *testing.T) {
	m := MustParse("100.5", USDT)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"100.500000","currency":"USDT"}`, string(data))

	var decoded Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"0.123456789","currency":"BTC"}`), &decoded))
	assert.Equal(t, "0.12345679", decoded.String())

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"-1","currency":"BTC"}`), &decoded))
}

func TestSum(t *testing.T) {
	total, err := Sum(KES, MustParse("2500", KES), MustParse("7500", KES))
	require.NoError(t, err)
	assert.Equal(t, "10000.00", total.String())

	_, err = Sum(KES, MustParse("1", USD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" usdt ")
	require.NoError(t, err)
	assert.Equal(t, USDT, c)
	assert.True(t, c.IsCrypto())
	assert.False(t, KES.IsCrypto())

	_, err = ParseCurrency("DOGE")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}
