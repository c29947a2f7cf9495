package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"
)

// AmountLimits is an inclusive per-currency payment range.
type AmountLimits struct {
	Min money.Money
	Max money.Money
}

// ValidatorConfig holds the business limits applied to payment requests.
type ValidatorConfig struct {
	Limits               map[money.Currency]AmountLimits
	MaxDescriptionLength int
}

// DefaultValidatorConfig returns the production limits.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Limits: map[money.Currency]AmountLimits{
			money.USD:  {Min: money.MustParse("0.01", money.USD), Max: money.MustParse("10000", money.USD)},
			money.KES:  {Min: money.MustParse("1.00", money.KES), Max: money.MustParse("1000000", money.KES)},
			money.BTC:  {Min: money.MustParse("0.00001", money.BTC), Max: money.MustParse("1.0", money.BTC)},
			money.USDT: {Min: money.MustParse("0.01", money.USDT), Max: money.MustParse("10000", money.USDT)},
		},
		MaxDescriptionLength: 500,
	}
}

// PaymentValidator checks a payment request against business rules.
// It performs no I/O.
type PaymentValidator struct {
	cfg       ValidatorConfig
	addresses ports.AddressChecker
}

// NewPaymentValidator creates a PaymentValidator.
func NewPaymentValidator(cfg ValidatorConfig, addresses ports.AddressChecker) *PaymentValidator {
	return &PaymentValidator{cfg: cfg, addresses: addresses}
}

// Validate returns a VAL_001 AppError listing every violated rule, or nil.
func (v *PaymentValidator) Validate(req domain.PaymentRequest) error {
	var violations []apperror.Violation
	add := func(field, format string, args ...any) {
		violations = append(violations, apperror.Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	currency := req.Amount.Currency()
	if !req.Network.Valid() {
		add("network", "unsupported network %q", req.Network)
	} else if !req.Network.Supports(currency) {
		add("currency", "%s cannot be sent on %s", currency, req.Network)
	}

	limits, ok := v.cfg.Limits[currency]
	switch {
	case !ok:
		add("currency", "unsupported currency %q", currency)
	case req.Amount.IsZero():
		add("amount", "amount must be greater than zero")
	case req.Amount.LessThan(limits.Min):
		add("amount", "amount is below the minimum of %s", limits.Min.Format())
	case req.Amount.GreaterThan(limits.Max):
		add("amount", "amount exceeds the maximum of %s", limits.Max.Format())
	}

	if n := utf8.RuneCountInString(req.Description); n > v.cfg.MaxDescriptionLength {
		add("description", "description is %d characters, the limit is %d", n, v.cfg.MaxDescriptionLength)
	}

	recipient := strings.TrimSpace(req.RecipientAddress)
	switch {
	case recipient == "":
		add("recipient_address", "recipient address is required")
	case req.Network.Valid():
		if err := v.addresses.Check(req.Network, recipient); err != nil {
			add("recipient_address", "invalid %s address: %v", req.Network, err)
		}
	}
	if recipient != "" && strings.EqualFold(recipient, strings.TrimSpace(req.FromAddress)) {
		add("recipient_address", "recipient must differ from the sending wallet")
	}

	if len(violations) > 0 {
		return apperror.Validation("payment request is invalid", violations...)
	}
	return nil
}
