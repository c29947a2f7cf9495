package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports/mocks"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func violationFields(t *testing.T, err error) []string {
	t.Helper()
	appErr, ok := apperror.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	require.Equal(t, "VAL_001", appErr.Code)
	fields := make([]string, 0, len(appErr.Details))
	for _, v := range appErr.Details {
		fields = append(fields, v.Field)
	}
	return fields
}

func TestPaymentValidator_Validate(t *testing.T) {
	base := func() domain.PaymentRequest {
		return domain.PaymentRequest{
			UserID:           uuid.New(),
			Amount:           money.MustParse("100", money.USDT),
			FromAddress:      testSender,
			RecipientAddress: testRecipient,
			Network:          domain.NetworkTron,
		}
	}

	tests := []struct {
		name       string
		mutate     func(*domain.PaymentRequest)
		wantFields []string
	}{
		{name: "valid", mutate: func(*domain.PaymentRequest) {}},
		{
			name:       "zero amount",
			mutate:     func(r *domain.PaymentRequest) { r.Amount = money.Zero(money.USDT) },
			wantFields: []string{"amount"},
		},
		{
			name:       "below minimum",
			mutate:     func(r *domain.PaymentRequest) { r.Amount = money.MustParse("0.001", money.USDT) },
			wantFields: []string{"amount"},
		},
		{
			name:   "at maximum",
			mutate: func(r *domain.PaymentRequest) { r.Amount = money.MustParse("10000", money.USDT) },
		},
		{
			name:       "above maximum",
			mutate:     func(r *domain.PaymentRequest) { r.Amount = money.MustParse("10000.01", money.USDT) },
			wantFields: []string{"amount"},
		},
		{
			name:       "unknown network",
			mutate:     func(r *domain.PaymentRequest) { r.Network = "solana" },
			wantFields: []string{"network"},
		},
		{
			name: "currency not carried by network",
			mutate: func(r *domain.PaymentRequest) {
				r.Amount = money.MustParse("0.5", money.BTC)
			},
			wantFields: []string{"currency"},
		},
		{
			name:       "description too long",
			mutate:     func(r *domain.PaymentRequest) { r.Description = strings.Repeat("é", 501) },
			wantFields: []string{"description"},
		},
		{
			name:   "description at limit counts runes",
			mutate: func(r *domain.PaymentRequest) { r.Description = strings.Repeat("é", 500) },
		},
		{
			name:       "missing recipient",
			mutate:     func(r *domain.PaymentRequest) { r.RecipientAddress = "  " },
			wantFields: []string{"recipient_address"},
		},
		{
			name:       "self transfer",
			mutate:     func(r *domain.PaymentRequest) { r.RecipientAddress = strings.ToLower(testSender) },
			wantFields: []string{"recipient_address"},
		},
		{
			name: "every violation is reported",
			mutate: func(r *domain.PaymentRequest) {
				r.Amount = money.Zero(money.USDT)
				r.Description = strings.Repeat("x", 501)
				r.RecipientAddress = ""
			},
			wantFields: []string{"amount", "description", "recipient_address"},
		},
	}

	v := NewPaymentValidator(DefaultValidatorConfig(), acceptAddresses{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)

			err := v.Validate(req)
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantFields, violationFields(t, err))
		})
	}
}

func TestPaymentValidator_RejectsMalformedAddress(t *testing.T) {
	ctrl := gomock.NewController(t)
	addresses := mocks.NewMockAddressChecker(ctrl)
	addresses.EXPECT().Check(domain.NetworkEthereum, "0x123").Return(errors.New("must be 20 bytes"))

	v := NewPaymentValidator(DefaultValidatorConfig(), addresses)
	err := v.Validate(domain.PaymentRequest{
		Amount:           money.MustParse("5", money.USDT),
		FromAddress:      "0x9858EfFD232B4033E47d90003D41EC34EcaEda94",
		RecipientAddress: "0x123",
		Network:          domain.NetworkEthereum,
	})

	appErr, ok := apperror.As(err)
	require.True(t, ok)
	require.Len(t, appErr.Details, 1)
	assert.Equal(t, "recipient_address", appErr.Details[0].Field)
	assert.Contains(t, appErr.Details[0].Message, "must be 20 bytes")
}

func TestBalanceValidator(t *testing.T) {
	ctrl := gomock.NewController(t)
	balances := mocks.NewMockBalanceProvider(ctrl)
	userID := uuid.New()
	balances.EXPECT().AvailableBalance(gomock.Any(), userID, money.KES).
		Return(money.MustParse("100.00", money.KES), nil).Times(2)
	balances.EXPECT().AvailableBalance(gomock.Any(), userID, money.BTC).
		Return(money.Money{}, errors.New("ledger offline"))

	v := NewBalanceValidator(balances)
	ctx := context.Background()

	assert.NoError(t, v.ValidateSufficientBalance(ctx, userID, money.MustParse("100", money.KES)))
	assert.True(t, apperror.HasCode(v.ValidateSufficientBalance(ctx, userID, money.MustParse("100.01", money.KES)), "PAY_001"))
	assert.True(t, apperror.HasCode(v.ValidateSufficientBalance(ctx, userID, money.MustParse("1", money.BTC)), "SYS_001"))
}

func TestFingerprint(t *testing.T) {
	req := usdtRequest("10")
	same := req
	same.ID = uuid.New()
	same.CreatedAt = testNow.Add(time.Hour)
	same.RecipientAddress = "  " + strings.ToLower(req.RecipientAddress)

	changed := req
	changed.Amount = money.MustParse("10.000001", money.USDT)

	assert.Len(t, Fingerprint(req), 64)
	assert.Equal(t, Fingerprint(req), Fingerprint(same))
	assert.NotEqual(t, Fingerprint(req), Fingerprint(changed))
}
