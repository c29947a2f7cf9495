package service

import (
	"testing"
	"time"

	"qpesapay/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-jwt-secret-key-for-unit-tests"

func TestJWTTokenService_GenerateAndValidate(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, time.Hour, "qpesapay-auth")
	merchantID := uuid.New()
	in := ports.TokenClaims{UserID: uuid.New(), MerchantID: &merchantID, Role: "merchant"}

	tokenStr, expiresAt, err := svc.Generate(in)
	require.NoError(t, err)
	assert.NotEmpty(t, tokenStr)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.Validate(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, in.UserID, claims.UserID)
	require.NotNil(t, claims.MerchantID)
	assert.Equal(t, merchantID, *claims.MerchantID)
	assert.Equal(t, "merchant", claims.Role)
}

func TestJWTTokenService_UserWithoutMerchant(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, time.Hour, "qpesapay-auth")

	tokenStr, _, err := svc.Generate(ports.TokenClaims{UserID: uuid.New(), Role: "user"})
	require.NoError(t, err)

	claims, err := svc.Validate(tokenStr)
	require.NoError(t, err)
	assert.Nil(t, claims.MerchantID)
}

func TestJWTTokenService_ExpiredToken(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, -time.Hour, "qpesapay-auth")

	tokenStr, _, err := svc.Generate(ports.TokenClaims{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_InvalidSignature(t *testing.T) {
	svc1 := NewJWTTokenService("secret-1", time.Hour, "qpesapay-auth")
	svc2 := NewJWTTokenService("secret-2", time.Hour, "qpesapay-auth")

	tokenStr, _, err := svc1.Generate(ports.TokenClaims{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc2.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_WrongIssuer(t *testing.T) {
	issuer := NewJWTTokenService(testJWTSecret, time.Hour, "someone-else")
	svc := NewJWTTokenService(testJWTSecret, time.Hour, "qpesapay-auth")

	tokenStr, _, err := issuer.Generate(ports.TokenClaims{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_RejectsNoneAlgorithm(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, time.Hour, "qpesapay-auth")
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
		"iss": "qpesapay-auth",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenStr, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_MalformedSubject(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, time.Hour, "qpesapay-auth")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "not-a-uuid",
		"iss": "qpesapay-auth",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenStr, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	_, err = svc.Validate(tokenStr)
	assert.Error(t, err)
}
