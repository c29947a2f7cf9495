package service

import (
	"encoding/hex"
	"strings"

	"qpesapay/internal/core/domain"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint hashes the fields that make two payment requests the same
// logical request. Server-assigned fields (ID, CreatedAt) are excluded.
func Fingerprint(req domain.PaymentRequest) string {
	merchant := ""
	if req.MerchantID != nil {
		merchant = req.MerchantID.String()
	}
	canonical := strings.Join([]string{
		req.UserID.String(),
		merchant,
		req.Amount.String(),
		string(req.Amount.Currency()),
		string(req.Network),
		strings.ToLower(strings.TrimSpace(req.RecipientAddress)),
		strings.ToLower(strings.TrimSpace(req.FromAddress)),
		req.Description,
	}, "|")
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
