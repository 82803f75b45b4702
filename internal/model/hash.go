package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainTransfer prefixes ledger transfer idempotency keys.
// The version suffix allows a future change of key layout.
const DomainTransfer = "covenant/transfer/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TransferKey derives the idempotency key of a ledger transfer from the
// event that caused it. The same purpose and subject always yield the same key,
// so replaying an event never moves funds twice.
//
// Example: TransferKey("escrow", agreementID)
func TransferKey(purpose string, subject ...int64) (string, error) {
	obj := map[string]any{
		"purpose": purpose,
		"subject": subject,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("TransferKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTransfer, canonical), nil
}

// MustTransferKey is like TransferKey but panics on error.
// The inputs are plain strings and integers, so it only panics on programmer error.
func MustTransferKey(purpose string, subject ...int64) string {
	key, err := TransferKey(purpose, subject...)
	if err != nil {
		panic(err)
	}
	return key
}
