package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferKeyDeterministic(t *testing.T) {
	a, err := TransferKey("escrow", 100)
	require.NoError(t, err)
	b, err := TransferKey("escrow", 100)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestTransferKeyDistinct(t *testing.T) {
	keys := map[string]bool{
		MustTransferKey("escrow", 100):        true,
		MustTransferKey("escrow", 101):        true,
		MustTransferKey("refund", 100):        true,
		MustTransferKey("redeem", 100, 7):     true,
		MustTransferKey("redeem", 1007):       true,
		MustTransferKey("settle_tax", 100):    true,
		MustTransferKey("settle_member", 100): true,
	}
	assert.Len(t, keys, 7)
}

func TestHashWithDomainSeparation(t *testing.T) {
	assert.NotEqual(t, hashWithDomain("a", []byte("bc")), hashWithDomain("ab", []byte("c")))
}

func TestErrorClassification(t *testing.T) {
	err := fmt.Errorf("create: %w", NewInsufficientBalanceError(1, 5, 10))

	assert.True(t, IsCode(err, CodeInsufficientBalance))
	assert.True(t, IsRejection(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	assert.Contains(t, err.Error(), "balance=5")

	assert.True(t, IsNotFound(NewNotFoundError("message", 3)))
	assert.True(t, IsCycleError(NewCycleError(3, 500)))
	assert.False(t, IsRejection(NewSelfRedemptionError(1, 2)))
	assert.False(t, IsCode(nil, CodeNotFound))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
