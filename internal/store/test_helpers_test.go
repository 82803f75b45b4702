package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/covenant/internal/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMessage creates a message with minimal required fields.
func createTestMessage(id, parentID int64, text string) model.Message {
	return model.Message{
		ID:           id,
		Text:         text,
		AuthorID:     100,
		AuthorHandle: "alice",
		CreatedAt:    testNow.Add(time.Duration(id) * time.Second),
		ParentID:     parentID,
	}
}

// createTestContract creates an alive contract with minimal required fields.
func createTestContract(id, issuerID int64, typ model.ActionType, count, price int64, createdAt time.Time) model.Contract {
	return model.Contract{
		ID:             id,
		IssuerID:       issuerID,
		IssuerHandle:   "issuer",
		Type:           typ,
		IssuedCount:    count,
		RemainingCount: count,
		UnitPrice:      price,
		CreatedAt:      createdAt,
		State:          model.ContractAlive,
	}
}
