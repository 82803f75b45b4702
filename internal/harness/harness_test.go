package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/platform"
)

func TestRun_Scenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			result, err := Run(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Reports, len(sc.Cycles))
			assert.Zero(t, result.Snapshot.TotalBalance)
		})
	}
}

func TestRun_ReportsPerCycle(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/currency_broken.yaml")
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, result.Reports, 2)

	assert.Equal(t, "test-cycle", result.Reports[0].CycleID)
	assert.Equal(t, 2, result.Reports[0].Fetched)
	assert.Equal(t, int64(11), result.Reports[0].Cursor)
	assert.Equal(t, 1, result.Reports[0].Sent)
	assert.Equal(t, 2, result.Reports[1].Fetched)
	assert.Equal(t, int64(13), result.Reports[1].Cursor)
	assert.Zero(t, result.Reports[1].Duration)
}

func TestRun_FailingAssertions(t *testing.T) {
	count := 5
	sc := &Scenario{
		Name:   "failing",
		Cycles: []Cycle{{}},
		Assertions: []Assertion{
			{Type: AssertAccount, Account: "nobody", Expect: map[string]any{"balance": 1}},
			{Type: AssertReplyCount, Count: &count},
			{Type: AssertCounters, Expect: map[string]any{"num_accounts": 9}},
			{Type: AssertReply, Parent: 10},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "account @nobody")
	assert.Contains(t, result.Errors[1], "expected 5 replies, got 0 replies")
	assert.Contains(t, result.Errors[2], `field "num_accounts"`)
	assert.Contains(t, result.Errors[3], "no reply")
}

func TestRun_CustomCycleID(t *testing.T) {
	count := 0
	sc := &Scenario{
		Name:       "cycle_id",
		CycleID:    "fixed-42",
		Cycles:     []Cycle{{}},
		Assertions: []Assertion{{Type: AssertReplyCount, Count: &count}},
	}
	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Equal(t, "fixed-42", result.Reports[0].CycleID)
}

func TestRun_RepliesDisabled(t *testing.T) {
	off := false
	count := 0
	sc := &Scenario{
		Name:     "quiet",
		Settings: Settings{PostReplies: &off},
		Cycles: []Cycle{{Messages: []platform.FeedMessage{
			{ID: 10, AuthorID: 1, Author: "alice", Text: "@bob +agr 5"},
		}}},
		Assertions: []Assertion{
			{Type: AssertReplyCount, Count: &count},
			{Type: AssertAgreement, ID: 10, Expect: map[string]any{"state": "open"}},
		},
	}
	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InvalidSettings(t *testing.T) {
	rate := 2.0
	sc := &Scenario{Name: "bad", Settings: Settings{TaxRate: &rate}, Cycles: []Cycle{{}}}
	_, err := Run(context.Background(), sc)
	assert.Error(t, err)
}
