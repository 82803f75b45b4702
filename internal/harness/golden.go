package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/covenant/internal/model"
)

// toCanonicalMap projects the snapshot onto the fields compared by golden
// files. Timestamps are left out so snapshots only change with ledger behavior.
func (s Snapshot) toCanonicalMap(name string) map[string]any {
	accounts := make([]any, len(s.Accounts))
	for i, a := range s.Accounts {
		accounts[i] = map[string]any{
			"id":              a.ID,
			"handle":          a.Handle,
			"balance":         a.Balance,
			"issued_likes":    a.IssuedLikes,
			"issued_retweets": a.IssuedRetweets,
		}
	}

	agreements := make([]any, len(s.Agreements))
	for i, a := range s.Agreements {
		signatures := make(map[string]any, len(a.Signatures))
		for handle, msgID := range a.Signatures {
			signatures[handle] = msgID
		}
		agreements[i] = map[string]any{
			"id":                a.ID,
			"creator":           a.CreatorHandle,
			"member":            a.MemberHandle,
			"creator_ruling":    string(a.CreatorRuling),
			"member_ruling":     string(a.MemberRuling),
			"collateral_type":   string(a.CollateralType),
			"collateral_amount": a.CollateralAmount,
			"contract_id":       a.ContractID,
			"signatures":        signatures,
			"links":             a.Links,
			"dead":              a.Dead,
			"state":             string(a.State),
		}
	}

	contracts := make([]any, len(s.Contracts))
	for i, c := range s.Contracts {
		contracts[i] = map[string]any{
			"id":              c.ID,
			"issuer":          c.IssuerHandle,
			"type":            string(c.Type),
			"issued_count":    c.IssuedCount,
			"remaining_count": c.RemainingCount,
			"unit_price":      c.UnitPrice,
			"executed_on":     c.ExecutedOn,
			"state":           string(c.State),
			"agreement_id":    c.AgreementID,
		}
	}

	replies := make([]any, len(s.Replies))
	for i, r := range s.Replies {
		replies[i] = map[string]any{
			"parent_id": r.ParentID,
			"text":      r.Text,
		}
	}

	return map[string]any{
		"scenario":   name,
		"accounts":   accounts,
		"agreements": agreements,
		"contracts":  contracts,
		"replies":    replies,
		"counters": map[string]any{
			"num_messages":   s.Counters.Messages,
			"num_agreements": s.Counters.Agreements,
			"num_contracts":  s.Counters.Contracts,
			"num_accounts":   s.Counters.Accounts,
		},
		"cursor": s.Cursor,
	}
}

// Canonical returns the snapshot as canonical JSON.
func (s Snapshot) Canonical(name string) ([]byte, error) {
	return model.MarshalCanonical(s.toCanonicalMap(name))
}

// RunWithGolden executes a scenario, fails the test on assertion errors and
// compares the final snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's snapshot against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshotJSON, err := result.Snapshot.Canonical(scenarioName)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshotJSON)
	return nil
}
