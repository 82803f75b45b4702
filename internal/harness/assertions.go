package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/covenant/internal/store"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s assertion failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns one message per failed assertion.
func EvaluateAssertions(ctx context.Context, st *store.Store, snap Snapshot, assertions []Assertion) []string {
	var errors []string
	for i, a := range assertions {
		if err := evaluate(ctx, st, snap, a); err != nil {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %v", i, err))
		}
	}
	return errors
}

func evaluate(ctx context.Context, st *store.Store, snap Snapshot, a Assertion) error {
	switch a.Type {
	case AssertAccount:
		acct, err := st.FindAccountByHandle(ctx, a.Account)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: "account @" + a.Account, Actual: err.Error()}
		}
		return matchFields(a.Type, acct, a.Expect)
	case AssertAgreement:
		agr, err := st.GetAgreement(ctx, a.ID)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("agreement %d", a.ID), Actual: err.Error()}
		}
		return matchFields(a.Type, agr, a.Expect)
	case AssertContract:
		c, err := st.GetContract(ctx, a.ID)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("contract %d", a.ID), Actual: err.Error()}
		}
		return matchFields(a.Type, c, a.Expect)
	case AssertMessage:
		m, err := st.GetMessage(ctx, a.ID)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("message %d", a.ID), Actual: err.Error()}
		}
		return matchFields(a.Type, m, a.Expect)
	case AssertCounters:
		return matchFields(a.Type, snap.Counters, a.Expect)
	case AssertReply:
		return assertReply(snap, a)
	case AssertReplyCount:
		if a.Count == nil {
			return fmt.Errorf("reply_count requires count")
		}
		if len(snap.Replies) != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d replies", *a.Count),
				Actual:   fmt.Sprintf("%d replies", len(snap.Replies)),
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertReply(snap Snapshot, a Assertion) error {
	var texts []string
	for _, r := range snap.Replies {
		if r.ParentID != a.Parent {
			continue
		}
		if strings.Contains(r.Text, a.Contains) {
			return nil
		}
		texts = append(texts, fmt.Sprintf("%q", r.Text))
	}
	expected := fmt.Sprintf("reply to %d", a.Parent)
	if a.Contains != "" {
		expected += fmt.Sprintf(" containing %q", a.Contains)
	}
	actual := "no reply"
	if len(texts) > 0 {
		actual = strings.Join(texts, ", ")
	}
	return &AssertionError{Type: a.Type, Expected: expected, Actual: actual}
}

// matchFields compares expected values against the JSON form of actual.
// Only fields named in expect are checked.
func matchFields(kind string, actual any, expect map[string]any) error {
	fields, err := jsonFields(actual)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		got, ok := fields[key]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present", key),
			}
		}
		want, err := normalize(expect[key])
		if err != nil {
			return fmt.Errorf("expected %q: %w", key, err)
		}
		if !reflect.DeepEqual(got, want) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q = %v", key, want),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

func jsonFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// normalize round-trips v through JSON so YAML-decoded values compare equal
// to the fields of a marshalled row.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
