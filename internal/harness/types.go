package harness

import (
	"github.com/roach88/covenant/internal/ingest"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/platform"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held and the ledger balanced.
	Pass bool `json:"pass"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Reports holds one report per cycle, in order.
	Reports []ingest.CycleReport `json:"reports"`

	// Snapshot is the ledger state after the last cycle.
	Snapshot Snapshot `json:"snapshot"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot is the observable ledger state at the end of a scenario.
type Snapshot struct {
	Accounts     []model.Account        `json:"accounts"`
	Agreements   []model.Agreement      `json:"agreements"`
	Contracts    []model.Contract       `json:"contracts"`
	Replies      []platform.PostedReply `json:"replies"`
	Counters     model.Counters         `json:"counters"`
	Cursor       int64                  `json:"cursor"`
	TotalBalance int64                  `json:"total_balance"`
}
