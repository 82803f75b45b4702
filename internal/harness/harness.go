package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/config"
	"github.com/roach88/covenant/internal/ingest"
	"github.com/roach88/covenant/internal/platform"
	"github.com/roach88/covenant/internal/service"
	"github.com/roach88/covenant/internal/store"
	"github.com/roach88/covenant/internal/testutil"
)

// Scenario defaults. Settings override them per scenario.
const (
	DefaultBotHandle       = "covenant"
	DefaultStartingBalance = 100
	DefaultTaxRate         = 0.05
)

type options struct {
	logger zerolog.Logger
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the logger handed to the service. Runs are silent by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Config returns the service configuration a scenario runs with.
func (s *Scenario) Config() (config.Config, error) {
	cfg := config.Default()
	cfg.Bot.Handle = DefaultBotHandle
	cfg.Accounts.StartingBalance = DefaultStartingBalance
	cfg.Contracts.UnitValue = config.PerAction{Like: 2, Retweet: 5}
	cfg.Contracts.Quota = config.PerAction{Like: 10, Retweet: 10}
	tax := DefaultTaxRate
	cfg.Settlement.TaxRate = &tax
	cfg.Replies.Enabled = true
	cfg.Replies.RatePerSecond = 0

	set := s.Settings
	if set.BotHandle != "" {
		cfg.Bot.Handle = set.BotHandle
	}
	if set.StartingBalance != nil {
		cfg.Accounts.StartingBalance = *set.StartingBalance
	}
	if set.TaxRate != nil {
		cfg.Settlement.TaxRate = set.TaxRate
	}
	if set.UnitValue != nil {
		cfg.Contracts.UnitValue = *set.UnitValue
	}
	if set.Quota != nil {
		cfg.Contracts.Quota = *set.Quota
	}
	if set.PostReplies != nil {
		cfg.Replies.Enabled = *set.PostReplies
	}
	if set.FetchLimit != nil {
		cfg.Ingest.FetchLimit = *set.FetchLimit
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	return cfg, nil
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database under a temporary directory.
// Execution flow:
//  1. Build a service over a file-backed feed with a stepping clock
//  2. For each cycle, record performed actions, add messages and run one cycle
//  3. Snapshot the ledger and evaluate assertions
//
// An error is returned only when the scenario could not run; failed
// assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := scenario.Config()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "covenant-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg.Database = filepath.Join(dir, "scenario.db")
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	feed := platform.NewFeedPlatform()
	actions := platform.NewMemoryActions()
	collab := service.Collaborators{Source: feed, Poster: feed, Actions: actions}
	if len(scenario.Links) > 0 {
		collab.Unshortener = testutil.StaticUnshortener(scenario.Links)
	}

	svc, err := service.New(ctx, cfg, st, collab, o.logger,
		service.WithClock(testutil.NewStepClock(time.Time{}, 0).Now),
		service.WithCycleIDs(testutil.NewFixedCycleIDs(scenario.CycleID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build service: %w", err)
	}

	result := NewResult()
	for i, cycle := range scenario.Cycles {
		msgs, err := platform.Feed{Messages: cycle.Messages}.Decode()
		if err != nil {
			return nil, fmt.Errorf("cycle %d: %w", i, err)
		}
		for _, p := range cycle.Performed {
			if err := actions.Record(ctx, p.AccountID, p.Action, p.Message); err != nil {
				return nil, fmt.Errorf("cycle %d: %w", i, err)
			}
		}
		feed.Add(msgs...)

		report, err := svc.RunCycle(ctx)
		if err != nil {
			return nil, fmt.Errorf("cycle %d: %w", i, err)
		}
		report.Duration = 0
		result.Reports = append(result.Reports, report)
	}

	snapshot, err := takeSnapshot(ctx, st, feed)
	if err != nil {
		return nil, err
	}
	result.Snapshot = snapshot

	if snapshot.TotalBalance != 0 {
		result.AddError(fmt.Sprintf("ledger does not balance: accounts sum to %d", snapshot.TotalBalance))
	}
	for _, msg := range EvaluateAssertions(ctx, st, snapshot, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func takeSnapshot(ctx context.Context, st *store.Store, feed *platform.FeedPlatform) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Accounts, err = st.ListAccounts(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot accounts: %w", err)
	}
	if snap.Agreements, err = st.ListAgreements(ctx, ""); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot agreements: %w", err)
	}
	if snap.Contracts, err = st.ListContracts(ctx, store.ContractFilter{}); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot contracts: %w", err)
	}
	if snap.Counters, err = st.Counters(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot counters: %w", err)
	}
	if snap.Cursor, err = st.Cursor(ctx, ingest.CursorMentions); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot cursor: %w", err)
	}
	if snap.TotalBalance, err = st.TotalBalance(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot balance: %w", err)
	}
	snap.Replies = feed.Replies()
	return snap, nil
}
