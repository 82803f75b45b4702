// Package service assembles covenant's components into one ledger service.
//
// Every component is built once from the injected store and collaborators;
// nothing is held in package state, so tests and the CLI can run several
// services side by side.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/agreement"
	"github.com/roach88/covenant/internal/command"
	"github.com/roach88/covenant/internal/config"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/ingest"
	"github.com/roach88/covenant/internal/ledger"
	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/store"
	"github.com/roach88/covenant/internal/thread"
)

// Collaborators are the platform-facing dependencies of a service.
// Actions and Unshortener may be nil.
type Collaborators struct {
	Source      ingest.Source
	Poster      ingest.Poster
	Actions     contracts.ActionChecker
	Unshortener command.Unshortener
}

// Service is a fully wired ledger service.
type Service struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Pool     *contracts.Pool
	Machine  *agreement.Machine
	Resolver *thread.Resolver
	Parser   *command.Parser
	Notifier *ingest.Notifier
	Pipeline *ingest.Pipeline

	cfg    config.Config
	logger zerolog.Logger
}

type options struct {
	now      func() time.Time
	cycleIDs ingest.CycleIDGenerator
}

// Option configures New.
type Option func(*options)

// WithClock sets the clock stamped on accounts, contracts and transfers.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithCycleIDs sets the cycle id generator.
func WithCycleIDs(g ingest.CycleIDGenerator) Option {
	return func(o *options) {
		o.cycleIDs = g
	}
}

// New builds every component from cfg and ensures the engine account exists.
func New(ctx context.Context, cfg config.Config, s *store.Store, c Collaborators, logger zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	l := ledger.New(s, LedgerConfig(cfg), logger, ledger.WithClock(o.now))
	if err := l.EnsureEngine(ctx); err != nil {
		return nil, err
	}

	pool := contracts.NewPool(s, l, c.Actions, PoolConfig(cfg), logger, contracts.WithClock(o.now))
	machine := agreement.NewMachine(s, l, pool, agreement.Config{TaxBasisPoints: cfg.TaxBasisPoints()}, logger)
	resolver := thread.NewResolver(s, cfg.Thread.MaxDepth, logger)

	parserOpts := []command.Option{command.WithLinkTimeout(cfg.Links.Timeout)}
	if c.Unshortener != nil {
		parserOpts = append(parserOpts, command.WithUnshortener(c.Unshortener))
	}
	parser := command.NewParser(cfg.Bot.Handle, logger, parserOpts...)

	notifier := ingest.NewNotifier(c.Poster, NotifierConfig(cfg), logger)

	pipelineOpts := []ingest.Option{ingest.WithClock(o.now)}
	if o.cycleIDs != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithCycleIDs(o.cycleIDs))
	}
	pipeline := ingest.NewPipeline(ingest.Deps{
		Store:    s,
		Source:   c.Source,
		Accounts: l,
		Resolver: resolver,
		Parser:   parser,
		Machine:  machine,
		Pool:     pool,
		Notifier: notifier,
	}, ingest.Config{BotHandle: cfg.Bot.Handle, FetchLimit: cfg.Ingest.FetchLimit}, logger, pipelineOpts...)

	return &Service{
		Store:    s,
		Ledger:   l,
		Pool:     pool,
		Machine:  machine,
		Resolver: resolver,
		Parser:   parser,
		Notifier: notifier,
		Pipeline: pipeline,
		cfg:      cfg,
		logger:   logging.Component(logger, "service"),
	}, nil
}

// Scheduler returns a scheduler running the service's pipeline on the configured schedule.
func (s *Service) Scheduler() (*ingest.Scheduler, error) {
	return ingest.NewScheduler(s.Pipeline, s.cfg.Ingest.Schedule, s.logger)
}

// RunCycle runs one ingestion cycle.
func (s *Service) RunCycle(ctx context.Context) (ingest.CycleReport, error) {
	return s.Pipeline.RunCycle(ctx)
}

// LedgerConfig derives the ledger parameters from cfg.
func LedgerConfig(cfg config.Config) ledger.Config {
	return ledger.Config{
		EngineID:        cfg.Engine.AccountID,
		EngineHandle:    cfg.Engine.Handle,
		StartingBalance: cfg.Accounts.StartingBalance,
	}
}

// PoolConfig derives the contract pool parameters from cfg.
func PoolConfig(cfg config.Config) contracts.Config {
	return contracts.Config{
		UnitValue: map[model.ActionType]int64{
			model.ActionLike:    cfg.Contracts.UnitValue.Like,
			model.ActionRetweet: cfg.Contracts.UnitValue.Retweet,
		},
		Quota: map[model.ActionType]int64{
			model.ActionLike:    cfg.Contracts.Quota.Like,
			model.ActionRetweet: cfg.Contracts.Quota.Retweet,
		},
	}
}

// NotifierConfig derives the reply delivery parameters from cfg.
func NotifierConfig(cfg config.Config) ingest.NotifierConfig {
	return ingest.NotifierConfig{
		Enabled:       cfg.Replies.Enabled,
		RatePerSecond: cfg.Replies.RatePerSecond,
		Burst:         cfg.Replies.Burst,
		Timeout:       cfg.Replies.Timeout,
	}
}
