// Package ingest drives covenant from the platform feed.
//
// One cycle fetches new messages since the stored cursor and stores each one
// oldest first, advancing the cursor only after the message is durable. It
// then parses every unparsed message in ascending id order and applies its
// command. Replies queued while parsing are flushed at the end.
//
// A cycle is safe to repeat. Storage is idempotent and a parsed message is
// never parsed again, so a crash mid-cycle at most reprocesses the batch in
// flight.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/agreement"
	"github.com/roach88/covenant/internal/command"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/metrics"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/thread"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = errors.New("ingest: cycle already in progress")

// CursorMentions names the platform mentions cursor.
const CursorMentions = "mentions"

// Store is the persistence the pipeline drives.
type Store interface {
	Ping(ctx context.Context) error
	Cursor(ctx context.Context, name string) (int64, error)
	AdvanceCursor(ctx context.Context, name string, id int64) error
	InsertMessage(ctx context.Context, m model.Message) (bool, error)
	HasMessage(ctx context.Context, id int64) (bool, error)
	AppendChild(ctx context.Context, parentID, childID int64) error
	UnparsedMessages(ctx context.Context, limit int) ([]model.Message, error)
	MarkParsed(ctx context.Context, id, threadID int64) error
}

// Source fetches messages addressed to the bot.
type Source interface {
	// FetchMentionsSince returns up to limit messages with id > cursor, newest first.
	FetchMentionsSince(ctx context.Context, cursor int64, limit int) ([]model.Message, error)
}

// Accounts opens accounts on first reference.
type Accounts interface {
	Open(ctx context.Context, id int64, handle string) (model.Account, error)
}

// Config holds pipeline parameters.
type Config struct {
	// BotHandle is the bot's own handle. Its messages are stored but not applied.
	BotHandle string

	// FetchLimit caps messages fetched per cycle. Zero lets the source decide.
	FetchLimit int
}

// Deps are the components a pipeline orchestrates.
type Deps struct {
	Store    Store
	Source   Source
	Accounts Accounts
	Resolver *thread.Resolver
	Parser   *command.Parser
	Machine  *agreement.Machine
	Pool     *contracts.Pool
	Notifier *Notifier
}

// Pipeline runs ingestion cycles. Cycles never overlap.
type Pipeline struct {
	running sync.Mutex
	deps    Deps
	cfg     Config
	ids     CycleIDGenerator
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCycleIDs sets the cycle id generator.
func WithCycleIDs(g CycleIDGenerator) Option {
	return func(p *Pipeline) {
		p.ids = g
	}
}

// WithClock sets the wall clock used to time cycles.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps Deps, cfg Config, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:   deps,
		cfg:    cfg,
		ids:    UUIDv7Generator{},
		now:    time.Now,
		logger: logging.Component(logger, "ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID  string        `json:"cycle_id"`
	Fetched  int           `json:"fetched"`
	Stored   int           `json:"stored"`
	Parsed   int           `json:"parsed"`
	Applied  int           `json:"applied"`
	Rejected int           `json:"rejected"`
	Ignored  int           `json:"ignored"`
	Sent     int           `json:"replies_sent"`
	Failed   int           `json:"replies_failed"`
	Cursor   int64         `json:"cursor"`
	Duration time.Duration `json:"duration"`
}

// RunCycle runs one ingestion cycle.
//
// Returns ErrCycleInProgress without doing anything when a cycle is already
// running. A store that cannot be reached aborts the cycle before any work and
// leaves the cursor where it was. A storage failure while parsing aborts the
// rest of the cycle; the failing message stays unparsed and is retried next time.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.running.TryLock() {
		metrics.IngestCycles.WithLabelValues("skipped").Inc()
		return CycleReport{}, ErrCycleInProgress
	}
	defer p.running.Unlock()

	start := p.now()
	report := CycleReport{CycleID: p.ids.Generate()}
	log := p.logger.With().Str("cycle_id", report.CycleID).Logger()

	err := p.cycle(ctx, log, &report)
	report.Duration = p.now().Sub(start)
	metrics.IngestCycleDuration.Observe(report.Duration.Seconds())
	if err != nil {
		metrics.IngestCycles.WithLabelValues("aborted").Inc()
		log.Error().Err(err).Msg("cycle_aborted")
		return report, err
	}

	metrics.IngestCycles.WithLabelValues("ok").Inc()
	log.Info().
		Int("fetched", report.Fetched).
		Int("stored", report.Stored).
		Int("parsed", report.Parsed).
		Int("rejected", report.Rejected).
		Int("replies_sent", report.Sent).
		Int64("cursor", report.Cursor).
		Dur("duration", report.Duration).
		Msg("cycle_complete")
	return report, nil
}

func (p *Pipeline) cycle(ctx context.Context, log zerolog.Logger, report *CycleReport) error {
	if err := p.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	if err := p.ingest(ctx, log, report); err != nil {
		return err
	}

	out := newOutbox()
	parseErr := p.parse(ctx, log, out, report)

	// Replies for work already committed go out even when parsing stopped early.
	if p.deps.Notifier != nil && out.Len() > 0 {
		report.Sent, report.Failed = p.deps.Notifier.Flush(ctx, out.Drain())
	}
	return parseErr
}

// ingest stores newly fetched messages oldest first.
func (p *Pipeline) ingest(ctx context.Context, log zerolog.Logger, report *CycleReport) error {
	s := p.deps.Store
	cursor, err := s.Cursor(ctx, CursorMentions)
	if err != nil {
		return err
	}
	report.Cursor = cursor

	batch, err := p.deps.Source.FetchMentionsSince(ctx, cursor, p.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch mentions since %d: %w", cursor, err)
	}
	report.Fetched = len(batch)

	// The platform returns newest first.
	batch = slices.Clone(batch)
	slices.SortStableFunc(batch, func(a, b model.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	for _, m := range batch {
		if _, err := p.deps.Accounts.Open(ctx, m.AuthorID, m.AuthorHandle); err != nil {
			return err
		}
		m.Parsed, m.ThreadID, m.ChildIDs = false, 0, nil
		inserted, err := s.InsertMessage(ctx, m)
		if err != nil {
			return err
		}
		if inserted {
			report.Stored++
			metrics.MessagesIngested.Inc()
			log.Debug().Int64("message_id", m.ID).Int64("parent_id", m.ParentID).Msg("message_stored")
		}
		if !m.IsRoot() {
			if err := p.linkChild(ctx, m); err != nil {
				return err
			}
		}
		if err := s.AdvanceCursor(ctx, CursorMentions, m.ID); err != nil {
			return err
		}
		report.Cursor = max(report.Cursor, m.ID)
	}
	return nil
}

// linkChild records m under its parent when the parent is stored.
func (p *Pipeline) linkChild(ctx context.Context, m model.Message) error {
	ok, err := p.deps.Store.HasMessage(ctx, m.ParentID)
	if err != nil || !ok {
		return err
	}
	return p.deps.Store.AppendChild(ctx, m.ParentID, m.ID)
}

// parse applies every unparsed message in ascending id order.
func (p *Pipeline) parse(ctx context.Context, log zerolog.Logger, out *outbox, report *CycleReport) error {
	pending, err := p.deps.Store.UnparsedMessages(ctx, 0)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.apply(ctx, m, out)
		if err != nil {
			return fmt.Errorf("apply message %d: %w", m.ID, err)
		}
		if err := p.deps.Store.MarkParsed(ctx, m.ID, res.threadID); err != nil {
			return err
		}

		report.Parsed++
		switch res.outcome {
		case outcomeApplied:
			report.Applied++
		case outcomeRejected:
			report.Rejected++
		default:
			report.Ignored++
		}
		metrics.MessagesParsed.WithLabelValues(res.outcome).Inc()
		log.Debug().Int64("message_id", m.ID).Str("outcome", res.outcome).Int64("thread_id", res.threadID).Msg("message_parsed")
	}
	return nil
}

const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeIgnored  = "ignored"
)

type applyResult struct {
	outcome  string
	threadID int64
}

// apply runs the command carried by m. Rejections are answered with a reply
// and reported as an outcome. Only storage and ledger failures are returned.
func (p *Pipeline) apply(ctx context.Context, m model.Message, out *outbox) (applyResult, error) {
	if model.SameHandle(m.AuthorHandle, p.cfg.BotHandle) {
		return applyResult{outcome: outcomeIgnored}, nil
	}

	agr, err := p.deps.Resolver.FindAgreement(ctx, m.ID)
	if err != nil {
		return applyResult{}, err
	}
	res := applyResult{outcome: outcomeIgnored}
	if agr != nil {
		res.threadID = agr.ID
	}

	cmd, err := p.deps.Parser.Parse(ctx, command.Input{Text: m.Text, AuthorHandle: m.AuthorHandle, IsRoot: m.IsRoot()})
	if err != nil {
		return p.reject(m, err, out, res)
	}

	author, err := p.deps.Accounts.Open(ctx, m.AuthorID, m.AuthorHandle)
	if err != nil {
		return applyResult{}, err
	}

	switch cmd.Kind {
	case command.KindCreate:
		if agr != nil {
			break
		}
		created, err := p.deps.Machine.Create(ctx, m, cmd)
		if err != nil {
			return p.reject(m, err, out, res)
		}
		res.outcome, res.threadID = outcomeApplied, created.Agreement.ID
		if !created.Existing {
			out.Enqueue(Reply{ParentID: m.ID, Text: replyCreated(m.AuthorHandle, created.Agreement)})
		}

	case command.KindGenerate:
		issued, err := p.deps.Pool.Generate(ctx, contracts.GenerateRequest{
			ID:           m.ID,
			IssuerID:     author.ID,
			IssuerHandle: m.AuthorHandle,
			Type:         cmd.Action,
			Requested:    cmd.Amount,
			CreatedAt:    m.CreatedAt,
		})
		if err != nil {
			return p.reject(m, err, out, res)
		}
		res.outcome = outcomeApplied
		if !issued.Existing {
			out.Enqueue(Reply{ParentID: m.ID, Text: replyGenerated(m.AuthorHandle, issued)})
		}

	case command.KindRedeem:
		target := m.ParentID
		if m.IsRoot() {
			target = m.ID
		}
		exec, err := p.deps.Pool.AutoExecute(ctx, contracts.Redemption{
			RedeemerID: author.ID,
			TargetID:   target,
			Action:     cmd.Action,
			Budget:     cmd.Amount,
			MessageID:  m.ID,
		})
		if err != nil {
			if model.IsRejection(err) {
				return p.reject(m, err, out, res)
			}
			return applyResult{}, err
		}
		res.outcome = outcomeApplied
		out.Enqueue(Reply{ParentID: m.ID, Text: replyRedeemed(m.AuthorHandle, exec)})

	case command.KindVote:
		if agr == nil {
			break
		}
		eff, err := p.deps.Machine.Vote(ctx, agr.ID, author, cmd.Ruling)
		if err != nil {
			return applyResult{}, err
		}
		if !eff.Ignored {
			res.outcome = outcomeApplied
		}
		if text := replyVote(*agr, eff); text != "" && !eff.Ignored {
			out.Enqueue(Reply{ParentID: m.ID, Text: text})
		}
	}

	if agr != nil && m.ID != agr.ID {
		changed, err := p.accrue(ctx, agr.ID, m, cmd)
		if err != nil {
			return applyResult{}, err
		}
		if changed {
			res.outcome = outcomeApplied
		}
	}
	return res, nil
}

// accrue applies the signature, exit and link side data of a reply in an agreement thread.
func (p *Pipeline) accrue(ctx context.Context, agreementID int64, m model.Message, cmd command.Command) (bool, error) {
	var changed bool
	switch {
	case cmd.Leave:
		left, err := p.deps.Machine.Leave(ctx, agreementID, m.AuthorHandle)
		if err != nil {
			return false, err
		}
		changed = left
	case cmd.Sign:
		signed, err := p.deps.Machine.Sign(ctx, agreementID, m.AuthorHandle, m.ID)
		if err != nil {
			return false, err
		}
		changed = signed
	}
	if len(cmd.Links) > 0 {
		if err := p.deps.Machine.AddLinks(ctx, agreementID, cmd.Links...); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// reject turns a command rejection into a reply. Errors outside the
// rejection taxonomy are returned unchanged.
func (p *Pipeline) reject(m model.Message, err error, out *outbox, res applyResult) (applyResult, error) {
	if !model.IsRejection(err) {
		return applyResult{}, err
	}
	p.logger.Info().Err(err).Int64("message_id", m.ID).Str("code", string(model.CodeOf(err))).Msg("command_rejected")
	out.Enqueue(Reply{ParentID: m.ID, Text: replyRejected(m.AuthorHandle, err)})
	res.outcome = outcomeRejected
	return res, nil
}
