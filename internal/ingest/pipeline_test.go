package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/agreement"
	"github.com/roach88/covenant/internal/command"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/ledger"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/platform"
	"github.com/roach88/covenant/internal/store"
	"github.com/roach88/covenant/internal/testutil"
	"github.com/roach88/covenant/internal/thread"
)

const botHandle = "covenant"

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	pipeline *Pipeline
	store    *store.Store
	ledger   *ledger.Ledger
	pool     *contracts.Pool
	feed     *platform.FeedPlatform
	actions  *platform.MemoryActions
}

type fixtureOption func(*Deps, *Config)

func createTestPipeline(t *testing.T, opts ...fixtureOption) fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := func() time.Time { return testNow }
	l := ledger.New(s, ledger.Config{EngineID: -1, EngineHandle: "engine", StartingBalance: 100},
		zerolog.Nop(), ledger.WithClock(clock))
	require.NoError(t, l.EnsureEngine(context.Background()))

	actions := platform.NewMemoryActions()
	pool := contracts.NewPool(s, l, actions, contracts.Config{
		UnitValue: map[model.ActionType]int64{model.ActionLike: 2, model.ActionRetweet: 5},
		Quota:     map[model.ActionType]int64{model.ActionLike: 10, model.ActionRetweet: 10},
	}, zerolog.Nop(), contracts.WithClock(clock))

	feed := platform.NewFeedPlatform()
	deps := Deps{
		Store:    s,
		Source:   feed,
		Accounts: l,
		Resolver: thread.NewResolver(s, thread.DefaultMaxDepth, zerolog.Nop()),
		Parser:   command.NewParser(botHandle, zerolog.Nop()),
		Machine:  agreement.NewMachine(s, l, pool, agreement.Config{TaxBasisPoints: 500}, zerolog.Nop()),
		Pool:     pool,
		Notifier: NewNotifier(feed, NotifierConfig{Enabled: true}, zerolog.Nop()),
	}
	cfg := Config{BotHandle: botHandle}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	return fixture{
		pipeline: NewPipeline(deps, cfg, zerolog.Nop(), WithCycleIDs(testutil.NewFixedCycleIDs("")), WithClock(clock)),
		store:    s,
		ledger:   l,
		pool:     pool,
		feed:     feed,
		actions:  actions,
	}
}

func msg(id, parent int64, authorID int64, author, text string) model.Message {
	return model.Message{ID: id, ParentID: parent, AuthorID: authorID, AuthorHandle: author, Text: text, CreatedAt: testNow}
}

func (f fixture) run(t *testing.T) CycleReport {
	t.Helper()
	report, err := f.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

func (f fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func replyParents(replies []platform.PostedReply) []int64 {
	out := make([]int64, len(replies))
	for i, r := range replies {
		out[i] = r.ParentID
	}
	return out
}

func TestRunCycle_AgreementLifecycle(t *testing.T) {
	f := createTestPipeline(t)
	ctx := context.Background()
	f.feed.Add(
		msg(10, 0, 1, "alice", "@covenant @bob +agr 40 I ship on friday"),
		msg(11, 10, 2, "bob", "sign"),
		msg(12, 10, 1, "alice", "+broken"),
		msg(13, 10, 2, "bob", "+broken"),
	)

	report := f.run(t)
	assert.Equal(t, "test-cycle", report.CycleID)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 4, report.Stored)
	assert.Equal(t, 4, report.Parsed)
	assert.Equal(t, 4, report.Applied)
	assert.Equal(t, 0, report.Rejected)
	assert.Equal(t, int64(13), report.Cursor)
	assert.Equal(t, 2, report.Sent)

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementSettled, a.State)
	assert.Equal(t, map[string]int64{"alice": 10, "bob": 11}, a.Signatures)
	assert.Equal(t, int64(2), a.MemberID)

	assert.Equal(t, int64(60), f.balance(t, 1))
	assert.Equal(t, int64(140), f.balance(t, 2))
	total, err := f.store.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	replies := f.feed.Replies()
	assert.Equal(t, []int64{10, 13}, replyParents(replies), "the waiting vote gets no reply")
	assert.Contains(t, replies[0].Text, "@alice agreement 10 with @bob is open, 40 escrowed")
	assert.Contains(t, replies[1].Text, "settled as broken. 40 paid out.")

	root, err := f.store.GetMessage(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13}, root.ChildIDs)
	assert.Equal(t, int64(10), root.ThreadID)

	reply, err := f.store.GetMessage(ctx, 12)
	require.NoError(t, err)
	assert.True(t, reply.Parsed)
	assert.Equal(t, int64(10), reply.ThreadID)
}

func TestRunCycle_Idempotent(t *testing.T) {
	f := createTestPipeline(t)
	f.feed.Add(msg(10, 0, 1, "alice", "@bob +agr 40"))
	f.run(t)

	report := f.run(t)
	assert.Zero(t, report.Fetched)
	assert.Zero(t, report.Parsed)
	assert.Equal(t, int64(10), report.Cursor)
	assert.Len(t, f.feed.Replies(), 1)
	assert.Equal(t, int64(60), f.balance(t, 1), "escrow happens once")
}

func TestRunCycle_RefetchedMessagesAreNotReapplied(t *testing.T) {
	f := createTestPipeline(t)
	ctx := context.Background()
	f.feed.Add(msg(10, 0, 1, "alice", "@bob +agr 40"))
	f.run(t)

	// Rewind the cursor as a crash before AdvanceCursor would.
	_, err := f.store.DB().ExecContext(ctx, `UPDATE cursors SET last_id = 0 WHERE name = ?`, CursorMentions)
	require.NoError(t, err)

	report := f.run(t)
	assert.Equal(t, 1, report.Fetched)
	assert.Zero(t, report.Stored)
	assert.Zero(t, report.Parsed)
	assert.Equal(t, int64(60), f.balance(t, 1))
}

func TestRunCycle_Rejections(t *testing.T) {
	f := createTestPipeline(t)
	f.feed.Add(
		msg(10, 0, 1, "alice", "+agr 5 nobody to hold me to it"),
		msg(11, 0, 1, "alice", "@bob +agr 500"),
		msg(12, 0, 1, "alice", "+gen xL"),
		msg(13, 0, 1, "alice", "@bob +agr"),
	)

	report := f.run(t)
	assert.Equal(t, 4, report.Parsed)
	assert.Equal(t, 4, report.Rejected)
	assert.Zero(t, report.Applied)

	replies := f.feed.Replies()
	require.Len(t, replies, 4)
	assert.Contains(t, replies[0].Text, "needs someone else mentioned")
	assert.Contains(t, replies[1].Text, "balance doesn't cover")
	assert.Contains(t, replies[2].Text, "couldn't read that command")
	assert.Contains(t, replies[3].Text, "couldn't read that command")

	counters, err := f.store.Counters(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counters.Agreements)
	assert.Equal(t, int64(100), f.balance(t, 1))
}

func TestRunCycle_IgnoresBotAndPlainMessages(t *testing.T) {
	f := createTestPipeline(t)
	f.feed.Add(
		msg(10, 0, 99, "Covenant", "@bob +agr 5"),
		msg(11, 0, 1, "alice", "just chatting"),
		msg(12, 11, 2, "bob", "+broken"),
	)

	report := f.run(t)
	assert.Equal(t, 3, report.Parsed)
	assert.Equal(t, 3, report.Ignored)
	assert.Empty(t, f.feed.Replies())
}

func TestRunCycle_CreationOnReplyIsIgnored(t *testing.T) {
	f := createTestPipeline(t)
	f.feed.Add(
		msg(10, 0, 1, "alice", "hello"),
		msg(11, 10, 1, "alice", "@bob +agr 5"),
	)
	report := f.run(t)
	assert.Equal(t, 2, report.Ignored)

	_, err := f.store.GetAgreement(context.Background(), 11)
	assert.True(t, model.IsNotFound(err))
}

func TestRunCycle_GenerateAndRedeem(t *testing.T) {
	f := createTestPipeline(t)
	ctx := context.Background()
	f.feed.Add(
		msg(20, 0, 3, "carol", "+gen 3L"),
		msg(30, 0, 1, "alice", "please like this"),
		msg(31, 30, 4, "dave", "+redeem 6L"),
	)

	report := f.run(t)
	assert.Equal(t, 2, report.Applied)

	c, err := f.store.GetContract(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.IssuedCount)
	assert.Equal(t, int64(2), c.RemainingCount)
	assert.Equal(t, []int64{30}, c.ExecutedOn)

	assert.Equal(t, int64(98), f.balance(t, 4))
	assert.Equal(t, int64(102), f.balance(t, 3))

	replies := f.feed.Replies()
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0].Text, "contract 20 issued: 3 likes at 2 each")
	assert.Contains(t, replies[1].Text, "redeemed 1 contract for 2")

	redemptions, err := f.store.Redemptions(ctx, 20)
	require.NoError(t, err)
	require.Len(t, redemptions, 1)
	assert.Equal(t, int64(30), redemptions[0].TargetID)
}

func TestRunCycle_RedeemReplayAfterCrash(t *testing.T) {
	f := createTestPipeline(t)
	ctx := context.Background()
	f.feed.Add(
		msg(20, 0, 3, "carol", "+gen 3L"),
		msg(21, 0, 5, "erin", "+gen 3L"),
		msg(30, 0, 1, "alice", "please like this"),
	)
	f.run(t)

	// The redemption ran but the process stopped before message 31 was marked parsed.
	_, err := f.ledger.Open(ctx, 4, "dave")
	require.NoError(t, err)
	_, err = f.pool.AutoExecute(ctx, contracts.Redemption{
		RedeemerID: 4, TargetID: 30, Action: model.ActionLike, Budget: 2, MessageID: 31,
	})
	require.NoError(t, err)

	f.feed.Add(msg(31, 30, 4, "dave", "+redeem 2L"))
	report := f.run(t)
	assert.Equal(t, 1, report.Applied)

	assert.Equal(t, int64(98), f.balance(t, 4))
	assert.Equal(t, int64(102), f.balance(t, 3))
	assert.Equal(t, int64(100), f.balance(t, 5))

	other, err := f.store.GetContract(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, int64(3), other.RemainingCount)

	replies := f.feed.Replies()
	assert.Contains(t, replies[len(replies)-1].Text, "redeemed 1 contract for 2")
}

func TestRunCycle_RedeemSkipsPerformedActions(t *testing.T) {
	f := createTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, f.actions.Record(ctx, 3, model.ActionLike, 30))
	f.feed.Add(
		msg(20, 0, 3, "carol", "+gen 3L"),
		msg(30, 0, 1, "alice", "please like this"),
		msg(31, 30, 4, "dave", "+redeem 6L"),
	)

	f.run(t)
	assert.Equal(t, int64(100), f.balance(t, 4))
	assert.Contains(t, f.feed.Replies()[1].Text, "no contracts were available")
}

func TestRunCycle_ContractCollateralBroken(t *testing.T) {
	f := createTestPipeline(t)
	ctx := context.Background()
	f.feed.Add(
		msg(10, 0, 1, "alice", "@bob +agr 4L run a marathon"),
		msg(11, 10, 1, "alice", "+broken"),
		msg(12, 10, 2, "bob", "+broken"),
	)

	f.run(t)
	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementSettled, a.State)

	c, err := f.store.GetContract(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ContractAlive, c.State, "broken agreement arms its contract")

	// gross 8, tax ceil(8*5%) = 1, net 7
	assert.Equal(t, int64(107), f.balance(t, 2))
	assert.Equal(t, int64(92), f.balance(t, 1))
}

func TestRunCycle_FetchLimitAdvancesInBatches(t *testing.T) {
	f := createTestPipeline(t, func(_ *Deps, cfg *Config) { cfg.FetchLimit = 2 })
	f.feed.Add(
		msg(1, 0, 1, "alice", "one"),
		msg(2, 0, 1, "alice", "two"),
		msg(3, 0, 1, "alice", "three"),
	)

	report := f.run(t)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, int64(2), report.Cursor)

	report = f.run(t)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, int64(3), report.Cursor)
}

func TestRunCycle_LinksAndLeave(t *testing.T) {
	unshortener := testutil.StaticUnshortener{"https://t.co/x": "https://example.com/proof"}
	f := createTestPipeline(t, func(d *Deps, _ *Config) {
		d.Parser = command.NewParser(botHandle, zerolog.Nop(), command.WithUnshortener(unshortener))
	})
	ctx := context.Background()
	f.feed.Add(
		msg(10, 0, 1, "alice", "@bob +agr 10"),
		msg(11, 10, 2, "bob", "proof https://t.co/x"),
		msg(12, 10, 2, "bob", "+leave"),
	)

	f.run(t)
	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/proof"}, a.Links)
	assert.True(t, a.Dead)
}

type downStore struct {
	*store.Store
}

func (downStore) Ping(context.Context) error {
	return errors.New("disk gone")
}

func TestRunCycle_StorageUnavailableAborts(t *testing.T) {
	var s *store.Store
	f := createTestPipeline(t, func(d *Deps, _ *Config) {
		s = d.Store.(*store.Store)
		d.Store = downStore{s}
	})
	f.feed.Add(msg(10, 0, 1, "alice", "@bob +agr 40"))

	_, err := f.pipeline.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage unavailable")

	cursor, err := s.Cursor(context.Background(), CursorMentions)
	require.NoError(t, err)
	assert.Zero(t, cursor)
	assert.Empty(t, f.feed.Replies())
}

type failingSource struct{}

func (failingSource) FetchMentionsSince(context.Context, int64, int) ([]model.Message, error) {
	return nil, errors.New("rate limited")
}

func TestRunCycle_FetchFailureAborts(t *testing.T) {
	f := createTestPipeline(t, func(d *Deps, _ *Config) { d.Source = failingSource{} })

	_, err := f.pipeline.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunCycle_NoOverlap(t *testing.T) {
	f := createTestPipeline(t)
	f.pipeline.running.Lock()
	defer f.pipeline.running.Unlock()

	_, err := f.pipeline.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRunCycle_FailedRepliesAreCounted(t *testing.T) {
	poster := &testutil.RecordingPoster{Fail: map[int64]bool{10: true}}
	f := createTestPipeline(t, func(d *Deps, _ *Config) {
		d.Notifier = NewNotifier(poster, NotifierConfig{Enabled: true}, zerolog.Nop())
	})
	f.feed.Add(
		msg(10, 0, 1, "alice", "@bob +agr 40"),
		msg(11, 0, 1, "alice", "@carol +agr 5"),
	)

	report := f.run(t)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)
	posts := poster.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, int64(11), posts[0].ParentID)
}
