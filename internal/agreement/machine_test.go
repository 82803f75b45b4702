package agreement

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/command"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/ledger"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/store"
)

const engineID = -1

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	alice = model.Account{ID: 1, Handle: "alice"}
	bob   = model.Account{ID: 2, Handle: "bob"}
	carol = model.Account{ID: 3, Handle: "carol"}
)

type fixture struct {
	machine *Machine
	ledger  *ledger.Ledger
	store   *store.Store
}

func createTestMachine(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := func() time.Time { return testNow }
	l := ledger.New(s, ledger.Config{EngineID: engineID, EngineHandle: "engine", StartingBalance: 100},
		zerolog.Nop(), ledger.WithClock(clock))
	require.NoError(t, l.EnsureEngine(ctx))
	for _, a := range []model.Account{alice, bob, carol} {
		_, err := l.Open(ctx, a.ID, a.Handle)
		require.NoError(t, err)
	}

	pool := contracts.NewPool(s, l, nil, contracts.Config{
		UnitValue: map[model.ActionType]int64{model.ActionLike: 3, model.ActionRetweet: 5},
		Quota:     map[model.ActionType]int64{model.ActionLike: 10, model.ActionRetweet: 10},
	}, zerolog.Nop(), contracts.WithClock(clock))

	return fixture{
		machine: NewMachine(s, l, pool, Config{TaxBasisPoints: 500}, zerolog.Nop()),
		ledger:  l,
		store:   s,
	}
}

func rootMessage(id int64, text string) model.Message {
	return model.Message{ID: id, Text: text, AuthorID: alice.ID, AuthorHandle: alice.Handle, CreatedAt: testNow}
}

func createCmd(collateral model.CollateralType, amount int64, members ...string) command.Command {
	return command.Command{Kind: command.KindCreate, Members: members, Collateral: collateral, Amount: amount}
}

func (f fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f fixture) createCurrency(t *testing.T, id, amount int64) model.Agreement {
	t.Helper()
	out, err := f.machine.Create(context.Background(), rootMessage(id, "@bob +agr"), createCmd(model.CollateralCurrency, amount, "bob"))
	require.NoError(t, err)
	return out.Agreement
}

func TestCreate_CurrencyEscrows(t *testing.T) {
	f := createTestMachine(t)

	a := f.createCurrency(t, 10, 40)
	assert.Equal(t, model.AgreementOpen, a.State)
	assert.Equal(t, "bob", a.MemberHandle)
	assert.Equal(t, bob.ID, a.MemberID, "known member account is bound")
	assert.Equal(t, "alice", a.EnforcerHandle)
	assert.Equal(t, map[string]int64{"alice": 10}, a.Signatures)

	assert.Equal(t, int64(60), f.balance(t, alice.ID))
	assert.Equal(t, int64(-300+40), f.balance(t, engineID))

	stored, err := f.store.GetAgreement(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, a.CollateralAmount, stored.CollateralAmount)
}

func TestCreate_Idempotent(t *testing.T) {
	f := createTestMachine(t)
	f.createCurrency(t, 10, 40)

	out, err := f.machine.Create(context.Background(), rootMessage(10, "@bob +agr"), createCmd(model.CollateralCurrency, 40, "bob"))
	require.NoError(t, err)
	assert.True(t, out.Existing)
	assert.Equal(t, int64(60), f.balance(t, alice.ID), "no second escrow")

	counters, err := f.store.Counters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Agreements)
}

func TestCreate_Rejections(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  command.Command
		code model.ErrorCode
	}{
		{"no members", createCmd(model.CollateralCurrency, 5), model.CodeInsufficientMembers},
		{"only the creator", createCmd(model.CollateralCurrency, 5, "Alice"), model.CodeInsufficientMembers},
		{"over balance", createCmd(model.CollateralCurrency, 101, "bob"), model.CodeInsufficientBalance},
		{"not a create", command.Command{Kind: command.KindVote}, model.CodeMalformedCommand},
		{"zero amount", createCmd(model.CollateralCurrency, 0, "bob"), model.CodeMalformedCommand},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := int64(100 + i)
			_, err := f.machine.Create(ctx, rootMessage(id, "x"), tt.cmd)
			require.Error(t, err)
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)

			_, err = f.store.GetAgreement(ctx, id)
			assert.True(t, model.IsNotFound(err), "nothing recorded")
		})
	}
	assert.Equal(t, int64(100), f.balance(t, alice.ID))
}

func TestCreate_RejectsReplies(t *testing.T) {
	f := createTestMachine(t)
	reply := rootMessage(11, "x")
	reply.ParentID = 10

	_, err := f.machine.Create(context.Background(), reply, createCmd(model.CollateralCurrency, 5, "bob"))
	assert.True(t, model.IsCode(err, model.CodeMalformedCommand))
}

func TestCreate_EnforcerOverride(t *testing.T) {
	f := createTestMachine(t)
	cmd := createCmd(model.CollateralCurrency, 5, "bob")
	cmd.Enforcer = "judge"

	out, err := f.machine.Create(context.Background(), rootMessage(10, "x"), cmd)
	require.NoError(t, err)
	assert.Equal(t, "judge", out.Agreement.EnforcerHandle)
}

func TestCreate_ContractCollateral(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()

	out, err := f.machine.Create(ctx, rootMessage(10, "x"), createCmd(model.CollateralLike, 4, "dave"))
	require.NoError(t, err)
	a := out.Agreement
	assert.Equal(t, int64(10), a.ContractID)
	assert.False(t, a.ContractLimited)
	assert.Equal(t, int64(0), a.MemberID, "unknown member stays unbound")

	c, err := f.store.GetContract(ctx, a.ContractID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractDead, c.State)
	assert.Equal(t, int64(4), c.RemainingCount)
	assert.Equal(t, int64(100), f.balance(t, alice.ID), "contract collateral escrows nothing")
}

func TestCreate_ContractClamped(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()

	out, err := f.machine.Create(ctx, rootMessage(10, "x"), createCmd(model.CollateralRetweet, 25, "bob"))
	require.NoError(t, err)
	assert.True(t, out.Agreement.ContractLimited)
	assert.Equal(t, int64(10), out.Agreement.CollateralAmount)

	_, err = f.machine.Create(ctx, rootMessage(11, "x"), createCmd(model.CollateralRetweet, 1, "bob"))
	assert.True(t, model.IsCode(err, model.CodeContractLimitReached))
	_, err = f.store.GetAgreement(ctx, 11)
	assert.True(t, model.IsNotFound(err))
}

func TestVote_Waiting(t *testing.T) {
	f := createTestMachine(t)
	f.createCurrency(t, 10, 40)

	eff, err := f.machine.Vote(context.Background(), 10, alice, model.RulingUpheld)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionWaiting, eff.Resolution)
	assert.False(t, eff.Settled)
	assert.Equal(t, int64(60), f.balance(t, alice.ID))
}

func TestVote_DisputeKeepsAgreementOpen(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 40)

	_, err := f.machine.Vote(ctx, 10, alice, model.RulingUpheld)
	require.NoError(t, err)
	eff, err := f.machine.Vote(ctx, 10, bob, model.RulingBroken)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionDisputed, eff.Resolution)
	assert.Equal(t, int64(60), f.balance(t, alice.ID))
	assert.Equal(t, int64(100), f.balance(t, bob.ID))

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementOpen, a.State)

	// Revoting resolves the dispute.
	eff, err = f.machine.Vote(ctx, 10, alice, model.RulingBroken)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionBroken, eff.Resolution)
	assert.True(t, eff.Settled)
}

func TestVote_BrokenCurrencyPaysMember(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 100)
	assert.Equal(t, int64(0), f.balance(t, alice.ID))

	_, err := f.machine.Vote(ctx, 10, bob, model.RulingBroken)
	require.NoError(t, err)
	eff, err := f.machine.Vote(ctx, 10, alice, model.RulingBroken)
	require.NoError(t, err)

	assert.True(t, eff.Settled)
	assert.Equal(t, bob.ID, eff.RecipientID)
	assert.Equal(t, int64(100), eff.Payout)
	assert.Equal(t, int64(200), f.balance(t, bob.ID))
	assert.Equal(t, int64(0), f.balance(t, alice.ID))

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementSettled, a.State)

	total, err := f.store.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestVote_UpheldCurrencyRefundsCreator(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 30)

	_, err := f.machine.Vote(ctx, 10, alice, model.RulingUpheld)
	require.NoError(t, err)
	eff, err := f.machine.Vote(ctx, 10, bob, model.RulingUpheld)
	require.NoError(t, err)

	assert.True(t, eff.Settled)
	assert.Equal(t, int64(100), f.balance(t, alice.ID))
	assert.Equal(t, int64(100), f.balance(t, bob.ID))
}

func TestVote_SettledIsTerminal(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 30)
	_, err := f.machine.Vote(ctx, 10, alice, model.RulingUpheld)
	require.NoError(t, err)
	_, err = f.machine.Vote(ctx, 10, bob, model.RulingUpheld)
	require.NoError(t, err)

	eff, err := f.machine.Vote(ctx, 10, bob, model.RulingBroken)
	require.NoError(t, err)
	assert.True(t, eff.Ignored)
	assert.Equal(t, int64(100), f.balance(t, bob.ID), "no payout after settlement")

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.RulingUpheld, a.MemberRuling)
}

func TestVote_NonPartyIgnored(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 30)

	eff, err := f.machine.Vote(ctx, 10, carol, model.RulingBroken)
	require.NoError(t, err)
	assert.True(t, eff.Ignored)
	assert.Equal(t, model.PartyNone, eff.Party)

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.RulingNone, a.CreatorRuling)
	assert.Equal(t, model.RulingNone, a.MemberRuling)
}

func TestVote_MemberBoundByHandle(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	_, err := f.machine.Create(ctx, rootMessage(10, "x"), createCmd(model.CollateralCurrency, 10, "dave"))
	require.NoError(t, err)

	dave := model.Account{ID: 4, Handle: "Dave"}
	_, err = f.ledger.Open(ctx, dave.ID, dave.Handle)
	require.NoError(t, err)

	eff, err := f.machine.Vote(ctx, 10, dave, model.RulingBroken)
	require.NoError(t, err)
	assert.Equal(t, model.PartyMember, eff.Party)

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, dave.ID, a.MemberID)
}

func TestVote_BrokenContractArmsAndTaxes(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	_, err := f.machine.Create(ctx, rootMessage(10, "x"), createCmd(model.CollateralLike, 7, "bob"))
	require.NoError(t, err)

	_, err = f.machine.Vote(ctx, 10, alice, model.RulingBroken)
	require.NoError(t, err)
	eff, err := f.machine.Vote(ctx, 10, bob, model.RulingBroken)
	require.NoError(t, err)

	// gross 7*3 = 21, tax ceil(21*0.05) = 2
	assert.Equal(t, int64(2), eff.Tax)
	assert.Equal(t, int64(19), eff.Payout)
	assert.Equal(t, int64(119), f.balance(t, bob.ID))
	assert.Equal(t, int64(79), f.balance(t, alice.ID))

	c, err := f.store.GetContract(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ContractAlive, c.State)

	total, err := f.store.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestVote_UpheldContractStaysDead(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	_, err := f.machine.Create(ctx, rootMessage(10, "x"), createCmd(model.CollateralLike, 7, "bob"))
	require.NoError(t, err)

	_, err = f.machine.Vote(ctx, 10, alice, model.RulingUpheld)
	require.NoError(t, err)
	eff, err := f.machine.Vote(ctx, 10, bob, model.RulingUpheld)
	require.NoError(t, err)
	assert.True(t, eff.Settled)

	c, err := f.store.GetContract(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ContractDead, c.State)
	assert.Equal(t, int64(100), f.balance(t, bob.ID))
}

func TestVote_DeadAgreementRejectsUpheld(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 30)

	left, err := f.machine.Leave(ctx, 10, "bob")
	require.NoError(t, err)
	assert.True(t, left)

	eff, err := f.machine.Vote(ctx, 10, alice, model.RulingUpheld)
	require.NoError(t, err)
	assert.True(t, eff.Ignored)

	eff, err = f.machine.Vote(ctx, 10, alice, model.RulingBroken)
	require.NoError(t, err)
	assert.False(t, eff.Ignored)
}

func TestSignLeaveAndLinks(t *testing.T) {
	f := createTestMachine(t)
	ctx := context.Background()
	f.createCurrency(t, 10, 30)

	signed, err := f.machine.Sign(ctx, 10, "BOB", 11)
	require.NoError(t, err)
	assert.True(t, signed)

	signed, err = f.machine.Sign(ctx, 10, "bob", 12)
	require.NoError(t, err)
	assert.False(t, signed, "first signature wins")

	signed, err = f.machine.Sign(ctx, 10, "carol", 13)
	require.NoError(t, err)
	assert.False(t, signed, "carol was not mentioned")

	require.NoError(t, f.machine.AddLinks(ctx, 10, "https://a", "https://b", "https://a"))

	a, err := f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 10, "bob": 11}, a.Signatures)
	assert.Equal(t, []string{"https://a", "https://b"}, a.Links)
	assert.False(t, a.Dead)

	left, err := f.machine.Leave(ctx, 10, "bob")
	require.NoError(t, err)
	assert.True(t, left)

	a, err = f.store.GetAgreement(ctx, 10)
	require.NoError(t, err)
	assert.True(t, a.Dead)
	assert.Equal(t, model.AgreementOpen, a.State, "leaving does not settle")
	assert.Equal(t, map[string]int64{"alice": 10}, a.Signatures)
}

func TestTax(t *testing.T) {
	assert.Equal(t, int64(0), Tax(0, 500))
	assert.Equal(t, int64(0), Tax(100, 0))
	assert.Equal(t, int64(5), Tax(100, 500))
	assert.Equal(t, int64(1), Tax(1, 500), "rounds up")
	assert.Equal(t, int64(2), Tax(21, 500))
}
