// Package agreement owns the agreement lifecycle.
//
// An agreement is created from a root message and stays open until both
// principals rule the same way. At that point its collateral settles and the
// agreement becomes settled, which is terminal. Differing rulings are a
// dispute. A dispute leaves the agreement open, so either side may vote again.
//
// Currency collateral is escrowed into the engine account at creation.
// Like/retweet collateral is a contract issued dormant. It is only armed,
// and paid out to the member, when the agreement is ruled broken.
//
// Every balance change is keyed by the agreement id, so replaying a create or
// a deciding vote never moves funds twice.
package agreement

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/command"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/ledger"
	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/metrics"
	"github.com/roach88/covenant/internal/model"
)

// Store is the persistence the machine needs.
type Store interface {
	InsertAgreement(ctx context.Context, a model.Agreement) (bool, error)
	GetAgreement(ctx context.Context, id int64) (model.Agreement, error)
	UpdateAgreement(ctx context.Context, id int64, fn func(model.Agreement) (model.Agreement, error)) (model.Agreement, error)
	GetContract(ctx context.Context, id int64) (model.Contract, error)
	FindAccountByHandle(ctx context.Context, handle string) (model.Account, error)
	HasTransfer(ctx context.Context, key string) (bool, error)
}

// Ledger is the subset of *ledger.Ledger the machine moves funds through.
type Ledger interface {
	Balance(ctx context.Context, id int64) (int64, error)
	Transfer(ctx context.Context, key string, from, to, amount int64, reason string) (bool, error)
	CreditEngine(ctx context.Context, key string, from, amount int64, reason string) (bool, error)
	DebitEngine(ctx context.Context, key string, to, amount int64, reason string) (bool, error)
}

// Pool is the subset of *contracts.Pool used for contract collateral.
type Pool interface {
	Generate(ctx context.Context, req contracts.GenerateRequest) (contracts.Issued, error)
	Arm(ctx context.Context, id int64) error
}

// Config holds settlement parameters.
type Config struct {
	// TaxBasisPoints is the settlement tax on contract collateral, in 1/10000.
	TaxBasisPoints int64
}

// Machine applies agreement commands.
type Machine struct {
	mu     sync.Mutex
	store  Store
	ledger Ledger
	pool   Pool
	cfg    Config
	logger zerolog.Logger
}

// NewMachine creates a Machine.
func NewMachine(store Store, l Ledger, pool Pool, cfg Config, logger zerolog.Logger) *Machine {
	return &Machine{
		store:  store,
		ledger: l,
		pool:   pool,
		cfg:    cfg,
		logger: logging.Component(logger, "agreement"),
	}
}

// Created is the outcome of Create.
type Created struct {
	Agreement model.Agreement

	// Existing is set when the root message had already created an agreement.
	Existing bool
}

// Create records the agreement carried by a root message.
//
// It fails with:
//   - MalformedCommand if cmd is not a create command
//   - InsufficientMembers if no one besides the creator is mentioned
//   - InsufficientBalance if currency collateral exceeds the creator's balance
//   - ContractLimitReached if the creator has no contract quota left
//
// On failure nothing is recorded. The creator account must exist.
func (m *Machine) Create(ctx context.Context, root model.Message, cmd command.Command) (Created, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cmd.Kind != command.KindCreate {
		return Created{}, model.NewMalformedCommandError("message %d carries no agreement", root.ID)
	}
	if !root.IsRoot() {
		return Created{}, model.NewMalformedCommandError("message %d is a reply; agreements start threads", root.ID)
	}
	if cmd.Amount < 1 {
		return Created{}, model.NewMalformedCommandError("collateral must be positive, got %d", cmd.Amount)
	}

	existing, err := m.store.GetAgreement(ctx, root.ID)
	if err == nil {
		return Created{Agreement: existing, Existing: true}, nil
	}
	if !model.IsNotFound(err) {
		return Created{}, fmt.Errorf("create agreement %d: %w", root.ID, err)
	}

	var members []string
	for _, h := range cmd.Members {
		if !model.SameHandle(h, root.AuthorHandle) {
			members = append(members, h)
		}
	}
	if len(members) == 0 {
		return Created{}, model.NewInsufficientMembersError(root.ID)
	}

	enforcer := cmd.Enforcer
	if enforcer == "" {
		enforcer = root.AuthorHandle
	}
	a := model.Agreement{
		ID:               root.ID,
		CreatorID:        root.AuthorID,
		CreatorHandle:    root.AuthorHandle,
		MemberHandle:     members[0],
		CollateralType:   cmd.Collateral,
		CollateralAmount: cmd.Amount,
		CreatedAt:        root.CreatedAt,
		Text:             root.Text,
		EnforcerHandle:   enforcer,
		Members:          members,
		Signatures:       map[string]int64{},
		State:            model.AgreementOpen,
	}
	a = a.AddSignature(root.AuthorHandle, root.ID).AddLinks(cmd.Links...)
	if member, err := m.store.FindAccountByHandle(ctx, a.MemberHandle); err == nil {
		a = a.WithMemberID(member.ID)
	} else if !model.IsNotFound(err) {
		return Created{}, fmt.Errorf("create agreement %d: %w", root.ID, err)
	}

	switch cmd.Collateral {
	case model.CollateralCurrency:
		if err := m.escrow(ctx, a); err != nil {
			return Created{}, err
		}
	case model.CollateralLike, model.CollateralRetweet:
		issued, err := m.pool.Generate(ctx, contracts.GenerateRequest{
			ID:           root.ID,
			IssuerID:     a.CreatorID,
			IssuerHandle: a.CreatorHandle,
			Type:         cmd.Collateral.Action(),
			Requested:    cmd.Amount,
			State:        model.ContractDead,
			AgreementID:  a.ID,
			CreatedAt:    root.CreatedAt,
		})
		if err != nil {
			return Created{}, err
		}
		a.ContractID = issued.Contract.ID
		a.ContractLimited = issued.Limited
		a.CollateralAmount = issued.Contract.IssuedCount
	default:
		return Created{}, model.NewMalformedCommandError("unknown collateral %q", cmd.Collateral)
	}

	inserted, err := m.store.InsertAgreement(ctx, a)
	if err != nil {
		return Created{}, fmt.Errorf("create agreement %d: %w", root.ID, err)
	}
	if inserted {
		metrics.AgreementsCreated.WithLabelValues(string(a.CollateralType)).Inc()
		m.logger.Info().
			Int64("agreement_id", a.ID).
			Int64("creator_id", a.CreatorID).
			Str("member", a.MemberHandle).
			Str("collateral", string(a.CollateralType)).
			Int64("amount", a.CollateralAmount).
			Bool("contract_limited", a.ContractLimited).
			Msg("agreement_created")
	}
	return Created{Agreement: a, Existing: !inserted}, nil
}

// escrow debits the creator's currency collateral into the engine account.
// A replay after a crash finds the escrow journaled and skips the balance check.
func (m *Machine) escrow(ctx context.Context, a model.Agreement) error {
	key := model.MustTransferKey(ledger.ReasonEscrow, a.ID)
	done, err := m.store.HasTransfer(ctx, key)
	if err != nil {
		return fmt.Errorf("escrow agreement %d: %w", a.ID, err)
	}
	if done {
		return nil
	}
	balance, err := m.ledger.Balance(ctx, a.CreatorID)
	if err != nil {
		return fmt.Errorf("escrow agreement %d: %w", a.ID, err)
	}
	if balance < a.CollateralAmount {
		return model.NewInsufficientBalanceError(a.CreatorID, balance, a.CollateralAmount)
	}
	if _, err := m.ledger.CreditEngine(ctx, key, a.CreatorID, a.CollateralAmount, ledger.ReasonEscrow); err != nil {
		return fmt.Errorf("escrow agreement %d: %w", a.ID, err)
	}
	return nil
}

// Effect describes what a vote did.
type Effect struct {
	AgreementID int64
	Party       model.Party
	Ruling      model.Ruling
	Resolution  model.Resolution

	// Ignored is set when the vote changed nothing; Reason says why.
	Ignored bool
	Reason  string

	// Settled is set when this vote settled the agreement.
	Settled bool

	// RecipientID received Payout. Tax went to the engine account.
	RecipientID int64
	Payout      int64
	Tax         int64
}

// Vote records voter's ruling on agreement id and settles it on consensus.
//
// Votes from accounts that are neither creator nor member, votes on settled
// agreements, and "upheld" votes on dead agreements are ignored without error.
func (m *Machine) Vote(ctx context.Context, id int64, voter model.Account, ruling model.Ruling) (Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ruling != model.RulingUpheld && ruling != model.RulingBroken {
		return Effect{}, model.NewMalformedCommandError("unknown ruling %q", ruling)
	}
	a, err := m.store.GetAgreement(ctx, id)
	if err != nil {
		return Effect{}, err
	}

	eff := Effect{AgreementID: id, Ruling: ruling, Resolution: a.Resolve()}
	eff.Party = a.PartyOf(voter.ID, voter.Handle)
	switch {
	case a.State == model.AgreementSettled:
		return m.ignore(eff, "agreement already settled"), nil
	case eff.Party == model.PartyNone:
		return m.ignore(eff, "voter is not a party"), nil
	case a.Dead && ruling == model.RulingUpheld:
		return m.ignore(eff, "agreement is dead"), nil
	}

	next := a.WithRuling(eff.Party, ruling)
	if eff.Party == model.PartyMember {
		next = next.WithMemberID(voter.ID)
	}
	eff.Resolution = next.Resolve()

	if eff.Resolution.Final() {
		if err := m.settle(ctx, next, eff.Resolution, &eff); err != nil {
			return Effect{}, err
		}
		next = next.Settle()
		eff.Settled = true
	}

	_, err = m.store.UpdateAgreement(ctx, id, func(cur model.Agreement) (model.Agreement, error) {
		cur = cur.WithRuling(eff.Party, ruling)
		if eff.Party == model.PartyMember {
			cur = cur.WithMemberID(voter.ID)
		}
		if eff.Settled {
			cur = cur.Settle()
		}
		return cur, nil
	})
	if err != nil {
		return Effect{}, fmt.Errorf("vote on agreement %d: %w", id, err)
	}

	if eff.Resolution != model.ResolutionWaiting {
		metrics.Settlements.WithLabelValues(string(eff.Resolution)).Inc()
	}
	m.logger.Info().
		Int64("agreement_id", id).
		Int64("voter_id", voter.ID).
		Str("ruling", string(ruling)).
		Str("resolution", string(eff.Resolution)).
		Int64("payout", eff.Payout).
		Int64("tax", eff.Tax).
		Msg("vote_recorded")
	return eff, nil
}

func (m *Machine) ignore(eff Effect, reason string) Effect {
	eff.Ignored = true
	eff.Reason = reason
	m.logger.Debug().Int64("agreement_id", eff.AgreementID).Str("reason", reason).Msg("vote_ignored")
	return eff
}

// settle moves the collateral for a final resolution.
func (m *Machine) settle(ctx context.Context, a model.Agreement, res model.Resolution, eff *Effect) error {
	switch {
	case a.CollateralType == model.CollateralCurrency && res == model.ResolutionUpheld:
		key := model.MustTransferKey(ledger.ReasonRefund, a.ID)
		if _, err := m.ledger.DebitEngine(ctx, key, a.CreatorID, a.CollateralAmount, ledger.ReasonRefund); err != nil {
			return fmt.Errorf("settle agreement %d: %w", a.ID, err)
		}
		eff.RecipientID, eff.Payout = a.CreatorID, a.CollateralAmount

	case a.CollateralType == model.CollateralCurrency && res == model.ResolutionBroken:
		key := model.MustTransferKey(ledger.ReasonPayout, a.ID)
		if _, err := m.ledger.DebitEngine(ctx, key, a.MemberID, a.CollateralAmount, ledger.ReasonPayout); err != nil {
			return fmt.Errorf("settle agreement %d: %w", a.ID, err)
		}
		eff.RecipientID, eff.Payout = a.MemberID, a.CollateralAmount

	case res == model.ResolutionBroken:
		if err := m.pool.Arm(ctx, a.ContractID); err != nil {
			return fmt.Errorf("settle agreement %d: %w", a.ID, err)
		}
		c, err := m.store.GetContract(ctx, a.ContractID)
		if err != nil {
			return fmt.Errorf("settle agreement %d: %w", a.ID, err)
		}
		gross := c.GrossValue()
		tax := Tax(gross, m.cfg.TaxBasisPoints)
		if tax > 0 {
			key := model.MustTransferKey(ledger.ReasonSettleTax, a.ID)
			if _, err := m.ledger.CreditEngine(ctx, key, a.CreatorID, tax, ledger.ReasonSettleTax); err != nil {
				return fmt.Errorf("settle agreement %d: %w", a.ID, err)
			}
		}
		if net := gross - tax; net > 0 {
			key := model.MustTransferKey(ledger.ReasonSettleMember, a.ID)
			if _, err := m.ledger.Transfer(ctx, key, a.CreatorID, a.MemberID, net, ledger.ReasonSettleMember); err != nil {
				return fmt.Errorf("settle agreement %d: %w", a.ID, err)
			}
		}
		eff.RecipientID, eff.Payout, eff.Tax = a.MemberID, gross-tax, tax
	}
	// Contract collateral ruled upheld: the contract stays dead and nothing moves.
	return nil
}

// Tax returns ceil(gross * bp / 10000).
func Tax(gross, bp int64) int64 {
	if gross <= 0 || bp <= 0 {
		return 0
	}
	return (gross*bp + 9999) / 10000
}

// Sign records handle's signature on agreement id against messageID.
// Only the creator and mentioned members can sign; settled agreements are not changed.
// signed reports whether a new signature was recorded.
func (m *Machine) Sign(ctx context.Context, id int64, handle string, messageID int64) (signed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err = m.store.UpdateAgreement(ctx, id, func(a model.Agreement) (model.Agreement, error) {
		if a.State == model.AgreementSettled || !isParty(a, handle) {
			return a, nil
		}
		next := a.AddSignature(handle, messageID)
		signed = len(next.Signatures) != len(a.Signatures)
		return next, nil
	})
	if err != nil {
		return false, fmt.Errorf("sign agreement %d: %w", id, err)
	}
	if signed {
		m.logger.Info().Int64("agreement_id", id).Str("handle", handle).Msg("agreement_signed")
	}
	return signed, nil
}

// Leave withdraws handle's signature and marks agreement id dead.
// Leaving never settles the agreement.
func (m *Machine) Leave(ctx context.Context, id int64, handle string) (left bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err = m.store.UpdateAgreement(ctx, id, func(a model.Agreement) (model.Agreement, error) {
		if a.State == model.AgreementSettled || !isParty(a, handle) {
			return a, nil
		}
		left = true
		return a.RemoveSignature(handle), nil
	})
	if err != nil {
		return false, fmt.Errorf("leave agreement %d: %w", id, err)
	}
	if left {
		m.logger.Info().Int64("agreement_id", id).Str("handle", handle).Msg("agreement_left")
	}
	return left, nil
}

// AddLinks appends evidence links to agreement id.
func (m *Machine) AddLinks(ctx context.Context, id int64, links ...string) error {
	if len(links) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.store.UpdateAgreement(ctx, id, func(a model.Agreement) (model.Agreement, error) {
		return a.AddLinks(links...), nil
	})
	if err != nil {
		return fmt.Errorf("add links to agreement %d: %w", id, err)
	}
	return nil
}

func isParty(a model.Agreement, handle string) bool {
	return model.SameHandle(handle, a.CreatorHandle) || a.IsMember(handle)
}
