// Package contracts owns forward-contract issuance and redemption.
//
// A contract is a standing commitment by its issuer to perform a number of
// platform actions (likes or retweets), each paid for at the contract's unit
// price by whoever redeems it.
//
// Issuance is bounded by a lifetime per-type quota. The quota counts every
// unit ever issued, so it never grows back as contracts are redeemed.
//
// Redemption is greedy and oldest-first: AutoExecute walks alive contracts
// in creation order and executes each one the redeemer can afford until the
// budget runs out. It favours contract age over price.
package contracts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/ledger"
	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/metrics"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/store"
)

// Store is the persistence the pool needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	InsertContract(ctx context.Context, c model.Contract) (bool, error)
	GetContract(ctx context.Context, id int64) (model.Contract, error)
	SetContractState(ctx context.Context, id int64, state model.ContractState) error
	ListContracts(ctx context.Context, f store.ContractFilter) ([]model.Contract, error)
	IssuerActed(ctx context.Context, issuerID int64, action model.ActionType, targetID int64) (bool, error)
	ExecuteContract(ctx context.Context, r model.Redemption) (model.Contract, bool, error)
	MessageRedemptions(ctx context.Context, messageID int64) ([]model.Redemption, error)
}

// Payer moves currency between accounts under an idempotency key.
// *ledger.Ledger satisfies it.
type Payer interface {
	Transfer(ctx context.Context, key string, from, to, amount int64, reason string) (bool, error)
	Balance(ctx context.Context, id int64) (int64, error)
}

// ActionChecker reports whether an account already performed a platform
// action on a message, outside of covenant.
type ActionChecker interface {
	HasPerformed(ctx context.Context, accountID int64, action model.ActionType, messageID int64) (bool, error)
}

// Config holds per-type pricing and issuance limits.
type Config struct {
	// UnitValue is the currency price of one unit of each contract type.
	UnitValue map[model.ActionType]int64

	// Quota is the lifetime number of units an account may issue per type.
	Quota map[model.ActionType]int64
}

// Pool issues and redeems contracts.
// Generate and AutoExecute are serialized so quota checks and budget walks
// see a consistent view of the contract table.
type Pool struct {
	mu      sync.Mutex
	store   Store
	payer   Payer
	checker ActionChecker
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the wall clock used to stamp contracts created without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// NewPool creates a Pool. checker may be nil, in which case only locally
// recorded redemptions count as performed actions.
func NewPool(s Store, payer Payer, checker ActionChecker, cfg Config, logger zerolog.Logger, opts ...Option) *Pool {
	p := &Pool{
		store:   s,
		payer:   payer,
		checker: checker,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.Component(logger, "contracts"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UnitPrice returns the configured price of one unit of action.
func (p *Pool) UnitPrice(action model.ActionType) int64 {
	return p.cfg.UnitValue[action]
}

// QuotaRemaining returns how many more units of action issuerID may issue.
// An account that has never been seen has its full quota.
func (p *Pool) QuotaRemaining(ctx context.Context, action model.ActionType, issuerID int64) (int64, error) {
	if !action.Valid() {
		return 0, fmt.Errorf("quota remaining: unknown contract type %q", action)
	}
	var issued int64
	acct, err := p.store.GetAccount(ctx, issuerID)
	switch {
	case model.IsNotFound(err):
	case err != nil:
		return 0, fmt.Errorf("quota remaining: %w", err)
	default:
		issued = acct.Issued(action)
	}
	return max(p.cfg.Quota[action]-issued, 0), nil
}

// GenerateRequest describes a contract to issue.
type GenerateRequest struct {
	// ID is the originating message id and becomes the contract id.
	ID           int64
	IssuerID     int64
	IssuerHandle string
	Type         model.ActionType
	Requested    int64

	// State is the initial state. Agreement collateral starts dead.
	State       model.ContractState
	AgreementID int64
	CreatedAt   time.Time
}

// Issued is the outcome of Generate.
type Issued struct {
	Contract model.Contract

	// Limited is set when the requested size was clamped to the remaining quota.
	Limited bool

	// Existing is set when a contract with the request id was already stored.
	Existing bool
}

// Generate issues a contract, clamping its size to the issuer's remaining quota.
// Fails with ContractLimitReached when no quota is left.
// Generating an id that already exists returns the stored contract unchanged.
// The issuer account must exist.
func (p *Pool) Generate(ctx context.Context, req GenerateRequest) (Issued, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !req.Type.Valid() {
		return Issued{}, model.NewMalformedCommandError("unknown contract type %q", req.Type)
	}
	if req.Requested < 1 {
		return Issued{}, model.NewMalformedCommandError("contract size must be positive, got %d", req.Requested)
	}

	existing, err := p.store.GetContract(ctx, req.ID)
	if err == nil {
		return Issued{Contract: existing, Limited: existing.IssuedCount < req.Requested, Existing: true}, nil
	}
	if !model.IsNotFound(err) {
		return Issued{}, fmt.Errorf("generate contract %d: %w", req.ID, err)
	}

	remaining, err := p.QuotaRemaining(ctx, req.Type, req.IssuerID)
	if err != nil {
		return Issued{}, err
	}
	if remaining < 1 {
		return Issued{}, model.NewContractLimitError(req.IssuerID, req.Type)
	}

	size := min(req.Requested, remaining)
	state := req.State
	if state == "" {
		state = model.ContractAlive
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = p.now()
	}

	c := model.Contract{
		ID:             req.ID,
		IssuerID:       req.IssuerID,
		IssuerHandle:   req.IssuerHandle,
		Type:           req.Type,
		IssuedCount:    size,
		RemainingCount: size,
		UnitPrice:      p.UnitPrice(req.Type),
		CreatedAt:      createdAt,
		ExecutedOn:     []int64{},
		State:          state,
		AgreementID:    req.AgreementID,
	}
	if _, err := p.store.InsertContract(ctx, c); err != nil {
		return Issued{}, fmt.Errorf("generate contract %d: %w", req.ID, err)
	}

	limited := size < req.Requested
	p.logger.Info().
		Int64("contract_id", c.ID).
		Int64("issuer_id", c.IssuerID).
		Str("type", string(c.Type)).
		Int64("size", size).
		Bool("limited", limited).
		Str("state", string(state)).
		Msg("contract_generated")
	return Issued{Contract: c, Limited: limited}, nil
}

// Arm makes a dormant contract redeemable.
func (p *Pool) Arm(ctx context.Context, id int64) error {
	return p.store.SetContractState(ctx, id, model.ContractAlive)
}

// Redemption is a request to spend a budget on contracts targeting one message.
type Redemption struct {
	RedeemerID int64

	// TargetID is the platform message the issuers will act on.
	TargetID int64

	// Action restricts redemption to one contract type. Empty means any type.
	Action model.ActionType

	// Budget is the maximum currency to spend.
	Budget int64

	// MessageID is the redeem command spending the budget. When set, the
	// budget is spent at most once across retries of the same message.
	MessageID int64
}

// Skip records a contract AutoExecute passed over.
type Skip struct {
	ContractID int64
	Reason     error
}

// Execution is the outcome of AutoExecute.
type Execution struct {
	Spent    int64
	Executed []model.Redemption
	Skipped  []Skip
}

// AutoExecute spends up to r.Budget on alive contracts, oldest first.
//
// A contract is skipped when:
//   - the redeemer issued it (SelfRedemptionForbidden)
//   - its issuer already performed its action on the target (DuplicateActionForbidden)
//   - its unit price exceeds the budget left
//
// Each execution is recorded against r.MessageID first and then paid from
// redeemer to issuer under a key derived from (contract, target). A retry of
// the same message finishes any unpaid executions and spends only what is
// left of the budget.
//
// The redeemer must hold what is left of r.Budget; otherwise InsufficientBalance.
func (p *Pool) AutoExecute(ctx context.Context, r Redemption) (Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.Budget < 1 {
		return Execution{}, model.NewMalformedCommandError("redemption budget must be positive, got %d", r.Budget)
	}
	if r.Action != "" && !r.Action.Valid() {
		return Execution{}, model.NewMalformedCommandError("unknown contract type %q", r.Action)
	}

	var out Execution
	if r.MessageID != 0 {
		prior, err := p.store.MessageRedemptions(ctx, r.MessageID)
		if err != nil {
			return Execution{}, fmt.Errorf("auto execute: %w", err)
		}
		for _, red := range prior {
			c, err := p.store.GetContract(ctx, red.ContractID)
			if err != nil {
				return Execution{}, fmt.Errorf("auto execute: %w", err)
			}
			if err := p.pay(ctx, c, red); err != nil {
				return Execution{}, err
			}
			out.Executed = append(out.Executed, red)
			out.Spent += red.Price
		}
	}
	left := r.Budget - out.Spent
	if left <= 0 {
		return out, nil
	}

	balance, err := p.payer.Balance(ctx, r.RedeemerID)
	if err != nil {
		return out, fmt.Errorf("auto execute: %w", err)
	}
	if balance < left {
		return out, model.NewInsufficientBalanceError(r.RedeemerID, balance, left)
	}

	alive, err := p.store.ListContracts(ctx, store.ContractFilter{Type: r.Action, State: model.ContractAlive})
	if err != nil {
		return out, fmt.Errorf("auto execute: %w", err)
	}

	for _, c := range alive {
		if left <= 0 {
			break
		}
		if !c.Redeemable() {
			continue
		}
		if c.IssuerID == r.RedeemerID {
			out.Skipped = append(out.Skipped, Skip{c.ID, model.NewSelfRedemptionError(c.ID, r.RedeemerID)})
			continue
		}
		if c.UnitPrice > left {
			continue
		}
		dup, err := p.performed(ctx, c, r.TargetID)
		if err != nil {
			return out, fmt.Errorf("auto execute: %w", err)
		}
		if dup {
			out.Skipped = append(out.Skipped, Skip{c.ID, model.NewDuplicateActionError(c.ID, r.TargetID, c.Type)})
			continue
		}

		red := model.Redemption{
			ContractID: c.ID,
			TargetID:   r.TargetID,
			Action:     c.Type,
			RedeemerID: r.RedeemerID,
			Price:      c.UnitPrice,
			MessageID:  r.MessageID,
		}
		if _, _, err := p.store.ExecuteContract(ctx, red); err != nil {
			return out, fmt.Errorf("auto execute: %w", err)
		}
		if err := p.pay(ctx, c, red); err != nil {
			return out, err
		}

		metrics.ContractExecutions.WithLabelValues(string(c.Type)).Inc()
		p.logger.Info().
			Int64("contract_id", c.ID).
			Int64("redeemer_id", r.RedeemerID).
			Int64("target_id", r.TargetID).
			Int64("message_id", r.MessageID).
			Int64("price", c.UnitPrice).
			Msg("contract_executed")

		out.Executed = append(out.Executed, red)
		out.Spent += c.UnitPrice
		left -= c.UnitPrice
	}
	return out, nil
}

// pay moves one execution's price from the redeemer to c's issuer.
// Paying the same execution again is a no-op.
func (p *Pool) pay(ctx context.Context, c model.Contract, red model.Redemption) error {
	if red.Price <= 0 {
		return nil
	}
	key := model.MustTransferKey(ledger.ReasonRedeem, c.ID, red.TargetID)
	if _, err := p.payer.Transfer(ctx, key, red.RedeemerID, c.IssuerID, red.Price, ledger.ReasonRedeem); err != nil {
		return fmt.Errorf("auto execute: pay contract %d: %w", c.ID, err)
	}
	return nil
}

// performed reports whether c's issuer already did c's action on target,
// through covenant or directly on the platform.
func (p *Pool) performed(ctx context.Context, c model.Contract, targetID int64) (bool, error) {
	acted, err := p.store.IssuerActed(ctx, c.IssuerID, c.Type, targetID)
	if err != nil || acted {
		return acted, err
	}
	if p.checker == nil {
		return false, nil
	}
	done, err := p.checker.HasPerformed(ctx, c.IssuerID, c.Type, targetID)
	if err != nil {
		p.logger.Warn().Err(err).Int64("contract_id", c.ID).Msg("action_check_failed")
		return false, nil
	}
	return done, nil
}
