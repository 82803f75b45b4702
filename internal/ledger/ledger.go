// Package ledger owns account balances. Every balance change in covenant is
// a call into Ledger.Transfer or one of its engine-account shorthands.
//
// A transfer is identified by an idempotency key derived from the event that
// caused it (see model.TransferKey). Applying the same key twice is a no-op,
// so re-running a settlement after a crash never moves funds twice.
//
// Balances are not clamped at zero. Callers that must not overdraw check
// Balance first while they hold no other ledger call in flight.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/metrics"
	"github.com/roach88/covenant/internal/model"
)

// Transfer reasons recorded in the journal.
const (
	ReasonGrant        = "grant"
	ReasonEscrow       = "escrow"
	ReasonRefund       = "refund"
	ReasonPayout       = "payout"
	ReasonSettleTax    = "settle_tax"
	ReasonSettleMember = "settle_member"
	ReasonRedeem       = "redeem"
)

// Store is the persistence the ledger needs.
type Store interface {
	EnsureAccount(ctx context.Context, id int64, handle string, now time.Time) (bool, error)
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	ApplyTransfer(ctx context.Context, t model.Transfer) (bool, error)
}

// Config holds the ledger's startup parameters.
type Config struct {
	// EngineID is the reserved account that collects tax and holds escrow.
	EngineID int64

	// EngineHandle names the engine account.
	EngineHandle string

	// StartingBalance is granted from the engine account to every new account.
	StartingBalance int64
}

// Ledger applies transfers between accounts.
// Transfers touching the same account are serialized by a per-account lock.
type Ledger struct {
	store  Store
	cfg    Config
	locks  *lockTable
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the wall clock used to stamp new accounts and journal rows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger. Call EnsureEngine before the first transfer.
func New(store Store, cfg Config, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		locks:  newLockTable(),
		now:    time.Now,
		logger: logging.Component(logger, "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EngineID returns the reserved engine account id.
func (l *Ledger) EngineID() int64 {
	return l.cfg.EngineID
}

// EnsureEngine creates the engine account if it is missing.
func (l *Ledger) EnsureEngine(ctx context.Context) error {
	if _, err := l.store.EnsureAccount(ctx, l.cfg.EngineID, l.cfg.EngineHandle, l.now()); err != nil {
		return fmt.Errorf("ensure engine account: %w", err)
	}
	return nil
}

// Open returns the account, creating it on first reference.
// A new account receives the configured starting balance from the engine account.
// The grant is keyed by account id, so a crash between creation and grant is
// repaired on the next Open.
func (l *Ledger) Open(ctx context.Context, id int64, handle string) (model.Account, error) {
	created, err := l.store.EnsureAccount(ctx, id, handle, l.now())
	if err != nil {
		return model.Account{}, fmt.Errorf("open account %d: %w", id, err)
	}
	if created {
		l.logger.Debug().Int64("account_id", id).Str("handle", handle).Msg("account_created")
	}
	if l.cfg.StartingBalance > 0 && id != l.cfg.EngineID {
		key := model.MustTransferKey(ReasonGrant, id)
		if _, err := l.Transfer(ctx, key, l.cfg.EngineID, id, l.cfg.StartingBalance, ReasonGrant); err != nil {
			return model.Account{}, fmt.Errorf("open account %d: %w", id, err)
		}
	}
	return l.store.GetAccount(ctx, id)
}

// Balance returns the current balance of an account. Unknown accounts yield NotFound.
func (l *Ledger) Balance(ctx context.Context, id int64) (int64, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Transfer moves amount from one account to another under key.
// Both legs are applied together or not at all. applied is false when key
// was already journaled. Both accounts must exist.
func (l *Ledger) Transfer(ctx context.Context, key string, from, to, amount int64, reason string) (applied bool, err error) {
	if amount <= 0 {
		return false, fmt.Errorf("transfer %s: amount must be positive, got %d", reason, amount)
	}
	if from == to {
		return false, fmt.Errorf("transfer %s: source and destination are both %d", reason, from)
	}
	if key == "" {
		return false, fmt.Errorf("transfer %s: missing idempotency key", reason)
	}

	unlock := l.locks.lock(from, to)
	defer unlock()

	applied, err = l.store.ApplyTransfer(ctx, model.Transfer{
		Key:       key,
		FromID:    from,
		ToID:      to,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return false, err
	}

	event := l.logger.Debug()
	if applied {
		metrics.Transfers.WithLabelValues(reason).Inc()
		event = l.logger.Info()
	}
	event.
		Int64("from", from).
		Int64("to", to).
		Int64("amount", amount).
		Str("reason", reason).
		Bool("applied", applied).
		Msg("transfer")
	return applied, nil
}

// CreditEngine moves amount from an account into the engine account.
func (l *Ledger) CreditEngine(ctx context.Context, key string, from, amount int64, reason string) (bool, error) {
	return l.Transfer(ctx, key, from, l.cfg.EngineID, amount, reason)
}

// DebitEngine moves amount out of the engine account to an account.
func (l *Ledger) DebitEngine(ctx context.Context, key string, to, amount int64, reason string) (bool, error) {
	return l.Transfer(ctx, key, l.cfg.EngineID, to, amount, reason)
}
