package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/covenant/internal/model"
)

const accountColumns = `id, handle, balance, issued_likes, issued_retweets, created_at`

// EnsureAccount creates the account with a zero balance if it does not exist.
// An existing account keeps its balance; a non-empty handle replaces the stored one.
// created reports whether the row was added.
func (s *Store) EnsureAccount(ctx context.Context, id int64, handle string, now time.Time) (created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, handle, balance, issued_likes, issued_retweets, created_at)
			VALUES (?, ?, 0, 0, 0, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, handle, toMillis(now))
		if err != nil {
			return err
		}
		created, err = affectedOne(result)
		if err != nil {
			return err
		}
		if created {
			return bumpCounter(ctx, tx, CounterAccounts)
		}
		if handle == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET handle = ? WHERE id = ? AND handle != ?`, handle, id, handle)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ensure account %d: %w", id, err)
	}
	return created, nil
}

// GetAccount reads one account. A missing id yields a NotFound error.
func (s *Store) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, model.NewNotFoundError("account", id)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// FindAccountByHandle looks an account up by handle, case-insensitively.
func (s *Store) FindAccountByHandle(ctx context.Context, handle string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE handle = ? COLLATE NOCASE
		ORDER BY id ASC LIMIT 1
	`, handle)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, &model.Error{
			Code:    model.CodeNotFound,
			Message: fmt.Sprintf("account @%s not found", handle),
			Details: map[string]string{"kind": "account", "handle": handle},
		}
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("find account @%s: %w", handle, err)
	}
	return a, nil
}

// ListAccounts returns every account in ascending id order.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApplyTransfer journals t and moves t.Amount from t.FromID to t.ToID.
// Both legs and the journal row are written in one transaction.
// Uses ON CONFLICT(key) DO NOTHING: a known key applies nothing and reports applied=false.
// Both accounts must exist. Balances are not clamped at zero.
func (s *Store) ApplyTransfer(ctx context.Context, t model.Transfer) (applied bool, err error) {
	if t.Amount <= 0 {
		return false, fmt.Errorf("apply transfer %s: amount must be positive, got %d", t.Key, t.Amount)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO transfers (key, from_id, to_id, amount, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, t.Key, t.FromID, t.ToID, t.Amount, t.Reason, toMillis(t.CreatedAt))
		if err != nil {
			return err
		}
		applied, err = affectedOne(result)
		if err != nil || !applied {
			return err
		}

		legs := []struct {
			id    int64
			delta int64
		}{
			{t.FromID, -t.Amount},
			{t.ToID, t.Amount},
		}
		for _, leg := range legs {
			result, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ? WHERE id = ?`, leg.delta, leg.id)
			if err != nil {
				return err
			}
			ok, err := affectedOne(result)
			if err != nil {
				return err
			}
			if !ok {
				return model.NewNotFoundError("account", leg.id)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply transfer %s: %w", t.Key, err)
	}
	return applied, nil
}

// HasTransfer reports whether a transfer with key was journaled.
func (s *Store) HasTransfer(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfers WHERE key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("has transfer: %w", err)
	}
	return n > 0, nil
}

// Transfers returns the journal entries touching accountID in seq order.
// An accountID of 0 returns the whole journal.
func (s *Store) Transfers(ctx context.Context, accountID int64) ([]model.Transfer, error) {
	query := `SELECT seq, key, from_id, to_id, amount, reason, created_at FROM transfers`
	var args []any
	if accountID != 0 {
		query += ` WHERE from_id = ? OR to_id = ?`
		args = append(args, accountID, accountID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transfers: %w", err)
	}
	defer rows.Close()

	var out []model.Transfer
	for rows.Next() {
		var (
			t         model.Transfer
			createdAt int64
		)
		if err := rows.Scan(&t.Seq, &t.Key, &t.FromID, &t.ToID, &t.Amount, &t.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("transfers: %w", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TotalBalance sums every account balance. Transfers conserve it.
func (s *Store) TotalBalance(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return 0, fmt.Errorf("total balance: %w", err)
	}
	return total, nil
}

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		a         model.Account
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.Handle, &a.Balance, &a.IssuedLikes, &a.IssuedRetweets, &createdAt); err != nil {
		return model.Account{}, err
	}
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}
