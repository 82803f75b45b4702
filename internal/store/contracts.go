package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/covenant/internal/model"
)

const contractColumns = `id, issuer_id, issuer_handle, type, issued_count, remaining_count, unit_price,
	created_at, executed_on, state, agreement_id`

// issuedColumn maps a contract type to the account column counting its lifetime issuance.
func issuedColumn(t model.ActionType) (string, error) {
	switch t {
	case model.ActionLike:
		return "issued_likes", nil
	case model.ActionRetweet:
		return "issued_retweets", nil
	default:
		return "", fmt.Errorf("unknown contract type %q", t)
	}
}

// InsertContract stores a contract keyed by its originating message id.
// In the same transaction it adds IssuedCount to the issuer's lifetime
// counter for the contract type and bumps the contracts counter.
// The issuer account must exist.
func (s *Store) InsertContract(ctx context.Context, c model.Contract) (inserted bool, err error) {
	col, err := issuedColumn(c.Type)
	if err != nil {
		return false, fmt.Errorf("insert contract: %w", err)
	}
	executed, err := marshalIDs(c.ExecutedOn)
	if err != nil {
		return false, fmt.Errorf("insert contract: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO contracts (`+contractColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			c.ID,
			c.IssuerID,
			c.IssuerHandle,
			string(c.Type),
			c.IssuedCount,
			c.RemainingCount,
			c.UnitPrice,
			toMillis(c.CreatedAt),
			executed,
			string(c.State),
			c.AgreementID,
		)
		if err != nil {
			return err
		}
		inserted, err = affectedOne(result)
		if err != nil || !inserted {
			return err
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE accounts SET `+col+` = `+col+` + ? WHERE id = ?`, c.IssuedCount, c.IssuerID)
		if err != nil {
			return err
		}
		if ok, err := affectedOne(result); err != nil {
			return err
		} else if !ok {
			return model.NewNotFoundError("account", c.IssuerID)
		}
		return bumpCounter(ctx, tx, CounterContracts)
	})
	if err != nil {
		return false, fmt.Errorf("insert contract %d: %w", c.ID, err)
	}
	return inserted, nil
}

// GetContract reads one contract. A missing id yields a NotFound error.
func (s *Store) GetContract(ctx context.Context, id int64) (model.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contract{}, model.NewNotFoundError("contract", id)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("get contract %d: %w", id, err)
	}
	return c, nil
}

// SetContractState moves a contract to state.
func (s *Store) SetContractState(ctx context.Context, id int64, state model.ContractState) error {
	result, err := s.db.ExecContext(ctx, `UPDATE contracts SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("set contract %d state: %w", id, err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return fmt.Errorf("set contract %d state: %w", id, err)
	}
	if !ok {
		return model.NewNotFoundError("contract", id)
	}
	return nil
}

// ContractFilter narrows ListContracts. Zero fields match everything.
type ContractFilter struct {
	Type     model.ActionType
	State    model.ContractState
	IssuerID int64
}

// ListContracts returns contracts oldest first, ties broken by id.
// This is the FIFO order the contract pool redeems in.
func (s *Store) ListContracts(ctx context.Context, f ContractFilter) ([]model.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE 1 = 1`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.IssuerID != 0 {
		query += ` AND issuer_id = ?`
		args = append(args, f.IssuerID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("list contracts: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	return out, nil
}

// IssuerActed reports whether any contract of issuerID was already redeemed
// for action on targetID. An issuer performs a platform action on a message at most once.
func (s *Store) IssuerActed(ctx context.Context, issuerID int64, action model.ActionType, targetID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM redemptions r
		JOIN contracts c ON c.id = r.contract_id
		WHERE c.issuer_id = ? AND r.action = ? AND r.target_id = ?
	`, issuerID, string(action), targetID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("issuer acted: %w", err)
	}
	return n > 0, nil
}

// ExecuteContract records one redemption and consumes one unit of the contract.
// The redemption row, remaining_count and executed_on change together.
// executed is false, with no error, when the redemption was already recorded.
// A contract that is not alive or has nothing left is an error.
func (s *Store) ExecuteContract(ctx context.Context, r model.Redemption) (c model.Contract, executed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, r.ContractID)
		cur, err := scanContract(row)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError("contract", r.ContractID)
		}
		if err != nil {
			return err
		}
		c = cur

		result, err := tx.ExecContext(ctx, `
			INSERT INTO redemptions (contract_id, target_id, action, redeemer_id, price, message_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(contract_id, target_id, action) DO NOTHING
		`, r.ContractID, r.TargetID, string(r.Action), r.RedeemerID, r.Price, r.MessageID)
		if err != nil {
			return err
		}
		executed, err = affectedOne(result)
		if err != nil || !executed {
			return err
		}

		if cur.State != model.ContractAlive {
			return fmt.Errorf("contract %d is %s", cur.ID, cur.State)
		}
		next, err := cur.RecordExecution(r.TargetID)
		if err != nil {
			return err
		}
		executedJSON, err := marshalIDs(next.ExecutedOn)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE contracts SET remaining_count = ?, executed_on = ? WHERE id = ?
		`, next.RemainingCount, executedJSON, next.ID); err != nil {
			return err
		}
		c = next
		return nil
	})
	if err != nil {
		return model.Contract{}, false, fmt.Errorf("execute contract %d: %w", r.ContractID, err)
	}
	return c, executed, nil
}

// Redemptions lists the executions of one contract in target order.
func (s *Store) Redemptions(ctx context.Context, contractID int64) ([]model.Redemption, error) {
	return s.queryRedemptions(ctx, `WHERE contract_id = ? ORDER BY target_id ASC, action ASC`, contractID)
}

// MessageRedemptions lists the executions one redeem message paid for,
// in the order they were recorded.
func (s *Store) MessageRedemptions(ctx context.Context, messageID int64) ([]model.Redemption, error) {
	return s.queryRedemptions(ctx, `WHERE message_id = ? ORDER BY rowid ASC`, messageID)
}

func (s *Store) queryRedemptions(ctx context.Context, where string, args ...any) ([]model.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contract_id, target_id, action, redeemer_id, price, message_id
		FROM redemptions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("redemptions: %w", err)
	}
	defer rows.Close()

	var out []model.Redemption
	for rows.Next() {
		var (
			r      model.Redemption
			action string
		)
		if err := rows.Scan(&r.ContractID, &r.TargetID, &action, &r.RedeemerID, &r.Price, &r.MessageID); err != nil {
			return nil, fmt.Errorf("redemptions: %w", err)
		}
		r.Action = model.ActionType(action)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("redemptions: %w", err)
	}
	return out, nil
}

func scanContract(row rowScanner) (model.Contract, error) {
	var (
		c           model.Contract
		typ, state  string
		createdAt   int64
		executedRaw string
	)
	if err := row.Scan(
		&c.ID, &c.IssuerID, &c.IssuerHandle, &typ, &c.IssuedCount, &c.RemainingCount, &c.UnitPrice,
		&createdAt, &executedRaw, &state, &c.AgreementID,
	); err != nil {
		return model.Contract{}, err
	}
	executed, err := unmarshalIDs(executedRaw)
	if err != nil {
		return model.Contract{}, err
	}
	c.Type = model.ActionType(typ)
	c.CreatedAt = fromMillis(createdAt)
	c.ExecutedOn = executed
	c.State = model.ContractState(state)
	return c, nil
}
