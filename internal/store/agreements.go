package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/covenant/internal/model"
)

const agreementColumns = `id, creator_id, creator_handle, creator_ruling, member_id, member_handle, member_ruling,
	collateral_type, collateral_amount, contract_id, contract_limited, created_at, text, enforcer_handle,
	members, signatures, links, dead, state`

// agreementRow holds the serialized list and map columns of an agreement.
type agreementRow struct {
	members    string
	signatures string
	links      string
}

func encodeAgreement(a model.Agreement) (agreementRow, error) {
	members, err := marshalStrings(a.Members)
	if err != nil {
		return agreementRow{}, err
	}
	sigs, err := marshalSignatures(a.Signatures)
	if err != nil {
		return agreementRow{}, err
	}
	links, err := marshalStrings(a.Links)
	if err != nil {
		return agreementRow{}, err
	}
	return agreementRow{members: members, signatures: sigs, links: links}, nil
}

// InsertAgreement stores an agreement keyed by its root message id.
// Uses ON CONFLICT(id) DO NOTHING; inserted reports whether a row was added.
func (s *Store) InsertAgreement(ctx context.Context, a model.Agreement) (inserted bool, err error) {
	enc, err := encodeAgreement(a)
	if err != nil {
		return false, fmt.Errorf("insert agreement: %w", err)
	}
	if a.State == "" {
		a.State = model.AgreementOpen
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO agreements (`+agreementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			a.ID,
			a.CreatorID,
			a.CreatorHandle,
			string(a.CreatorRuling),
			a.MemberID,
			a.MemberHandle,
			string(a.MemberRuling),
			string(a.CollateralType),
			a.CollateralAmount,
			a.ContractID,
			boolToInt(a.ContractLimited),
			toMillis(a.CreatedAt),
			a.Text,
			a.EnforcerHandle,
			enc.members,
			enc.signatures,
			enc.links,
			boolToInt(a.Dead),
			string(a.State),
		)
		if err != nil {
			return err
		}
		inserted, err = affectedOne(result)
		if err != nil || !inserted {
			return err
		}
		return bumpCounter(ctx, tx, CounterAgreements)
	})
	if err != nil {
		return false, fmt.Errorf("insert agreement %d: %w", a.ID, err)
	}
	return inserted, nil
}

// GetAgreement reads one agreement. A missing id yields a NotFound error.
func (s *Store) GetAgreement(ctx context.Context, id int64) (model.Agreement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, id)
	a, err := scanAgreement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agreement{}, model.NewNotFoundError("agreement", id)
	}
	if err != nil {
		return model.Agreement{}, fmt.Errorf("get agreement %d: %w", id, err)
	}
	return a, nil
}

// UpdateAgreement applies fn to the stored agreement inside one transaction.
// A settled agreement stays settled whatever fn returns.
func (s *Store) UpdateAgreement(ctx context.Context, id int64, fn func(model.Agreement) (model.Agreement, error)) (model.Agreement, error) {
	var out model.Agreement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, id)
		cur, err := scanAgreement(row)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError("agreement", id)
		}
		if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		next.ID = id
		if cur.State == model.AgreementSettled {
			next.State = model.AgreementSettled
		}

		enc, err := encodeAgreement(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agreements SET
				creator_ruling = ?, member_id = ?, member_ruling = ?, contract_id = ?, contract_limited = ?,
				members = ?, signatures = ?, links = ?, dead = ?, state = ?
			WHERE id = ?
		`,
			string(next.CreatorRuling),
			next.MemberID,
			string(next.MemberRuling),
			next.ContractID,
			boolToInt(next.ContractLimited),
			enc.members,
			enc.signatures,
			enc.links,
			boolToInt(next.Dead),
			string(next.State),
			id,
		); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return model.Agreement{}, fmt.Errorf("update agreement %d: %w", id, err)
	}
	return out, nil
}

// ListAgreements returns agreements in ascending id order.
// An empty state returns every agreement.
func (s *Store) ListAgreements(ctx context.Context, state model.AgreementState) ([]model.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var out []model.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("list agreements: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	return out, nil
}

func scanAgreement(row rowScanner) (model.Agreement, error) {
	var (
		a                           model.Agreement
		creatorRuling, memberRuling string
		collateral, state           string
		limited, dead               int
		createdAt                   int64
		members, sigs, links        string
	)
	if err := row.Scan(
		&a.ID, &a.CreatorID, &a.CreatorHandle, &creatorRuling, &a.MemberID, &a.MemberHandle, &memberRuling,
		&collateral, &a.CollateralAmount, &a.ContractID, &limited, &createdAt, &a.Text, &a.EnforcerHandle,
		&members, &sigs, &links, &dead, &state,
	); err != nil {
		return model.Agreement{}, err
	}

	var err error
	if a.Members, err = unmarshalStrings(members); err != nil {
		return model.Agreement{}, err
	}
	if a.Signatures, err = unmarshalSignatures(sigs); err != nil {
		return model.Agreement{}, err
	}
	if a.Links, err = unmarshalStrings(links); err != nil {
		return model.Agreement{}, err
	}
	a.CreatorRuling = model.Ruling(creatorRuling)
	a.MemberRuling = model.Ruling(memberRuling)
	a.CollateralType = model.CollateralType(collateral)
	a.ContractLimited = limited != 0
	a.CreatedAt = fromMillis(createdAt)
	a.Dead = dead != 0
	a.State = model.AgreementState(state)
	return a, nil
}
