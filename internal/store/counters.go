package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/covenant/internal/model"
)

// bumpCounter increments a named counter inside tx.
func bumpCounter(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
	`, name)
	if err != nil {
		return fmt.Errorf("bump counter %s: %w", name, err)
	}
	return nil
}

// Counters returns the aggregate counters read by the presentation layer.
func (s *Store) Counters(ctx context.Context) (model.Counters, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters ORDER BY name ASC`)
	if err != nil {
		return model.Counters{}, fmt.Errorf("counters: %w", err)
	}
	defer rows.Close()

	var c model.Counters
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return model.Counters{}, fmt.Errorf("counters: %w", err)
		}
		switch name {
		case CounterMessages:
			c.Messages = value
		case CounterAgreements:
			c.Agreements = value
		case CounterContracts:
			c.Contracts = value
		case CounterAccounts:
			c.Accounts = value
		}
	}
	if err := rows.Err(); err != nil {
		return model.Counters{}, fmt.Errorf("counters: %w", err)
	}
	return c, nil
}

// Cursor returns the last processed message id for a named feed. Unknown names return 0.
func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM cursors WHERE name = ?`, name).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", name, err)
	}
	return last, nil
}

// AdvanceCursor moves a named cursor forward to id. It never moves backwards.
func (s *Store) AdvanceCursor(ctx context.Context, name string, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, last_id) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)
	`, name, id)
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", name, err)
	}
	return nil
}
