package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/covenant/internal/model"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const messageColumns = `id, text, author_id, author_handle, created_at, parent_id, child_ids, parsed, thread_id`

// InsertMessage stores a message if its id is new.
// Uses ON CONFLICT(id) DO NOTHING for idempotency; inserted reports whether a row was added.
// The messages counter moves in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, m model.Message) (inserted bool, err error) {
	childJSON, err := marshalIDs(m.ChildIDs)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	var parent any
	if m.ParentID != 0 {
		parent = m.ParentID
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			m.ID,
			m.Text,
			m.AuthorID,
			m.AuthorHandle,
			toMillis(m.CreatedAt),
			parent,
			childJSON,
			boolToInt(m.Parsed),
			m.ThreadID,
		)
		if err != nil {
			return err
		}
		inserted, err = affectedOne(result)
		if err != nil || !inserted {
			return err
		}
		return bumpCounter(ctx, tx, CounterMessages)
	})
	if err != nil {
		return false, fmt.Errorf("insert message %d: %w", m.ID, err)
	}
	return inserted, nil
}

// GetMessage reads one message. A missing id yields a NotFound error.
func (s *Store) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, model.NewNotFoundError("message", id)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

// HasMessage reports whether a message is stored.
func (s *Store) HasMessage(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("has message %d: %w", id, err)
	}
	return n > 0, nil
}

// UpdateMessage applies fn to the stored message inside one transaction.
// The message id cannot be changed by fn, and a parsed flag is never cleared.
func (s *Store) UpdateMessage(ctx context.Context, id int64, fn func(model.Message) (model.Message, error)) (model.Message, error) {
	var out model.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
		cur, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError("message", id)
		}
		if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		next.ID = id

		childJSON, err := marshalIDs(next.ChildIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET child_ids = ?, parsed = MAX(parsed, ?), thread_id = ? WHERE id = ?
		`, childJSON, boolToInt(next.Parsed), next.ThreadID, id); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("update message %d: %w", id, err)
	}
	return out, nil
}

// AppendChild records childID under parentID. A missing parent yields NotFound.
func (s *Store) AppendChild(ctx context.Context, parentID, childID int64) error {
	_, err := s.UpdateMessage(ctx, parentID, func(m model.Message) (model.Message, error) {
		return m.WithChild(childID), nil
	})
	return err
}

// MarkParsed flags a message parsed and attaches it to threadID.
func (s *Store) MarkParsed(ctx context.Context, id, threadID int64) error {
	_, err := s.UpdateMessage(ctx, id, func(m model.Message) (model.Message, error) {
		return m.MarkParsed(threadID), nil
	})
	return err
}

// UnparsedMessages returns up to limit unparsed messages in ascending id order.
// A limit of 0 or less means no limit.
func (s *Store) UnparsedMessages(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE parsed = 0
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("unparsed messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("unparsed messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unparsed messages: %w", err)
	}
	return out, nil
}

// ThreadMessages returns the messages attached to an agreement in ascending id order.
func (s *Store) ThreadMessages(ctx context.Context, threadID int64) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ?
		ORDER BY id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("thread messages: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m         model.Message
		createdAt int64
		parent    sql.NullInt64
		childJSON string
		parsed    int
	)
	if err := row.Scan(&m.ID, &m.Text, &m.AuthorID, &m.AuthorHandle, &createdAt, &parent, &childJSON, &parsed, &m.ThreadID); err != nil {
		return model.Message{}, err
	}
	children, err := unmarshalIDs(childJSON)
	if err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.ParentID = parent.Int64
	m.ChildIDs = children
	m.Parsed = parsed != 0
	return m, nil
}

// affectedOne reports whether the statement changed a row.
func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
