package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendMessage appends a message to a session's log, assigning the next
// per-session seq. Replays of the same localID (client retry after a
// dropped ack) are idempotent and return the original row (spec §7).
func (s *Store) AppendMessage(ctx context.Context, id, sessionID, localID string, kind MessageKind, parentID string, body []byte) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if existing, err := getMessageByLocalID(ctx, tx, sessionID, localID); err == nil {
		return existing, tx.Commit()
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("compute next message seq: %w", err)
	}

	var parent any
	if parentID != "" {
		parent = parentID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, local_id, seq, kind, parent_id, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, sessionID, localID, seq, kind, parent, body)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, local_id, seq, kind, COALESCE(parent_id, ''), body, created_at
		FROM messages WHERE id = ?
	`, id)
	return scanMessage(row)
}

// ListMessagesSince returns every message in a session after sinceSeq,
// in seq order, used both for initial history load and for resume
// after an offline gap (spec §8).
func (s *Store) ListMessagesSince(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, local_id, seq, kind, COALESCE(parent_id, ''), body, created_at
		FROM messages WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func getMessageByLocalID(ctx context.Context, tx *sql.Tx, sessionID, localID string) (*Message, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, local_id, seq, kind, COALESCE(parent_id, ''), body, created_at
		FROM messages WHERE session_id = ? AND local_id = ?
	`, sessionID, localID)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.LocalID, &m.Seq, &m.Kind, &m.ParentID, &m.Body, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

func scanMessageRows(rows *sql.Rows) (*Message, error) {
	var m Message
	err := rows.Scan(&m.ID, &m.SessionID, &m.LocalID, &m.Seq, &m.Kind, &m.ParentID, &m.Body, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return &m, nil
}
