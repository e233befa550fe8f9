package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateSession inserts a new session row owned by the given machine.
func (s *Store) CreateSession(ctx context.Context, id, tag, accountID, machineID string, body []byte) (*Session, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tag, account_id, machine_id, body)
		VALUES (?, ?, ?, ?, ?)
	`, id, tag, accountID, machineID, body)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tag, account_id, machine_id, lifecycle, body, version, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ListSessionsByAccount returns every session owned by an account,
// most recently updated first.
func (s *Store) ListSessionsByAccount(ctx context.Context, accountID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag, account_id, machine_id, lifecycle, body, version, created_at, updated_at
		FROM sessions WHERE account_id = ? ORDER BY updated_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessionsByMachine returns the sessions currently homed on a machine.
func (s *Store) ListSessionsByMachine(ctx context.Context, machineID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag, account_id, machine_id, lifecycle, body, version, created_at, updated_at
		FROM sessions WHERE machine_id = ? ORDER BY updated_at DESC
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by machine: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionBody performs a CAS write against a session's opaque
// body blob without changing its lifecycle (spec §7: clients must
// supply the last version they observed; a stale write is rejected
// with version-mismatch).
func (s *Store) UpdateSessionBody(ctx context.Context, id string, expectedVersion int64, body []byte) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET body = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, body, id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrVersionMismatch
	}
	return s.GetSession(ctx, id)
}

// SetSessionLifecycle transitions a session between running and
// archived, bypassing CAS (lifecycle is server-driven, e.g. on
// disconnect-with-no-reconnect, not a client-proposed patch).
func (s *Store) SetSessionLifecycle(ctx context.Context, id string, lifecycle SessionLifecycle) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lifecycle = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, lifecycle, id)
	if err != nil {
		return fmt.Errorf("set session lifecycle: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Tag, &sess.AccountID, &sess.MachineID, &sess.Lifecycle,
		&sess.Body, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	var sess Session
	err := rows.Scan(&sess.ID, &sess.Tag, &sess.AccountID, &sess.MachineID, &sess.Lifecycle,
		&sess.Body, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return &sess, nil
}
