package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrVersionMismatch is returned by CAS-style updates when the caller's
// expected version does not match the row's current version (spec §7).
var ErrVersionMismatch = errors.New("store: version mismatch")

// GetOrCreateMachine returns the machine identified by (account, hostname,
// home dir), inserting a new row on first registration (spec §3: one
// Machine per host+home-dir pair).
func (s *Store) GetOrCreateMachine(ctx context.Context, id, accountID, hostname, homeDir, os string) (*Machine, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM machines WHERE account_id = ? AND hostname = ? AND home_dir = ?
	`, accountID, hostname, homeDir)
	var existingID string
	switch err := row.Scan(&existingID); {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return s.GetMachine(ctx, existingID)
	case errors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(ctx, `
			INSERT INTO machines (id, account_id, hostname, home_dir, os)
			VALUES (?, ?, ?, ?, ?)
		`, id, accountID, hostname, homeDir, os)
		if err != nil {
			return nil, fmt.Errorf("insert machine: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return s.GetMachine(ctx, id)
	default:
		return nil, fmt.Errorf("lookup machine: %w", err)
	}
}

// GetMachine fetches a machine by id.
func (s *Store) GetMachine(ctx context.Context, id string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, hostname, home_dir, os, daemon_state,
		       active_sessions, version, last_heartbeat, created_at, updated_at
		FROM machines WHERE id = ?
	`, id)
	return scanMachine(row)
}

// ListMachinesByAccount returns every machine an account has registered.
func (s *Store) ListMachinesByAccount(ctx context.Context, accountID string) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, hostname, home_dir, os, daemon_state,
		       active_sessions, version, last_heartbeat, created_at, updated_at
		FROM machines WHERE account_id = ? ORDER BY hostname
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachineRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMachineDaemonState performs an optimistic-concurrency update of a
// machine's daemon lifecycle state (spec §7: every write is CAS'd on
// version). A new machine starts at version 0, so its first write passes
// expectedVersion 0; any other stale value gets ErrVersionMismatch.
func (s *Store) SetMachineDaemonState(ctx context.Context, id string, expectedVersion int64, state DaemonState, activeSessions int) (*Machine, error) {
	var res sql.Result
	var err error
	res, err = s.db.ExecContext(ctx, `
		UPDATE machines SET daemon_state = ?, active_sessions = ?, version = version + 1,
		       updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, state, activeSessions, id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update machine state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetMachine(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrVersionMismatch
	}
	return s.GetMachine(ctx, id)
}

// TouchMachineHeartbeat records a liveness ping without bumping version;
// heartbeats are not part of the versioned-entity replication stream.
func (s *Store) TouchMachineHeartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE machines SET last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

func scanMachine(row *sql.Row) (*Machine, error) {
	var m Machine
	err := row.Scan(&m.ID, &m.AccountID, &m.Hostname, &m.HomeDir, &m.OS, &m.DaemonState,
		&m.ActiveSessions, &m.Version, &m.LastHeartbeat, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan machine: %w", err)
	}
	return &m, nil
}

func scanMachineRows(rows *sql.Rows) (*Machine, error) {
	var m Machine
	err := rows.Scan(&m.ID, &m.AccountID, &m.Hostname, &m.HomeDir, &m.OS, &m.DaemonState,
		&m.ActiveSessions, &m.Version, &m.LastHeartbeat, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan machine row: %w", err)
	}
	return &m, nil
}
