package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrResyncRequired is returned when a client's requested sinceSeq falls
// behind the account's retention horizon and can no longer be served
// incrementally (spec §8).
var ErrResyncRequired = errors.New("store: resync required")

// AppendUpdate allocates the next seq for an account and persists a
// versioned delta, atomically. If localID is non-empty and a prior
// update already used it for the same entity, the existing row is
// returned instead of creating a duplicate (idempotent publish, spec §7).
func (s *Store) AppendUpdate(ctx context.Context, accountID, entityKind, entityID string, version int64, localID, producer string, body []byte) (*Update, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if localID != "" {
		if existing, err := getUpdateByLocalID(ctx, tx, entityKind, entityID, localID); err == nil {
			return existing, tx.Commit()
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT next_seq FROM account_seq WHERE account_id = ?`, accountID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("read account seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE account_seq SET next_seq = ? WHERE account_id = ?`, seq+1, accountID); err != nil {
		return nil, fmt.Errorf("advance account seq: %w", err)
	}

	var local any
	if localID != "" {
		local = localID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO updates (seq, account_id, entity_kind, entity_id, version, local_id, producer, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, seq, accountID, entityKind, entityID, version, local, producer, body)
	if err != nil {
		return nil, fmt.Errorf("insert update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Update{
		Seq: seq, AccountID: accountID, EntityKind: entityKind, EntityID: entityID,
		Version: version, LocalID: localID, Producer: producer, Body: body,
	}, nil
}

// LatestSeq returns the seq most recently assigned to an account, or 0
// if none has been assigned yet.
func (s *Store) LatestSeq(ctx context.Context, accountID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT next_seq - 1 FROM account_seq WHERE account_id = ?`, accountID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read latest seq: %w", err)
	}
	return seq, nil
}

// OldestRetainedSeq returns the smallest seq still present in the log,
// used to decide whether a resume request falls within the retention
// horizon (spec §8). Returns 0 if the log is empty.
func (s *Store) OldestRetainedSeq(ctx context.Context, accountID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MIN(seq), 0) FROM updates WHERE account_id = ?`, accountID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read oldest retained seq: %w", err)
	}
	return seq, nil
}

// ListUpdatesSince returns every update after sinceSeq for resync fan-out.
// It returns ErrResyncRequired if sinceSeq predates the retention horizon.
func (s *Store) ListUpdatesSince(ctx context.Context, accountID string, sinceSeq int64, limit int) ([]*Update, error) {
	oldest, err := s.OldestRetainedSeq(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if oldest != 0 && sinceSeq != 0 && sinceSeq < oldest-1 {
		return nil, ErrResyncRequired
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, account_id, entity_kind, entity_id, version, COALESCE(local_id, ''), producer, body, created_at
		FROM updates WHERE account_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, accountID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []*Update
	for rows.Next() {
		u, err := scanUpdateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PruneUpdatesBefore deletes retained updates older than the given seq,
// enforcing the account's retention horizon (spec §8).
func (s *Store) PruneUpdatesBefore(ctx context.Context, accountID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM updates WHERE account_id = ? AND seq < ?`, accountID, seq)
	if err != nil {
		return fmt.Errorf("prune updates: %w", err)
	}
	return nil
}

func getUpdateByLocalID(ctx context.Context, tx *sql.Tx, entityKind, entityID, localID string) (*Update, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT seq, account_id, entity_kind, entity_id, version, COALESCE(local_id, ''), producer, body, created_at
		FROM updates WHERE entity_kind = ? AND entity_id = ? AND local_id = ?
	`, entityKind, entityID, localID)
	return scanUpdate(row)
}

func scanUpdate(row *sql.Row) (*Update, error) {
	var u Update
	err := row.Scan(&u.Seq, &u.AccountID, &u.EntityKind, &u.EntityID, &u.Version, &u.LocalID, &u.Producer, &u.Body, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan update: %w", err)
	}
	return &u, nil
}

func scanUpdateRows(rows *sql.Rows) (*Update, error) {
	var u Update
	err := rows.Scan(&u.Seq, &u.AccountID, &u.EntityKind, &u.EntityID, &u.Version, &u.LocalID, &u.Producer, &u.Body, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan update row: %w", err)
	}
	return &u, nil
}
