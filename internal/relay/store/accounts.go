package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by id or token matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a *sql.DB with the relay's query methods.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened and migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateAccount inserts a new account and seeds its seq counter.
func (s *Store) CreateAccount(ctx context.Context, id, authToken string, wrappedKey []byte) (*Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, auth_token, wrapped_key) VALUES (?, ?, ?)
	`, id, authToken, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_seq (account_id, next_seq) VALUES (?, 1)
	`, id)
	if err != nil {
		return nil, fmt.Errorf("seed account seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetAccountByID(ctx, id)
}

// GetAccountByID fetches an account by its primary key.
func (s *Store) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, auth_token, wrapped_key, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

// GetAccountByToken resolves the bearer token presented on connect.
func (s *Store) GetAccountByToken(ctx context.Context, token string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, auth_token, wrapped_key, created_at, updated_at
		FROM accounts WHERE auth_token = ?
	`, token)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.AuthToken, &a.WrappedKey, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}
