// Package auth resolves the bearer credential carried on a connection's
// auth envelope (spec §6) to an authenticated Account principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/happy-coder/happy/internal/relay/store"
)

type contextKey int

const principalKey contextKey = iota

// ErrUnauthenticated is returned when no principal is attached to a
// context, or when a presented token resolves to no account.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Principal is the authenticated identity attached to a connection once
// its auth envelope has been validated.
type Principal struct {
	AccountID string
}

// WithPrincipal stores a Principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context, or nil if absent.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// MustGetPrincipal retrieves the Principal from the context, returning
// ErrUnauthenticated if the connection never completed its handshake.
func MustGetPrincipal(ctx context.Context) (*Principal, error) {
	p := GetPrincipal(ctx)
	if p == nil {
		return nil, ErrUnauthenticated
	}
	return p, nil
}

// Authenticator resolves bearer tokens against the durable store.
type Authenticator struct {
	store *store.Store
}

// NewAuthenticator builds an Authenticator backed by the given store.
func NewAuthenticator(s *store.Store) *Authenticator {
	return &Authenticator{store: s}
}

// Authenticate validates the token carried on an `auth` envelope (spec
// §6) and resolves it to a Principal. It is the sole entry point for
// turning a socket into an authenticated connection; there is no
// separate login/signup flow in the relay (spec Non-goals).
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	acct, err := a.store.GetAccountByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return &Principal{AccountID: acct.ID}, nil
}

// TokenFromHeader extracts a Bearer token from an Authorization header
// value, used by the plain HTTP snapshot endpoints (spec §1).
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}
