package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/happy-coder/happy/internal/relay/auth"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/wire"
)

// snapshotResponse is the full current state of one versioned entity,
// returned to a client that received resync-required and must refetch
// rather than replay a partial tail (spec §8).
type snapshotResponse struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Body    []byte `json:"body,omitempty"`
}

// snapshotHandler serves GET /snapshot/{kind}/{id}, bearer-authenticated,
// restricted to entities owned by the caller's account (spec §1, §8).
func snapshotHandler(st *store.Store, authr *auth.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := auth.TokenFromHeader(r.Header.Get("Authorization"))
		principal, err := authr.Authenticate(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		kind, id, err := parseSnapshotPath(r.URL.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp, err := loadSnapshot(r.Context(), st, principal.AccountID, kind, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
			return
		case errors.Is(err, errForbidden):
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

var errForbidden = errors.New("snapshot: entity not owned by caller")

func parseSnapshotPath(path string) (kind, id string, err error) {
	trimmed := strings.TrimPrefix(path, "/snapshot/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("expected path /snapshot/{kind}/{id}")
	}
	return parts[0], parts[1], nil
}

func loadSnapshot(ctx context.Context, st *store.Store, accountID, kind, id string) (*snapshotResponse, error) {
	switch wire.EntityKind(kind) {
	case wire.EntityMachine:
		m, err := st.GetMachine(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.AccountID != accountID {
			return nil, errForbidden
		}
		return &snapshotResponse{Kind: kind, ID: id, Version: m.Version}, nil
	case wire.EntitySession:
		s, err := st.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.AccountID != accountID {
			return nil, errForbidden
		}
		return &snapshotResponse{Kind: kind, ID: id, Version: s.Version, Body: s.Body}, nil
	default:
		return nil, errors.New("unsupported snapshot kind")
	}
}
