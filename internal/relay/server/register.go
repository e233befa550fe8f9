package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/happy-coder/happy/internal/relay/auth"
	"github.com/happy-coder/happy/internal/relay/id"
	"github.com/happy-coder/happy/internal/relay/store"
)

// registerMachineRequest is the CLI daemon's first call on a fresh
// machine: resolve (or create) the Machine entity it should publish
// its heartbeat to (spec §4.3 step 1 "Resolve machine identity").
type registerMachineRequest struct {
	Hostname string `json:"hostname"`
	HomeDir  string `json:"homeDir"`
	OS       string `json:"os"`
}

type registerMachineResponse struct {
	MachineID string `json:"machineId"`
	Version   int64  `json:"version"`
}

// registerMachineHandler serves POST /register/machine, bearer-authenticated.
// It is the wire-protocol's missing entity-creation path: handleUpdate
// only accepts updates to entities that already exist, so a machine
// must be registered here once before any update referencing it will
// be accepted.
func registerMachineHandler(st *store.Store, authr *auth.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		principal, err := authenticateRequest(r, authr)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req registerMachineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Hostname == "" || req.HomeDir == "" {
			http.Error(w, "hostname and homeDir are required", http.StatusBadRequest)
			return
		}

		m, err := st.GetOrCreateMachine(r.Context(), id.Generate(), principal.AccountID, req.Hostname, req.HomeDir, req.OS)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registerMachineResponse{MachineID: m.ID, Version: m.Version})
	}
}

// registerSessionRequest creates the Session entity a daemon publishes
// updates against once an assistant child is about to spawn (spec
// §4.3 step 2 "Create Session entity").
type registerSessionRequest struct {
	Tag       string `json:"tag"`
	MachineID string `json:"machineId"`
	Body      []byte `json:"body,omitempty"`
}

type registerSessionResponse struct {
	SessionID string `json:"sessionId"`
	Version   int64  `json:"version"`
}

// registerSessionHandler serves POST /register/session, bearer-authenticated.
func registerSessionHandler(st *store.Store, authr *auth.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		principal, err := authenticateRequest(r, authr)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req registerSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.MachineID == "" {
			http.Error(w, "machineId is required", http.StatusBadRequest)
			return
		}

		m, err := st.GetMachine(r.Context(), req.MachineID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "machine not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if m.AccountID != principal.AccountID {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		sess, err := st.CreateSession(r.Context(), id.Generate(), req.Tag, principal.AccountID, req.MachineID, req.Body)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registerSessionResponse{SessionID: sess.ID, Version: sess.Version})
	}
}

func authenticateRequest(r *http.Request, authr *auth.Authenticator) (*auth.Principal, error) {
	token := auth.TokenFromHeader(r.Header.Get("Authorization"))
	return authr.Authenticate(r.Context(), token)
}
