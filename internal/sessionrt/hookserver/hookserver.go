// Package hookserver runs a local HTTP server that receives lifecycle
// hooks from the assistant child process — most importantly, the
// event it fires when it rotates its own internal session id
// (SPEC_FULL.md §4 "hookserver/"; spec §4.3: "a hook server that
// receives lifecycle hooks from the assistant (e.g., when the
// assistant rotates its internal session id)").
package hookserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SessionIDRotated is fired when the assistant child swaps its own
// internal session identifier, e.g. after a /clear or /compact, so the
// supervisor can keep its resume bookkeeping in sync.
type SessionIDRotated struct {
	AgentID      string `json:"agentId"`
	OldSessionID string `json:"oldSessionId"`
	NewSessionID string `json:"newSessionId"`
}

// Server is a loopback-only HTTP server, one per agent, exposing the
// hook endpoints its settings file points the assistant child at.
type Server struct {
	AgentID string

	onSessionIDRotated func(SessionIDRotated)

	mux *http.ServeMux
}

// New returns a Server for agentID. onSessionIDRotated is invoked
// synchronously for every accepted rotation hook; it is the
// supervisor's job to keep it fast and non-blocking.
func New(agentID string, onSessionIDRotated func(SessionIDRotated)) *Server {
	s := &Server{AgentID: agentID, onSessionIDRotated: onSessionIDRotated}

	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/session-id-rotated", s.handleSessionIDRotated)
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSessionIDRotated(w http.ResponseWriter, r *http.Request) {
	var event SessionIDRotated
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode hook payload: %w", err))
		return
	}
	event.AgentID = s.AgentID

	if s.onSessionIDRotated != nil {
		s.onSessionIDRotated(event)
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
