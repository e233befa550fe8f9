package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	agent "github.com/happy-coder/happy/internal/sessionrt/child"
	"github.com/happy-coder/happy/internal/sessionrt/permission"
	"github.com/happy-coder/happy/internal/syncclient"
)

// sessionRecord is what listSessions reports per spawned session; the
// richer sessionRuntime (sync client, tool/hook servers, pump, mode
// tracker) lives in s.runtimes and is never serialized directly.
type sessionRecord struct {
	SessionID  string `json:"sessionId"`
	Flavor     string `json:"flavor"`
	WorkingDir string `json:"workingDir"`
	Model      string `json:"model"`
}

// ControlServerConfig bundles the account/machine identity a
// ControlServer needs to carry out spec §4.3's session-start sequence
// (register Session, open a session-scoped Sync Client) on top of its
// purely-local control RPCs. RelayURL/AuthToken/MasterSecret/MachineID
// are empty when the daemon has no account credentials yet, in which
// case ControlServer spawns sessions in relay-less, local-only mode.
type ControlServerConfig struct {
	Token     string
	Version   string
	StartedAt string

	RelayURL     string
	DataDir      string
	AuthToken    string
	MasterSecret []byte
	MachineID    string
	Hostname     string

	// SyncClient is the account-scoped client opened once at daemon
	// start (spec §4.3 step 1); ControlServer reuses its credentials to
	// open a session-scoped client per spawned session (step 3) but
	// never mutates this one directly.
	SyncClient *syncclient.Client
}

// ControlServer exposes the daemon's control RPCs over a loopback-only
// HTTP server, in the same JSON-over-HTTP style as toolserver.Server
// (SPEC_FULL.md §4 "daemon/": "control RPCs (spawnSession, listSessions,
// stopSession, daemonStatus, daemonShutdown, processPermissionRequest,
// sendSessionInput)"). Every request must carry the daemon's token in
// the Authorization header; this is the only auth a loopback socket
// needs, since anyone who can reach it can already read the state file
// that holds the token.
type ControlServer struct {
	Token     string
	Version   string
	StartedAt string

	RelayURL     string
	DataDir      string
	AuthToken    string
	MasterSecret []byte
	MachineID    string
	Hostname     string
	SyncClient   *syncclient.Client

	agents *agent.Manager

	mu       sync.RWMutex
	sessions map[string]sessionRecord
	runtimes map[string]*sessionRuntime

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	mux *http.ServeMux
}

// NewControlServer wires a ControlServer to an existing agent.Manager,
// so spawnSession/stopSession drive the same child processes the rest
// of the daemon supervises.
func NewControlServer(cfg ControlServerConfig, agents *agent.Manager) *ControlServer {
	s := &ControlServer{
		Token:        cfg.Token,
		Version:      cfg.Version,
		StartedAt:    cfg.StartedAt,
		RelayURL:     cfg.RelayURL,
		DataDir:      cfg.DataDir,
		AuthToken:    cfg.AuthToken,
		MasterSecret: cfg.MasterSecret,
		MachineID:    cfg.MachineID,
		Hostname:     cfg.Hostname,
		SyncClient:   cfg.SyncClient,
		agents:       agents,
		sessions:     make(map[string]sessionRecord),
		runtimes:     make(map[string]*sessionRuntime),
		shutdownCh:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/spawnSession", s.authed(s.handleSpawnSession))
	mux.HandleFunc("/rpc/listSessions", s.authed(s.handleListSessions))
	mux.HandleFunc("/rpc/stopSession", s.authed(s.handleStopSession))
	mux.HandleFunc("/rpc/daemonStatus", s.authed(s.handleDaemonStatus))
	mux.HandleFunc("/rpc/daemonShutdown", s.authed(s.handleDaemonShutdown))
	mux.HandleFunc("/rpc/processPermissionRequest", s.authed(s.handleProcessPermissionRequest))
	mux.HandleFunc("/rpc/sendSessionInput", s.authed(s.handleSendSessionInput))
	s.mux = mux

	return s
}

func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds a loopback-only TCP listener on an OS-assigned port,
// returning the chosen port for the state file.
func Listen() (net.Listener, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("listen on loopback: %w", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// ShutdownRequested is closed once a daemonShutdown RPC has been
// accepted, so the daemon's main loop can unblock and exit cleanly.
func (s *ControlServer) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *ControlServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + s.Token
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or missing token"))
			return
		}
		next(w, r)
	}
}

type spawnSessionRequest struct {
	SessionID      string `json:"sessionId"`
	Flavor         string `json:"flavor"`
	Model          string `json:"model"`
	Effort         string `json:"effort"`
	WorkingDir     string `json:"workingDir"`
	PermissionMode string `json:"permissionMode"`
}

// handleSpawnSession runs spec §4.3's session-start sequence: create
// the Session entity and its session-scoped Sync Client, stand up the
// tool/hook servers and hook-settings file, spawn the assistant child,
// and start the message-pump consumer loop (steps 2-7; step 1, the
// account-scoped client, already ran at daemon start).
func (s *ControlServer) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var req spawnSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}

	s.mu.RLock()
	_, exists := s.runtimes[req.SessionID]
	s.mu.RUnlock()
	if exists {
		writeError(w, http.StatusConflict, fmt.Errorf("session already running: %s", req.SessionID))
		return
	}

	rt, mode, err := s.startSession(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.mu.Lock()
	s.runtimes[req.SessionID] = rt
	s.sessions[req.SessionID] = sessionRecord{
		SessionID: req.SessionID, Flavor: string(rt.flavor), WorkingDir: rt.workingDir, Model: req.Model,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "permissionMode": mode})
}

func (s *ControlServer) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]sessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *ControlServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stopped := s.agents.StopAgent(req.SessionID)

	s.mu.Lock()
	rt, ok := s.runtimes[req.SessionID]
	delete(s.runtimes, req.SessionID)
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()
	if ok {
		rt.Close()
	}

	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *ControlServer) handleDaemonStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	count := len(s.sessions)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      s.Version,
		"startedAt":    s.StartedAt,
		"sessionCount": count,
	})
}

func (s *ControlServer) handleDaemonShutdown(w http.ResponseWriter, _ *http.Request) {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type processPermissionRequestRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Behavior  string `json:"behavior"`
	Message   string `json:"message"`
}

// handleProcessPermissionRequest answers a pending can_use_tool
// request a session's assistant child raised (spec §4.3
// "Permission-request flow"), unblocking permission.Tracker.Await and,
// through it, the assistant's own blocked tool call.
func (s *ControlServer) handleProcessPermissionRequest(w http.ResponseWriter, r *http.Request) {
	var req processPermissionRequestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.RLock()
	rt, ok := s.runtimes[req.SessionID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no running session: %s", req.SessionID))
		return
	}

	err := rt.permTracker.Resolve(permission.Response{
		RequestID: req.RequestID,
		Behavior:  permission.Behavior(req.Behavior),
		Message:   req.Message,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendSessionInputRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// handleSendSessionInput enqueues locally-typed input onto a running
// session's message pump (spec §4.3 "Message pump"). Any caller that
// can reach this loopback-only RPC is, by construction, local, so this
// is also where the first local keypress flips the session's control
// mode back to local (spec §4.3 scenario 6).
func (s *ControlServer) handleSendSessionInput(w http.ResponseWriter, r *http.Request) {
	var req sendSessionInputRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.RLock()
	rt, ok := s.runtimes[req.SessionID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no running session: %s", req.SessionID))
		return
	}

	if rt.modeTracker != nil {
		if err := rt.modeTracker.OnLocalKeypress(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, fmt.Errorf("flip control mode: %w", err))
			return
		}
	}

	rt.enqueueInput(req.Content)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
