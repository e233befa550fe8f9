// Package wsserver implements the relay's single websocket endpoint:
// accept, authenticate, subscribe, and multiplex updates/ephemeral
// events/RPC calls over one persistent connection per spec §6.
package wsserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/happy-coder/happy/internal/relay/auth"
	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/relay/metrics"
	"github.com/happy-coder/happy/internal/relay/presence"
	"github.com/happy-coder/happy/internal/relay/rpcbroker"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/relay/updatelog"
	"github.com/happy-coder/happy/internal/wire"
)

// WebSocket close codes used on handshake failure.
const (
	closeUnauthorized   = 4001
	closeInvalidRequest = 4002
)

// Handler serves the relay's persistent socket endpoint.
type Handler struct {
	Store             *store.Store
	Auth              *auth.Authenticator
	Registry          *connreg.Registry
	Updates           *updatelog.Log
	RPC               *rpcbroker.Broker
	Presence          *presence.Tracker
	Shutdown          *auth.ShutdownGuard
	HeartbeatTimeout  time.Duration
	MaxOutboundBuffer int
	Log               *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// ServeHTTP accepts one websocket connection and runs its lifecycle to
// completion. It never returns until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Shutdown != nil && h.Shutdown.IsShuttingDown() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"happy.relay.v1"},
	})
	if err != nil {
		h.logger().Debug("ws accept failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	ctx := r.Context()
	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	principal, authEnv, err := h.handshake(handshakeCtx, ws)
	cancel()
	if err != nil {
		h.logger().Debug("ws handshake failed", "error", err)
		_ = ws.Close(closeUnauthorized, "unauthorized")
		return
	}

	c := newConn(ws, connreg.NewConnectionID(), principal.AccountID, h.outboundBuffer())
	initialScope := initialScopeFor(authEnv, principal.AccountID)
	h.Registry.Register(c, initialScope)
	defer h.Registry.Unregister(c)
	defer h.RPC.UnregisterConnection(c.ConnectionID())

	machineID := machineConnection(authEnv)
	if machineID != "" {
		if err := h.Presence.MarkOnline(ctx, machineID, 0); err != nil {
			h.logger().Warn("mark machine online failed", "machine_id", machineID, "error", err)
		}
		defer func() {
			if err := h.Presence.MarkOffline(context.Background(), machineID); err != nil {
				h.logger().Warn("mark machine offline failed", "machine_id", machineID, "error", err)
			}
		}()
	}

	pumpCtx, pumpCancel := context.WithCancel(ctx)
	defer pumpCancel()
	go c.writePump(pumpCtx)
	defer c.stop()

	c.Send(&wire.Envelope{
		Type:         wire.TypeAuthOK,
		ConnectionID: c.ConnectionID(),
		AccountID:    principal.AccountID,
		ServerTime:   time.Now().UnixMilli(),
	})

	h.readLoop(ctx, ws, c, principal)
}

func (h *Handler) outboundBuffer() int {
	if h.MaxOutboundBuffer > 0 {
		return h.MaxOutboundBuffer
	}
	return 4096
}

// machineConnection returns the machine ID if authEnv opened a
// machine-scoped connection (the happy-daemon on a host), or "" for a
// user-scoped or session-scoped one.
func machineConnection(authEnv *wire.Envelope) string {
	if authEnv.ConnectionKind == wire.ConnMachineScoped && authEnv.ScopeRef != nil && authEnv.ScopeRef.Kind == wire.EntityMachine {
		return authEnv.ScopeRef.ID
	}
	return ""
}

func initialScopeFor(authEnv *wire.Envelope, accountID string) wire.Scope {
	switch authEnv.ConnectionKind {
	case wire.ConnSessionScoped, wire.ConnMachineScoped:
		if authEnv.ScopeRef != nil {
			return *authEnv.ScopeRef
		}
	}
	return wire.Scope{Kind: wire.EntityAccount, ID: accountID}
}

// handshake reads exactly one frame, requires it to be an `auth`
// envelope, and resolves it to a Principal (spec §6 steps 1-2).
func (h *Handler) handshake(ctx context.Context, ws *websocket.Conn) (*auth.Principal, *wire.Envelope, error) {
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	if typ != websocket.MessageText {
		return nil, nil, errors.New("expected text frame for auth envelope")
	}
	env, err := wire.Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	if env.Type != wire.TypeAuth {
		return nil, nil, errors.New("first frame must be of type auth")
	}
	principal, err := h.Auth.Authenticate(ctx, env.Token)
	if err != nil {
		return nil, nil, err
	}
	return principal, env, nil
}

// readLoop dispatches every subsequent frame until the socket closes or
// goes silent past HeartbeatTimeout.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, c *conn, principal *auth.Principal) {
	timeout := h.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		typ, data, err := ws.Read(readCtx)
		cancel()
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := wire.Unmarshal(data)
		if err != nil {
			continue
		}
		h.dispatch(ctx, c, principal, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, principal *auth.Principal, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeSubscribe:
		h.handleSubscribe(ctx, c, principal, env)
	case wire.TypeUpdate:
		h.handleUpdate(ctx, c, principal, env)
	case wire.TypeEphemeral:
		h.handleEphemeral(c, principal, env)
	case wire.TypeRPCCall:
		h.handleRPCCall(ctx, c, principal, env)
	case wire.TypeRPCResponse, wire.TypeRPCError:
		h.RPC.Resolve(env)
	case wire.TypeRPCRegister:
		h.handleRPCRegister(ctx, c, principal, env)
	case wire.TypeRPCUnregister:
		h.handleRPCUnregister(c, principal, env)
	case wire.TypeHeartbeat:
		c.Send(&wire.Envelope{Type: wire.TypeHeartbeat, ServerTime: time.Now().UnixMilli()})
	default:
		h.logger().Debug("unhandled envelope type", "type", env.Type)
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, c *conn, principal *auth.Principal, env *wire.Envelope) {
	if env.Scope == nil {
		return
	}
	if !h.ownsScope(ctx, principal.AccountID, *env.Scope) {
		c.Send(&wire.Envelope{Type: wire.TypeUpdateReject, Reason: wire.RejectAuth})
		return
	}
	h.Registry.Subscribe(c, *env.Scope)
}

// ownsScope verifies the account requesting an additional subscription
// actually owns the target machine/session (spec §6 step 3:
// "Unauthorized subscriptions are refused").
func (h *Handler) ownsScope(ctx context.Context, accountID string, scope wire.Scope) bool {
	switch scope.Kind {
	case wire.EntityAccount:
		return scope.ID == accountID
	case wire.EntityMachine:
		m, err := h.Store.GetMachine(ctx, scope.ID)
		return err == nil && m.AccountID == accountID
	case wire.EntitySession:
		s, err := h.Store.GetSession(ctx, scope.ID)
		return err == nil && s.AccountID == accountID
	default:
		return false
	}
}

func (h *Handler) handleUpdate(ctx context.Context, c *conn, principal *auth.Principal, env *wire.Envelope) {
	if env.EntityRef == nil {
		return
	}
	ref := *env.EntityRef
	if !h.ownsScope(ctx, principal.AccountID, wire.Scope{Kind: ref.Kind, ID: ref.ID}) {
		c.Send(&wire.Envelope{Type: wire.TypeUpdateReject, Reason: wire.RejectAuth, LocalID: env.LocalID})
		return
	}

	outcome, err := h.Updates.Publish(ctx, principal.AccountID, ref, env.ExpectedVersion, env.LocalID, c.ConnectionID(), env.Body,
		func(ctx context.Context) (int64, error) {
			switch ref.Kind {
			case wire.EntitySession:
				s, err := h.Store.UpdateSessionBody(ctx, ref.ID, env.ExpectedVersion, env.Body)
				if err != nil {
					return 0, err
				}
				return s.Version, nil
			case wire.EntityMachine:
				m, err := h.Store.SetMachineDaemonState(ctx, ref.ID, env.ExpectedVersion, store.DaemonOnline, 0)
				if err != nil {
					return 0, err
				}
				return m.Version, nil
			default:
				return 0, errors.New("unsupported entity kind for update")
			}
		})
	if err != nil {
		h.logger().Warn("publish update failed", "error", err)
		c.Send(&wire.Envelope{Type: wire.TypeUpdateReject, Reason: wire.RejectRateLimit, LocalID: env.LocalID})
		return
	}

	if !outcome.Accepted {
		c.Send(&wire.Envelope{
			Type: wire.TypeUpdateReject, Reason: outcome.Reason, LocalID: env.LocalID,
			CurrentVersion: outcome.CurrentVersion, CurrentBody: outcome.CurrentBody,
		})
		return
	}
	c.Send(&wire.Envelope{Type: wire.TypeUpdateAck, LocalID: env.LocalID, NewVersion: outcome.NewVersion})
}

func (h *Handler) handleEphemeral(c *conn, principal *auth.Principal, env *wire.Envelope) {
	if env.Scope == nil {
		return
	}
	metrics.EphemeralEventsTotal.WithLabelValues(env.Kind).Inc()
	h.Registry.Publish(*env.Scope, env, c.ConnectionID())
}

// handleRPCRegister marks c as the primary handler for (scope, method)
// on the caller's connection (spec §4.1 "rpcHandle(method, handler)
// registers a handler on the calling connection"). The most recently
// registered connection always wins (spec §7).
func (h *Handler) handleRPCRegister(ctx context.Context, c *conn, principal *auth.Principal, env *wire.Envelope) {
	if env.TargetScope == nil || env.Method == "" {
		return
	}
	if !h.ownsScope(ctx, principal.AccountID, *env.TargetScope) {
		return
	}
	h.RPC.RegisterHandler(*env.TargetScope, env.Method, c)
}

func (h *Handler) handleRPCUnregister(c *conn, principal *auth.Principal, env *wire.Envelope) {
	if env.TargetScope == nil || env.Method == "" {
		return
	}
	h.RPC.UnregisterHandler(*env.TargetScope, env.Method, c)
}

func (h *Handler) handleRPCCall(ctx context.Context, c *conn, principal *auth.Principal, env *wire.Envelope) {
	if env.TargetScope == nil {
		return
	}
	timeout := time.Duration(env.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resp, err := h.RPC.Call(ctx, env.CallID, *env.TargetScope, env.Method, env.Request, timeout)
	if err != nil {
		reason := wire.RPCTransport
		switch {
		case errors.Is(err, rpcbroker.ErrNoHandler):
			reason = wire.RPCNoHandler
		case errors.Is(err, rpcbroker.ErrTimeout):
			reason = wire.RPCTimeout
		}
		c.Send(&wire.Envelope{Type: wire.TypeRPCError, CallID: env.CallID, RPCErrorReason: reason})
		return
	}
	c.Send(resp)
}
