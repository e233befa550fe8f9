// Package connreg is the relay's connection registry: it tracks every
// authenticated socket, the scopes it is subscribed to, and fans out
// envelopes to subscribers while suppressing self-echo (spec §6).
package connreg

import (
	"sync"

	"github.com/happy-coder/happy/internal/relay/id"
	"github.com/happy-coder/happy/internal/wire"
)

// Conn is the subset of a live connection the registry needs: a way to
// push an outbound envelope without blocking the registry's lock, and
// a stable identity for self-echo suppression.
type Conn interface {
	ConnectionID() string
	AccountID() string
	// Send enqueues env for delivery. It must not block; callers that
	// are full should disconnect rather than stall the registry.
	Send(env *wire.Envelope) bool
}

// Registry maps scopes to their current subscriber set and accounts to
// their full connection set (needed to enforce "may only subscribe to
// scopes it owns", spec §6 step 3).
type Registry struct {
	mu           sync.RWMutex
	byConn       map[string]Conn            // connectionId -> Conn
	byScope      map[string]map[string]Conn // scope.String() -> connectionId -> Conn
	byAccount    map[string]map[string]Conn // accountId -> connectionId -> Conn
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byConn:    make(map[string]Conn),
		byScope:   make(map[string]map[string]Conn),
		byAccount: make(map[string]map[string]Conn),
	}
}

// NewConnectionID mints a connectionId for a newly authenticated socket.
func NewConnectionID() string {
	return id.Generate()
}

// Register admits a connection and subscribes it to its initial scope
// (the one implied by its connectionKind, spec §6 step 1).
func (r *Registry) Register(c Conn, initial wire.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConn[c.ConnectionID()] = c

	if r.byAccount[c.AccountID()] == nil {
		r.byAccount[c.AccountID()] = make(map[string]Conn)
	}
	r.byAccount[c.AccountID()][c.ConnectionID()] = c

	r.subscribeLocked(c, initial)
}

// Subscribe adds an additional scope subscription to an already
// registered connection (spec §6 step 3). The caller is responsible
// for verifying the connection's account owns the scope.
func (r *Registry) Subscribe(c Conn, scope wire.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeLocked(c, scope)
}

func (r *Registry) subscribeLocked(c Conn, scope wire.Scope) {
	key := scope.String()
	if r.byScope[key] == nil {
		r.byScope[key] = make(map[string]Conn)
	}
	r.byScope[key][c.ConnectionID()] = c
}

// Unregister removes a connection from every scope and account index.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byConn, c.ConnectionID())
	if accConns := r.byAccount[c.AccountID()]; accConns != nil {
		delete(accConns, c.ConnectionID())
		if len(accConns) == 0 {
			delete(r.byAccount, c.AccountID())
		}
	}
	for scope, conns := range r.byScope {
		delete(conns, c.ConnectionID())
		if len(conns) == 0 {
			delete(r.byScope, scope)
		}
	}
}

// Publish delivers env to every subscriber of scope except the
// connection identified by exceptConnID (self-echo suppression, spec
// §6). It returns the number of connections the envelope was handed to
// and the number that were too backed up to accept it.
func (r *Registry) Publish(scope wire.Scope, env *wire.Envelope, exceptConnID string) (delivered, dropped int) {
	r.mu.RLock()
	subs := r.byScope[scope.String()]
	targets := make([]Conn, 0, len(subs))
	for connID, c := range subs {
		if connID == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.Send(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// ConnectionsForAccount returns every live connection belonging to an
// account, used by the RPC broker to find candidate handlers.
func (r *Registry) ConnectionsForAccount(accountID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accConns := r.byAccount[accountID]
	out := make([]Conn, 0, len(accConns))
	for _, c := range accConns {
		out = append(out, c)
	}
	return out
}

// Broadcast delivers env to every registered connection regardless of
// scope, used for relay-wide notices like an impending shutdown.
func (r *Registry) Broadcast(env *wire.Envelope) (delivered, dropped int) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.Send(env) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// ConnectionCount returns the number of currently registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// ScopeSubscriberCount returns the number of connections subscribed to scope.
func (r *Registry) ScopeSubscriberCount(scope wire.Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byScope[scope.String()])
}
