// Package rpcbroker multiplexes RPC calls between connections sharing
// a scope: one side registers as the handler for a (scope, method)
// pair, the other issues calls that are routed to it and awaited
// until a response, a timeout, or transport failure (spec §6, §7).
package rpcbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/happy-coder/happy/internal/relay/metrics"
	"github.com/happy-coder/happy/internal/wire"
)

// Sender is the subset of a connection the broker needs to deliver a
// call to its registered handler.
type Sender interface {
	ConnectionID() string
	Send(env *wire.Envelope) bool
}

type handlerKey struct {
	scope  string
	method string
}

// Broker routes rpc-call envelopes to the most recently registered
// handler for their (scope, method), per spec §7's stated resolution
// rule, and correlates rpc-response/rpc-error replies back to the
// waiting caller by callId.
type Broker struct {
	mu       sync.Mutex
	handlers map[handlerKey]Sender
	pending  map[string]chan *wire.Envelope
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		handlers: make(map[handlerKey]Sender),
		pending:  make(map[string]chan *wire.Envelope),
	}
}

// RegisterHandler marks conn as the handler for (scope, method). A
// later call for the same key replaces the earlier one — "most
// recently registered handler wins" (spec §7) — without the earlier
// registrant needing to unregister first.
func (b *Broker) RegisterHandler(scope wire.Scope, method string, conn Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[handlerKey{scope: scope.String(), method: method}] = conn
}

// UnregisterHandler removes conn as the handler for (scope, method),
// but only if it is still the currently registered handler (a newer
// registration must not be clobbered by a late unregister from a
// stale connection).
func (b *Broker) UnregisterHandler(scope wire.Scope, method string, conn Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := handlerKey{scope: scope.String(), method: method}
	if cur, ok := b.handlers[key]; ok && cur.ConnectionID() == conn.ConnectionID() {
		delete(b.handlers, key)
	}
}

// UnregisterConnection drops every handler registration owned by conn,
// called when a connection closes.
func (b *Broker) UnregisterConnection(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, conn := range b.handlers {
		if conn.ConnectionID() == connID {
			delete(b.handlers, key)
		}
	}
}

// Call routes a call to the scope's registered handler for method and
// blocks until a response arrives, ctx is done, or timeout elapses.
// The terminal outcome is exactly one of {success, timeout, no-handler,
// transport-error} (spec §7).
func (b *Broker) Call(ctx context.Context, callID string, scope wire.Scope, method string, request []byte, timeout time.Duration) (*wire.Envelope, error) {
	b.mu.Lock()
	handler, ok := b.handlers[handlerKey{scope: scope.String(), method: method}]
	if !ok {
		b.mu.Unlock()
		metrics.RPCCallsTotal.WithLabelValues(method, "no-handler").Inc()
		return nil, fmt.Errorf("%w: method %q on scope %s", ErrNoHandler, method, scope)
	}

	ch := make(chan *wire.Envelope, 1)
	b.pending[callID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	start := time.Now()
	env := &wire.Envelope{
		Type:        wire.TypeRPCCall,
		CallID:      callID,
		TargetScope: &scope,
		Method:      method,
		TimeoutMs:   timeout.Milliseconds(),
		Request:     request,
	}
	if !handler.Send(env) {
		metrics.RPCCallsTotal.WithLabelValues(method, "transport-error").Inc()
		return nil, ErrTransport
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		metrics.RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		metrics.RPCCallsTotal.WithLabelValues(method, "success").Inc()
		return resp, nil
	case <-timer.C:
		metrics.RPCCallsTotal.WithLabelValues(method, "timeout").Inc()
		return nil, ErrTimeout
	case <-ctx.Done():
		metrics.RPCCallsTotal.WithLabelValues(method, "transport-error").Inc()
		return nil, ctx.Err()
	}
}

// Resolve delivers a handler's rpc-response/rpc-error envelope to the
// caller blocked in Call with the matching callId. It reports whether a
// waiter was found (a resolve for an unknown or already-timed-out call
// is simply dropped).
func (b *Broker) Resolve(env *wire.Envelope) bool {
	b.mu.Lock()
	ch, ok := b.pending[env.CallID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
		return true
	default:
		return false
	}
}
