package syncclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/happy-coder/happy/internal/relay/id"
	"github.com/happy-coder/happy/internal/wire"
)

// RPCHandler answers one rpc-call delivered to this connection because
// it holds the most-recently-registered handler for (scope, method)
// (spec §4.1 "RPC routing rule").
type RPCHandler func(ctx context.Context, req []byte) (resp []byte, err error)

// ErrNoHandler, ErrTimeout, ErrTransport mirror the relay's terminal
// RPC outcomes (spec §4.1 "RPC calls surface three terminal states").
var (
	ErrNoHandler = errors.New("syncclient: no-handler")
	ErrTimeout   = errors.New("syncclient: timeout")
	ErrTransport = errors.New("syncclient: transport error")
)

const rpcBodyPurpose = "rpc-body"

// Invoke serializes req (E2E-encrypting the body when MasterSecret is
// set), calls rpcCall on the current connection, and returns the
// decrypted response body (spec §4.2 "RPC").
func (c *Client) Invoke(ctx context.Context, targetScope wire.Scope, method string, req []byte, timeout time.Duration) ([]byte, error) {
	body := req
	if c.MasterSecret != nil {
		key, err := wire.DeriveKey(c.MasterSecret, rpcBodyPurpose)
		if err != nil {
			return nil, fmt.Errorf("derive rpc key: %w", err)
		}
		body, err = wire.Seal(key, req)
		if err != nil {
			return nil, fmt.Errorf("seal rpc request: %w", err)
		}
	}

	callID := id.Generate()
	ch := make(chan *wire.Envelope, 1)
	c.rpcMu.Lock()
	c.rpcPending[callID] = &pendingRPC{ch: ch}
	c.rpcMu.Unlock()
	cleanup := func() {
		c.rpcMu.Lock()
		delete(c.rpcPending, callID)
		c.rpcMu.Unlock()
	}

	target := targetScope
	env := &wire.Envelope{
		Type: wire.TypeRPCCall, CallID: callID, TargetScope: &target,
		Method: method, TimeoutMs: timeout.Milliseconds(), Request: body,
	}
	if err := c.sendLocked(ctx, env); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-time.After(timeout):
		cleanup()
		return nil, ErrTimeout
	case resp := <-ch:
		return c.decodeRPCResponse(resp)
	}
}

func (c *Client) decodeRPCResponse(resp *wire.Envelope) ([]byte, error) {
	if resp.Type == wire.TypeRPCError {
		switch resp.RPCErrorReason {
		case wire.RPCNoHandler:
			return nil, ErrNoHandler
		case wire.RPCTimeout:
			return nil, ErrTimeout
		default:
			return nil, ErrTransport
		}
	}
	if !resp.OK {
		return resp.ErrorBody, fmt.Errorf("syncclient: rpc call failed")
	}
	if c.MasterSecret == nil {
		return resp.Response, nil
	}
	key, err := wire.DeriveKey(c.MasterSecret, rpcBodyPurpose)
	if err != nil {
		return nil, fmt.Errorf("derive rpc key: %w", err)
	}
	return wire.Open(key, resp.Response)
}

// Register installs handler as the local responder for method on this
// connection's own scope and tells the relay so, via an rpc-register
// frame (spec §4.1 "rpcHandle(method, handler) registers a handler on
// the calling connection"). It is only actually the receiver of calls
// while this connection holds the relay's most-recently-registered
// slot for (scope, method); an older registration elsewhere is
// silently superseded (spec §7 "RPC routing rule"). Re-sent
// automatically after every reconnect.
func (c *Client) Register(method string, handler RPCHandler) {
	c.rpcMu.Lock()
	c.handlers[method] = handler
	c.rpcMu.Unlock()

	if c.ScopeRef != nil {
		c.sendRegisterFrame(context.Background(), *c.ScopeRef, method)
	}
}

// Unregister removes a locally registered handler and tells the relay
// to drop the registration, if this connection still owns it.
func (c *Client) Unregister(method string) {
	c.rpcMu.Lock()
	delete(c.handlers, method)
	c.rpcMu.Unlock()

	if c.ScopeRef != nil {
		scope := *c.ScopeRef
		_ = c.sendLocked(context.Background(), &wire.Envelope{Type: wire.TypeRPCUnregister, TargetScope: &scope, Method: method})
	}
}

func (c *Client) sendRegisterFrame(ctx context.Context, scope wire.Scope, method string) {
	_ = c.sendLocked(ctx, &wire.Envelope{Type: wire.TypeRPCRegister, TargetScope: &scope, Method: method})
}

// reregisterAll re-sends every locally tracked handler's rpc-register
// frame after a reconnect, since the relay's handler table is
// connection-scoped and does not survive a transport drop.
func (c *Client) reregisterAll(ctx context.Context) {
	if c.ScopeRef == nil {
		return
	}
	c.rpcMu.Lock()
	methods := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		methods = append(methods, m)
	}
	c.rpcMu.Unlock()

	for _, m := range methods {
		c.sendRegisterFrame(ctx, *c.ScopeRef, m)
	}
}

// serveInboundRPC answers an rpc-call the relay routed to this
// connection, decrypting the request and encrypting the response at
// the boundary (spec §4.2 "register(rpc, handler) wraps the handler
// to decrypt incoming requests and encrypt responses").
func (c *Client) serveInboundRPC(ctx context.Context, env *wire.Envelope) {
	c.rpcMu.Lock()
	handler, ok := c.handlers[env.Method]
	c.rpcMu.Unlock()
	if !ok {
		c.sendRPCErrorLocked(ctx, env.CallID, wire.RPCNoHandler)
		return
	}

	req := env.Request
	if c.MasterSecret != nil {
		key, err := wire.DeriveKey(c.MasterSecret, rpcBodyPurpose)
		if err != nil {
			c.sendRPCErrorLocked(ctx, env.CallID, wire.RPCTransport)
			return
		}
		req, err = wire.Open(key, req)
		if err != nil {
			c.sendRPCErrorLocked(ctx, env.CallID, wire.RPCTransport)
			return
		}
	}

	resp, err := handler(ctx, req)
	if err != nil {
		_ = c.sendLocked(ctx, &wire.Envelope{Type: wire.TypeRPCResponse, CallID: env.CallID, OK: false, ErrorBody: []byte(err.Error())})
		return
	}

	respBody := resp
	if c.MasterSecret != nil {
		key, derr := wire.DeriveKey(c.MasterSecret, rpcBodyPurpose)
		if derr != nil {
			c.sendRPCErrorLocked(ctx, env.CallID, wire.RPCTransport)
			return
		}
		respBody, err = wire.Seal(key, resp)
		if err != nil {
			c.sendRPCErrorLocked(ctx, env.CallID, wire.RPCTransport)
			return
		}
	}
	_ = c.sendLocked(ctx, &wire.Envelope{Type: wire.TypeRPCResponse, CallID: env.CallID, OK: true, Response: respBody})
}

func (c *Client) sendRPCErrorLocked(ctx context.Context, callID string, reason wire.RPCErrorReason) {
	_ = c.sendLocked(ctx, &wire.Envelope{Type: wire.TypeRPCError, CallID: callID, RPCErrorReason: reason})
}
