package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/happy-coder/happy/internal/wire"
)

const resetThreshold = 30 * time.Second

// newDefaultBackoff mirrors the hub worker client's reconnect curve:
// 1s -> 60s, multiplier 2x, +/-20% jitter.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// ErrNotConnected is returned by calls made while the client has no
// live socket to the relay.
var ErrNotConnected = errors.New("syncclient: not connected")

// pendingAck tracks one in-flight publishUpdate awaiting its
// update-ack/update-reject (correlated by localId, spec §4.1).
type pendingAck struct {
	ch chan *wire.Envelope
}

// pendingRPC tracks one in-flight outbound rpc-call awaiting its
// rpc-response/rpc-error (correlated by callId, spec §4.1).
type pendingRPC struct {
	ch chan *wire.Envelope
}

// Client is the Sync Client of spec §4.2: a persistent, reconnecting
// websocket connection to the Relay Core that presents a local,
// converging view of account entities plus a typed invoke/register RPC
// surface.
type Client struct {
	URL            string
	Token          string
	ConnectionKind wire.ConnectionKind
	ScopeRef       *wire.Scope
	MasterSecret   []byte // for E2E body encryption, spec §4.2 "RPC"

	Cache         *EntityCache
	Outbox        *Outbox
	Subscriptions *Subscriptions
	Log           *slog.Logger

	// OnResyncRequired is invoked when a subscription's sinceSeq predates
	// the server's retention horizon (spec §8); the caller is expected to
	// refetch the entity (e.g. via the relay's /snapshot endpoint) and
	// call Cache.Put with the fresh snapshot.
	OnResyncRequired func(scope wire.Scope, minSeq int64)

	mu           sync.Mutex
	conn         *websocket.Conn
	connectionID string
	connected    bool

	acksMu sync.Mutex
	acks   map[string]*pendingAck

	rpcMu      sync.Mutex
	rpcPending map[string]*pendingRPC
	handlers   map[string]RPCHandler // method -> handler, last Register wins locally
}

// NewClient returns a Sync Client ready to Run. dataDir, if non-empty,
// enables durable lastSeq persistence across restarts.
func NewClient(url, token string, kind wire.ConnectionKind, scope *wire.Scope, dataDir string) *Client {
	return &Client{
		URL:            url,
		Token:          token,
		ConnectionKind: kind,
		ScopeRef:       scope,
		Cache:          NewEntityCache(),
		Outbox:         NewOutbox(256),
		Subscriptions:  NewSubscriptions(dataDir),
		acks:           make(map[string]*pendingAck),
		rpcPending:     make(map[string]*pendingRPC),
		handlers:       make(map[string]RPCHandler),
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Run dials the relay and maintains the connection until ctx is
// cancelled, reconnecting with exponential backoff on any transport
// loss (spec §4.2 "Reconnect").
func (c *Client) Run(ctx context.Context) {
	c.runWithBackoff(ctx, c.connectOnce, newDefaultBackoff(), resetThreshold)
}

// connectFn establishes one connection attempt; injectable for tests.
type connectFn func(ctx context.Context) error

func (c *Client) runWithBackoff(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger().Warn("syncclient: disconnected from relay", "error", err)
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}
		interval := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// connectOnce dials, authenticates, resubscribes every tracked scope,
// flushes the outbox, and runs the read loop until the socket drops.
func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		Subprotocols: []string{"happy.relay.v1"},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	authEnv := &wire.Envelope{Type: wire.TypeAuth, Token: c.Token, ConnectionKind: c.ConnectionKind, ScopeRef: c.ScopeRef}
	if err := c.write(ctx, conn, authEnv); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	ackEnv, err := c.readOne(ctx, conn)
	if err != nil {
		return fmt.Errorf("read auth-ok: %w", err)
	}
	if ackEnv.Type != wire.TypeAuthOK {
		return fmt.Errorf("expected auth-ok, got %s", ackEnv.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.connectionID = ackEnv.ConnectionID
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
	}()

	c.resubscribeAll(ctx)
	c.reregisterAll(ctx)
	c.flushOutbox(ctx)

	go c.heartbeatLoop(ctx, conn)

	for {
		env, err := c.readOne(ctx, conn)
		if err != nil {
			return err
		}
		c.handleInbound(ctx, env)
	}
}

func (c *Client) resubscribeAll(ctx context.Context) {
	for _, scope := range c.Subscriptions.Scopes() {
		_ = c.sendSubscribe(ctx, scope)
	}
}

func (c *Client) sendSubscribe(ctx context.Context, scope wire.Scope) error {
	s := scope
	return c.sendLocked(ctx, &wire.Envelope{Type: wire.TypeSubscribe, Scope: &s, SinceSeq: c.Subscriptions.SinceSeq(scope)})
}

// Subscribe registers observer for scope and, once connected, sends
// the subscribe frame (spec §4.1 "subscribe(scope)").
func (c *Client) Subscribe(ctx context.Context, scope wire.Scope, observer Observer) {
	c.Subscriptions.Add(scope, observer)
	_ = c.sendSubscribe(ctx, scope)
}

// flushOutbox republishes every pending outbox entry after a
// reconnect; the relay's localId idempotency means a duplicate
// delivery of an already-applied publish is a harmless no-op (spec
// §4.2 "flushes the outbox (retries idempotently)").
func (c *Client) flushOutbox(ctx context.Context) {
	for _, p := range c.Outbox.Drain() {
		env := &wire.Envelope{
			Type: wire.TypeUpdate, EntityRef: &p.Ref, ExpectedVersion: p.ExpectedVersion,
			LocalID: p.LocalID, Body: p.Body,
		}
		if err := c.sendLocked(ctx, env); err != nil {
			c.logger().Warn("syncclient: outbox flush send failed", "error", err)
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, conn, &wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeUpdate:
		c.applyInboundUpdate(env)
	case wire.TypeUpdateAck, wire.TypeUpdateReject:
		c.resolveAck(env)
	case wire.TypeResyncRequired:
		c.handleResyncRequired(env)
	case wire.TypeRPCResponse, wire.TypeRPCError:
		c.resolveRPC(env)
	case wire.TypeRPCCall:
		c.serveInboundRPC(ctx, env)
	case wire.TypeHeartbeat:
		// nothing to do; liveness only.
	default:
		c.logger().Debug("syncclient: unhandled envelope type", "type", env.Type)
	}
}

// applyInboundUpdate implements the Applier of spec §4.2: skip
// duplicates (seq not above lastSeq), drop self-echo, patch the cache,
// advance lastSeq. A gap in seq is not detected here.
func (c *Client) applyInboundUpdate(env *wire.Envelope) {
	if env.EntityRef == nil {
		return
	}
	if env.Producer != "" && env.Producer == c.ConnectionID() {
		return // self-echo, already applied optimistically
	}
	scope := wire.Scope{Kind: env.EntityRef.Kind, ID: env.EntityRef.ID}
	if env.Seq > 0 && env.Seq <= c.Subscriptions.SinceSeq(scope) {
		return // duplicate, already applied
	}
	c.Cache.Put(*env.EntityRef, env.Version, env.Body)
	c.Subscriptions.Dispatch(scope, env)
}

func (c *Client) handleResyncRequired(env *wire.Envelope) {
	if env.Scope == nil {
		return
	}
	if c.OnResyncRequired != nil {
		c.OnResyncRequired(*env.Scope, env.MinSeq)
	}
}

// ConnectionID returns the identifier assigned by the relay for the
// current connection, used to recognise self-echoed updates.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) resolveAck(env *wire.Envelope) {
	c.acksMu.Lock()
	p, ok := c.acks[env.LocalID]
	if ok {
		delete(c.acks, env.LocalID)
	}
	c.acksMu.Unlock()
	if ok {
		p.ch <- env
	}
}

func (c *Client) resolveRPC(env *wire.Envelope) {
	c.rpcMu.Lock()
	p, ok := c.rpcPending[env.CallID]
	if ok {
		delete(c.rpcPending, env.CallID)
	}
	c.rpcMu.Unlock()
	if ok {
		p.ch <- env
	}
}

// sendLocked writes env over the current connection, if any.
func (c *Client) sendLocked(ctx context.Context, env *wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, env)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env *wire.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) readOne(ctx context.Context, conn *websocket.Conn) (*wire.Envelope, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected binary frame")
	}
	return wire.Unmarshal(data)
}

// IsConnected reports whether a live socket to the relay exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
