package rpcbroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/rpcbroker"
	"github.com/happy-coder/happy/internal/wire"
)

type fakeSender struct {
	id       string
	received []*wire.Envelope
	reply    func(*wire.Envelope) *wire.Envelope
	broker   *rpcbroker.Broker
	accept   bool
}

func (f *fakeSender) ConnectionID() string { return f.id }
func (f *fakeSender) Send(env *wire.Envelope) bool {
	if !f.accept {
		return false
	}
	f.received = append(f.received, env)
	if f.reply != nil {
		go f.broker.Resolve(f.reply(env))
	}
	return true
}

func TestCall_NoHandlerRegistered(t *testing.T) {
	b := rpcbroker.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}

	_, err := b.Call(context.Background(), "call-1", scope, "read-file", nil, time.Second)
	assert.ErrorIs(t, err, rpcbroker.ErrNoHandler)
}

func TestCall_SuccessRoutesToRegisteredHandler(t *testing.T) {
	b := rpcbroker.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}

	handler := &fakeSender{id: "conn_handler", broker: b, accept: true}
	handler.reply = func(env *wire.Envelope) *wire.Envelope {
		return &wire.Envelope{Type: wire.TypeRPCResponse, CallID: env.CallID, OK: true, Response: []byte("ok")}
	}
	b.RegisterHandler(scope, "read-file", handler)

	resp, err := b.Call(context.Background(), "call-1", scope, "read-file", []byte("req"), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, []byte("ok"), resp.Response)
	require.Len(t, handler.received, 1)
	assert.Equal(t, "read-file", handler.received[0].Method)
}

func TestCall_TimesOutWithoutResponse(t *testing.T) {
	b := rpcbroker.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}
	handler := &fakeSender{id: "conn_handler", broker: b, accept: true}
	b.RegisterHandler(scope, "slow-method", handler)

	_, err := b.Call(context.Background(), "call-2", scope, "slow-method", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, rpcbroker.ErrTimeout)
}

func TestCall_TransportErrorWhenHandlerCannotAcceptSend(t *testing.T) {
	b := rpcbroker.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}
	handler := &fakeSender{id: "conn_handler", broker: b, accept: false}
	b.RegisterHandler(scope, "m", handler)

	_, err := b.Call(context.Background(), "call-3", scope, "m", nil, time.Second)
	assert.ErrorIs(t, err, rpcbroker.ErrTransport)
}

func TestRegisterHandler_MostRecentWins(t *testing.T) {
	b := rpcbroker.New()
	scope := wire.Scope{Kind: wire.EntityMachine, ID: "mach_1"}

	first := &fakeSender{id: "conn_first", broker: b, accept: true}
	first.reply = func(env *wire.Envelope) *wire.Envelope {
		return &wire.Envelope{Type: wire.TypeRPCResponse, CallID: env.CallID, OK: true, Response: []byte("first")}
	}
	second := &fakeSender{id: "conn_second", broker: b, accept: true}
	second.reply = func(env *wire.Envelope) *wire.Envelope {
		return &wire.Envelope{Type: wire.TypeRPCResponse, CallID: env.CallID, OK: true, Response: []byte("second")}
	}

	b.RegisterHandler(scope, "bash", first)
	b.RegisterHandler(scope, "bash", second)

	resp, err := b.Call(context.Background(), "call-4", scope, "bash", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), resp.Response)
}

func TestUnregisterConnection_RemovesAllItsHandlers(t *testing.T) {
	b := rpcbroker.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}
	handler := &fakeSender{id: "conn_handler", broker: b, accept: true}
	b.RegisterHandler(scope, "m", handler)

	b.UnregisterConnection(handler.id)

	_, err := b.Call(context.Background(), "call-5", scope, "m", nil, time.Second)
	assert.ErrorIs(t, err, rpcbroker.ErrNoHandler)
}
