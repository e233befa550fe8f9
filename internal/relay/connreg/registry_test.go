package connreg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/wire"
)

type fakeConn struct {
	id        string
	accountID string
	received  []*wire.Envelope
	full      bool
}

func (f *fakeConn) ConnectionID() string { return f.id }
func (f *fakeConn) AccountID() string    { return f.accountID }
func (f *fakeConn) Send(env *wire.Envelope) bool {
	if f.full {
		return false
	}
	f.received = append(f.received, env)
	return true
}

func TestPublish_DeliversToScopeSubscribersExceptSelf(t *testing.T) {
	r := connreg.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}

	a := &fakeConn{id: "conn_a", accountID: "acc_1"}
	b := &fakeConn{id: "conn_b", accountID: "acc_1"}
	r.Register(a, scope)
	r.Register(b, scope)

	env := &wire.Envelope{Type: wire.TypeUpdate}
	delivered, dropped := r.Publish(scope, env, a.id)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)
	assert.Empty(t, a.received, "publisher must not receive its own echo")
	require.Len(t, b.received, 1)
	assert.Equal(t, wire.TypeUpdate, b.received[0].Type)
}

func TestPublish_CountsBackpressuredConnectionsAsDropped(t *testing.T) {
	r := connreg.New()
	scope := wire.Scope{Kind: wire.EntityAccount, ID: "acc_1"}

	full := &fakeConn{id: "conn_full", accountID: "acc_1", full: true}
	r.Register(full, scope)

	delivered, dropped := r.Publish(scope, &wire.Envelope{Type: wire.TypeUpdate}, "")
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, dropped)
}

func TestUnregister_RemovesFromAllScopes(t *testing.T) {
	r := connreg.New()
	scopeA := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}
	scopeB := wire.Scope{Kind: wire.EntityMachine, ID: "mach_1"}

	c := &fakeConn{id: "conn_a", accountID: "acc_1"}
	r.Register(c, scopeA)
	r.Subscribe(c, scopeB)
	assert.Equal(t, 1, r.ConnectionCount())

	r.Unregister(c)
	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, 0, r.ScopeSubscriberCount(scopeA))
	assert.Equal(t, 0, r.ScopeSubscriberCount(scopeB))
}

func TestConnectionsForAccount(t *testing.T) {
	r := connreg.New()
	scope := wire.Scope{Kind: wire.EntityAccount, ID: "acc_1"}

	a := &fakeConn{id: "conn_a", accountID: "acc_1"}
	b := &fakeConn{id: "conn_b", accountID: "acc_2"}
	r.Register(a, scope)
	r.Register(b, wire.Scope{Kind: wire.EntityAccount, ID: "acc_2"})

	conns := r.ConnectionsForAccount("acc_1")
	require.Len(t, conns, 1)
	assert.Equal(t, "conn_a", conns[0].ConnectionID())
}
