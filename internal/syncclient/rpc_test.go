package syncclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

func TestInvoke_RoutesToRegisteredHandler(t *testing.T) {
	env := setupRelay(t)
	scope := wire.Scope{Kind: wire.EntitySession, ID: env.sessionID}

	callee, calleeCancel := newConnectedClient(t, env, wire.ConnSessionScoped, &scope)
	defer calleeCancel()
	caller, callerCancel := newConnectedClient(t, env, wire.ConnSessionScoped, &scope)
	defer callerCancel()

	callee.Register("echo", func(_ context.Context, req []byte) ([]byte, error) {
		return append([]byte("echo:"), req...), nil
	})
	// Register sends an rpc-register frame asynchronously; give the
	// relay a brief moment to apply it before the call races ahead.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := caller.Invoke(ctx, scope, "echo", []byte("hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hello"), resp)
}

func TestInvoke_NoHandlerRegistered(t *testing.T) {
	env := setupRelay(t)
	scope := wire.Scope{Kind: wire.EntitySession, ID: env.sessionID}
	caller, cancel := newConnectedClient(t, env, wire.ConnSessionScoped, &scope)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	_, err := caller.Invoke(ctx, scope, "nonexistent", []byte("x"), 200*time.Millisecond)
	assert.ErrorIs(t, err, syncclient.ErrNoHandler)
}

func TestInvoke_EncryptsBodyWhenMasterSecretSet(t *testing.T) {
	env := setupRelay(t)
	scope := wire.Scope{Kind: wire.EntitySession, ID: env.sessionID}

	secret := []byte("0123456789abcdef0123456789abcdef")

	callee, calleeCancel := newConnectedClient(t, env, wire.ConnSessionScoped, &scope)
	defer calleeCancel()
	callee.MasterSecret = secret

	var sawPlaintext []byte
	callee.Register("reveal", func(_ context.Context, req []byte) ([]byte, error) {
		sawPlaintext = req
		return []byte("ok"), nil
	})
	time.Sleep(20 * time.Millisecond) // let the rpc-register frame land

	caller, callerCancel := newConnectedClient(t, env, wire.ConnSessionScoped, &scope)
	defer callerCancel()
	caller.MasterSecret = secret

	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()

	resp, err := caller.Invoke(ctx, scope, "reveal", []byte("secret-payload"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp)
	assert.Equal(t, []byte("secret-payload"), sawPlaintext)
}
