package syncclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/wire"
)

func TestMutate_SucceedsAndCommitsCache(t *testing.T) {
	env := setupRelay(t)
	scope := &wire.Scope{Kind: wire.EntitySession, ID: env.sessionID}
	c, cancel := newConnectedClient(t, env, wire.ConnSessionScoped, scope)
	defer cancel()

	ref := wire.EntityRef{Kind: wire.EntitySession, ID: env.sessionID}
	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()

	err := c.Mutate(ctx, ref, func(current []byte) ([]byte, error) {
		return []byte("body-v1"), nil
	})
	require.NoError(t, err)

	cached, ok := c.Cache.Get(ref)
	require.True(t, ok)
	assert.Equal(t, []byte("body-v1"), cached.Body)
	assert.Equal(t, int64(1), cached.Version)
	assert.Nil(t, cached.LocalOverlay)
	assert.Equal(t, 0, c.Outbox.Len())
}

func TestMutate_RebasesOnVersionMismatch(t *testing.T) {
	env := setupRelay(t)
	scope := &wire.Scope{Kind: wire.EntitySession, ID: env.sessionID}
	c, cancel := newConnectedClient(t, env, wire.ConnSessionScoped, scope)
	defer cancel()

	ref := wire.EntityRef{Kind: wire.EntitySession, ID: env.sessionID}

	// A rival writer races ahead to version 1 out of band, so the
	// client's first mutate attempt (expecting version 0) is rejected
	// and must rebase onto the rival's body.
	_, err := env.st.UpdateSessionBody(context.Background(), env.sessionID, 0, []byte("rival-body"))
	require.NoError(t, err)

	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()

	var seenCurrent []byte
	err = c.Mutate(ctx, ref, func(current []byte) ([]byte, error) {
		seenCurrent = current
		return append(append([]byte{}, current...), []byte("+patched")...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("rival-body"), seenCurrent, "rebase must hand the patch fn the server's current body")

	cached, ok := c.Cache.Get(ref)
	require.True(t, ok)
	assert.Equal(t, []byte("rival-body+patched"), cached.Body)
	assert.Equal(t, int64(2), cached.Version)
}
