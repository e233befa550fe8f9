package syncclient

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/wire"
)

func TestSubscriptions_DispatchAdvancesLastSeq(t *testing.T) {
	s := NewSubscriptions("")
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}

	var received []*wire.Envelope
	s.Add(scope, func(env *wire.Envelope) { received = append(received, env) })

	assert.Equal(t, int64(0), s.SinceSeq(scope))

	ok := s.Dispatch(scope, &wire.Envelope{Seq: 5})
	assert.True(t, ok)
	assert.Equal(t, int64(5), s.SinceSeq(scope))
	require.Len(t, received, 1)
}

func TestSubscriptions_DispatchUnknownScope(t *testing.T) {
	s := NewSubscriptions("")
	ok := s.Dispatch(wire.Scope{Kind: wire.EntitySession, ID: "unknown"}, &wire.Envelope{Seq: 1})
	assert.False(t, ok)
}

func TestSubscriptions_RemoveDropsScope(t *testing.T) {
	s := NewSubscriptions("")
	scope := wire.Scope{Kind: wire.EntityMachine, ID: "m1"}
	s.Add(scope, func(*wire.Envelope) {})
	s.Remove(scope)
	assert.Empty(t, s.Scopes())
}

func TestSubscriptions_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	s := NewSubscriptions(dir)
	scope := wire.Scope{Kind: wire.EntitySession, ID: "sess_1"}
	s.Add(scope, func(*wire.Envelope) {})
	s.Dispatch(scope, &wire.Envelope{Seq: 42})

	require.NoError(t, s.Persist())
	assert.FileExists(t, filepath.Join(dir, "subscriptions.json"))

	reloaded := NewSubscriptions(dir)
	assert.Equal(t, int64(42), reloaded.SinceSeq(scope))
}

func TestSubscriptions_ScopesListsEveryTrackedScope(t *testing.T) {
	s := NewSubscriptions("")
	s.Add(wire.Scope{Kind: wire.EntitySession, ID: "a"}, func(*wire.Envelope) {})
	s.Add(wire.Scope{Kind: wire.EntityMachine, ID: "b"}, func(*wire.Envelope) {})
	assert.Len(t, s.Scopes(), 2)
}
