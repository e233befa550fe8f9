package syncclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/wire"
)

func TestOutbox_EnqueueAndDrainPreservesOrder(t *testing.T) {
	o := NewOutbox(10)
	ref1 := wire.EntityRef{Kind: wire.EntitySession, ID: "s1"}
	ref2 := wire.EntityRef{Kind: wire.EntitySession, ID: "s2"}

	require.NoError(t, o.Enqueue(PendingPublish{Ref: ref1, LocalID: "l1"}))
	require.NoError(t, o.Enqueue(PendingPublish{Ref: ref2, LocalID: "l2"}))

	drained := o.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "l1", drained[0].LocalID)
	assert.Equal(t, "l2", drained[1].LocalID)
}

func TestOutbox_CoalescesSameEntity(t *testing.T) {
	o := NewOutbox(1)
	ref := wire.EntityRef{Kind: wire.EntitySession, ID: "s1"}

	require.NoError(t, o.Enqueue(PendingPublish{Ref: ref, LocalID: "l1", Body: []byte("v1")}))
	require.NoError(t, o.Enqueue(PendingPublish{Ref: ref, LocalID: "l2", Body: []byte("v2")}))

	assert.Equal(t, 1, o.Len())
	drained := o.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "l2", drained[0].LocalID, "newer update for the same entity supersedes the older one")
}

func TestOutbox_BackpressureOnDistinctEntityOverflow(t *testing.T) {
	o := NewOutbox(1)
	ref1 := wire.EntityRef{Kind: wire.EntitySession, ID: "s1"}
	ref2 := wire.EntityRef{Kind: wire.EntitySession, ID: "s2"}

	require.NoError(t, o.Enqueue(PendingPublish{Ref: ref1, LocalID: "l1"}))
	err := o.Enqueue(PendingPublish{Ref: ref2, LocalID: "l2"})
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, 1, o.Len())
}

func TestOutbox_Ack(t *testing.T) {
	o := NewOutbox(10)
	ref := wire.EntityRef{Kind: wire.EntitySession, ID: "s1"}
	require.NoError(t, o.Enqueue(PendingPublish{Ref: ref, LocalID: "l1"}))

	o.Ack(ref)
	assert.Equal(t, 0, o.Len())
	assert.Empty(t, o.Drain())
}
