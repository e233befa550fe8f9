package updatelog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/relay/updatelog"
	"github.com/happy-coder/happy/internal/wire"
)

type fakeConn struct {
	id        string
	accountID string
	received  []*wire.Envelope
}

func (f *fakeConn) ConnectionID() string { return f.id }
func (f *fakeConn) AccountID() string    { return f.accountID }
func (f *fakeConn) Send(env *wire.Envelope) bool {
	f.received = append(f.received, env)
	return true
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

func TestPublish_AcceptedFanOutSuppressesSelfEcho(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.CreateAccount(ctx, "acc_1", "token", nil)
	require.NoError(t, err)
	m, err := st.GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home", "linux")
	require.NoError(t, err)
	sess, err := st.CreateSession(ctx, "sess_1", "tag", "acc_1", m.ID, []byte("body-v0"))
	require.NoError(t, err)

	reg := connreg.New()
	scope := wire.Scope{Kind: wire.EntitySession, ID: sess.ID}
	publisher := &fakeConn{id: "conn_pub", accountID: "acc_1"}
	subscriber := &fakeConn{id: "conn_sub", accountID: "acc_1"}
	reg.Register(publisher, scope)
	reg.Register(subscriber, scope)

	l := updatelog.New(st, reg)
	ref := wire.EntityRef{Kind: wire.EntitySession, ID: sess.ID}

	outcome, err := l.Publish(ctx, "acc_1", ref, sess.Version, "local-1", publisher.id, []byte("body-v1"),
		func(ctx context.Context) (int64, error) {
			updated, err := st.UpdateSessionBody(ctx, sess.ID, sess.Version, []byte("body-v1"))
			if err != nil {
				return 0, err
			}
			return updated.Version, nil
		})
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, int64(1), outcome.NewVersion)

	assert.Empty(t, publisher.received, "publisher must not receive its own echo")
	require.Len(t, subscriber.received, 1)
	assert.Equal(t, wire.TypeUpdate, subscriber.received[0].Type)
	assert.Equal(t, int64(1), subscriber.received[0].Version)
}

func TestPublish_VersionMismatchReturnsCurrentState(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.CreateAccount(ctx, "acc_1", "token", nil)
	require.NoError(t, err)
	m, err := st.GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home", "linux")
	require.NoError(t, err)
	sess, err := st.CreateSession(ctx, "sess_1", "tag", "acc_1", m.ID, []byte("body-v0"))
	require.NoError(t, err)

	reg := connreg.New()
	l := updatelog.New(st, reg)
	ref := wire.EntityRef{Kind: wire.EntitySession, ID: sess.ID}

	outcome, err := l.Publish(ctx, "acc_1", ref, 99, "local-1", "conn_x", []byte("body-v1"),
		func(ctx context.Context) (int64, error) {
			_, err := st.UpdateSessionBody(ctx, sess.ID, 99, []byte("body-v1"))
			return 0, err
		})
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, wire.RejectVersionMismatch, outcome.Reason)
	assert.Equal(t, int64(0), outcome.CurrentVersion)
}
