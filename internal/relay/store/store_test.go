package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

func TestCreateAndGetAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, err := s.CreateAccount(ctx, "acc_1", "token-abc", []byte("wrapped-key"))
	require.NoError(t, err)
	assert.Equal(t, "acc_1", acc.ID)

	got, err := s.GetAccountByToken(ctx, "token-abc")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	_, err = s.GetAccountByToken(ctx, "wrong-token")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetOrCreateMachineIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)

	m1, err := s.GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home/user", "darwin")
	require.NoError(t, err)

	m2, err := s.GetOrCreateMachine(ctx, "mach_2", "acc_1", "laptop", "/home/user", "darwin")
	require.NoError(t, err)

	assert.Equal(t, m1.ID, m2.ID, "same hostname+home_dir must resolve to the same machine")
}

func TestSetMachineDaemonStateVersionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)
	m, err := s.GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home/user", "linux")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Version)

	updated, err := s.SetMachineDaemonState(ctx, m.ID, m.Version, store.DaemonOnline, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, store.DaemonOnline, updated.DaemonState)

	_, err = s.SetMachineDaemonState(ctx, m.ID, 0, store.DaemonOffline, 0)
	assert.ErrorIs(t, err, store.ErrVersionMismatch)
}

func TestSessionCreateAndCASUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)
	m, err := s.GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home/user", "linux")
	require.NoError(t, err)

	sess, err := s.CreateSession(ctx, "sess_1", "tag-xyz", "acc_1", m.ID, []byte("body-v0"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Version)

	updated, err := s.UpdateSessionBody(ctx, sess.ID, sess.Version, []byte("body-v1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	_, err = s.UpdateSessionBody(ctx, sess.ID, sess.Version, []byte("body-v2"))
	assert.ErrorIs(t, err, store.ErrVersionMismatch, "stale expectedVersion must be rejected")

	require.NoError(t, s.SetSessionLifecycle(ctx, sess.ID, store.SessionArchived))
	archived, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionArchived, archived.Lifecycle)
}

func TestAppendMessageIsIdempotentOnLocalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)
	m, err := s.GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home/user", "linux")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, "sess_1", "tag-xyz", "acc_1", m.ID, nil)
	require.NoError(t, err)

	msg1, err := s.AppendMessage(ctx, "msg_1", sess.ID, "local-1", store.MessageUserText, "", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg1.Seq)

	msg2, err := s.AppendMessage(ctx, "msg_2", sess.ID, "local-1", store.MessageUserText, "", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, msg1.ID, msg2.ID, "replaying the same localID must not duplicate the message")

	msg3, err := s.AppendMessage(ctx, "msg_3", sess.ID, "local-2", store.MessageAgentText, "", []byte("hi there"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg3.Seq)

	list, err := s.ListMessagesSince(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAppendUpdateAllocatesMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)

	u1, err := s.AppendUpdate(ctx, "acc_1", "session", "sess_1", 1, "local-a", "machine:mach_1", []byte("patch-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), u1.Seq)

	u2, err := s.AppendUpdate(ctx, "acc_1", "session", "sess_1", 2, "local-b", "machine:mach_1", []byte("patch-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), u2.Seq)

	dup, err := s.AppendUpdate(ctx, "acc_1", "session", "sess_1", 2, "local-b", "machine:mach_1", []byte("patch-2-retry"))
	require.NoError(t, err)
	assert.Equal(t, u2.Seq, dup.Seq, "replaying the same localID must not allocate a new seq")

	latest, err := s.LatestSeq(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestListUpdatesSinceResyncRequired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AppendUpdate(ctx, "acc_1", "session", "sess_1", int64(i+1), "", "machine:mach_1", []byte("patch"))
		require.NoError(t, err)
	}

	require.NoError(t, s.PruneUpdatesBefore(ctx, "acc_1", 4))

	_, err = s.ListUpdatesSince(ctx, "acc_1", 1, 100)
	assert.ErrorIs(t, err, store.ErrResyncRequired)

	caughtUp, err := s.ListUpdatesSince(ctx, "acc_1", 4, 100)
	require.NoError(t, err)
	assert.Len(t, caughtUp, 1)
}
