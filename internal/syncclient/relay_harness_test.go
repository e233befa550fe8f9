package syncclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/auth"
	"github.com/happy-coder/happy/internal/relay/connreg"
	"github.com/happy-coder/happy/internal/relay/presence"
	"github.com/happy-coder/happy/internal/relay/rpcbroker"
	"github.com/happy-coder/happy/internal/relay/store"
	"github.com/happy-coder/happy/internal/relay/updatelog"
	"github.com/happy-coder/happy/internal/relay/wsserver"
	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

// relayEnv is a real relay (store + wsserver.Handler) served over
// httptest, used to exercise syncclient.Client end to end rather than
// against hand-rolled envelope fixtures.
type relayEnv struct {
	st        *store.Store
	wsURL     string
	accountID string
	token     string
	sessionID string
}

func setupRelay(t *testing.T) *relayEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	st := store.New(db)

	ctx := context.Background()
	acc, err := st.CreateAccount(ctx, "acc_1", "token-abc", nil)
	require.NoError(t, err)
	m, err := st.GetOrCreateMachine(ctx, "mach_1", acc.ID, "laptop", "/home", "linux")
	require.NoError(t, err)
	sess, err := st.CreateSession(ctx, "sess_1", "tag", acc.ID, m.ID, []byte("body-v0"))
	require.NoError(t, err)

	reg := connreg.New()
	authr := auth.NewAuthenticator(st)
	updates := updatelog.New(st, reg)
	broker := rpcbroker.New()
	pres := presence.New(st, reg, nil)
	guard := auth.NewShutdownGuard(make(chan struct{}))

	h := &wsserver.Handler{
		Store:            st,
		Auth:             authr,
		Registry:         reg,
		Updates:          updates,
		RPC:              broker,
		Presence:         pres,
		Shutdown:         guard,
		HeartbeatTimeout: 5 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/connect", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &relayEnv{
		st: st, wsURL: "ws" + srv.URL[len("http"):] + "/ws/connect",
		accountID: acc.ID, token: "token-abc", sessionID: sess.ID,
	}
}

// newConnectedClient dials a syncclient.Client against env and blocks
// until its first connection has authenticated.
func newConnectedClient(t *testing.T, env *relayEnv, kind wire.ConnectionKind, scope *wire.Scope) (*syncclient.Client, context.CancelFunc) {
	t.Helper()
	c := syncclient.NewClient(env.wsURL, env.token, kind, scope, "")
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	return c, cancel
}
