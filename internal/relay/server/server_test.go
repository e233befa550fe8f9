package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/relay/config"
	"github.com/happy-coder/happy/internal/relay/server"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("127.0.0.1:%d", 20000+time.Now().Nanosecond()%10000)
}

func TestServer_SnapshotEndpointRequiresAuth(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Addr: freeAddr(t), DataDir: dir, HeartbeatTimeout: 5 * time.Second, MaxOutboundBuffer: 64}
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	_, err = srv.Store().CreateAccount(context.Background(), "acc_1", "tok-1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Addr + "/snapshot/account/acc_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestServer_MetricsEndpointServesPlainText(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Addr: freeAddr(t), DataDir: dir, HeartbeatTimeout: 5 * time.Second, MaxOutboundBuffer: 64}
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestServer_RegisterMachine_CreatesAndUpsertsByHostnameAndHomeDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Addr: freeAddr(t), DataDir: dir, HeartbeatTimeout: 5 * time.Second, MaxOutboundBuffer: 64}
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = srv.Store().CreateAccount(ctx, "acc_1", "tok-1", nil)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(runCtx) }()
	time.Sleep(100 * time.Millisecond)
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	body, err := json.Marshal(map[string]string{"hostname": "laptop", "homeDir": "/home/ada", "os": "linux"})
	require.NoError(t, err)

	post := func() map[string]any {
		req, err := http.NewRequest(http.MethodPost, "http://"+cfg.Addr+"/register/machine", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
		return decoded
	}

	first := post()
	second := post()
	assert.Equal(t, first["machineId"], second["machineId"], "registering the same host twice must upsert, not duplicate")
}

func TestServer_RegisterMachine_RequiresAuth(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Addr: freeAddr(t), DataDir: dir, HeartbeatTimeout: 5 * time.Second, MaxOutboundBuffer: 64}
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Post("http://"+cfg.Addr+"/register/machine", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestServer_RegisterSession_CreatesSessionUnderMachine(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Addr: freeAddr(t), DataDir: dir, HeartbeatTimeout: 5 * time.Second, MaxOutboundBuffer: 64}
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = srv.Store().CreateAccount(ctx, "acc_1", "tok-1", nil)
	require.NoError(t, err)
	m, err := srv.Store().GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home", "linux")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(runCtx) }()
	time.Sleep(100 * time.Millisecond)
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	body, err := json.Marshal(map[string]string{"tag": "fix-bug", "machineId": m.ID})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+cfg.Addr+"/register/session", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.NotEmpty(t, decoded["sessionId"])

	sess, err := srv.Store().GetSession(ctx, decoded["sessionId"].(string))
	require.NoError(t, err)
	assert.Equal(t, m.ID, sess.MachineID)
	assert.Equal(t, "fix-bug", sess.Tag)
}

func TestServer_SnapshotReturnsEntityForOwner(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Addr: freeAddr(t), DataDir: dir, HeartbeatTimeout: 5 * time.Second, MaxOutboundBuffer: 64}
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = srv.Store().CreateAccount(ctx, "acc_1", "tok-1", nil)
	require.NoError(t, err)
	m, err := srv.Store().GetOrCreateMachine(ctx, "mach_1", "acc_1", "laptop", "/home", "linux")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(runCtx) }()
	time.Sleep(100 * time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, "http://"+cfg.Addr+"/snapshot/machine/"+m.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "machine", body["kind"])
	assert.Equal(t, m.ID, body["id"])

	cancel()
	require.NoError(t, <-done)
}
