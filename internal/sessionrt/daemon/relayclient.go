package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

// RegisterMachine resolves this machine's identity with the relay
// (spec §4.3 step 1 "Resolve machine identity"), upserting by
// hostname+homeDir on first run. It is a plain HTTP call, not a Sync
// Client operation, because no Sync Client can open a scoped
// connection before the entity it scopes to exists.
func RegisterMachine(ctx context.Context, relayURL, authToken, hostname, homeDir, osName string) (string, error) {
	body, err := json.Marshal(map[string]string{"hostname": hostname, "homeDir": homeDir, "os": osName})
	if err != nil {
		return "", fmt.Errorf("encode register-machine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL(relayURL)+"/register/machine", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("register machine: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		MachineID string `json:"machineId"`
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("register machine: relay returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode register-machine response: %w", err)
	}
	return decoded.MachineID, nil
}

// RegisterSession creates the Session entity a session-scoped Sync
// Client will connect against (spec §4.3 step 2 "Create Session
// entity").
func RegisterSession(ctx context.Context, relayURL, authToken, machineID, tag string, body []byte) (string, error) {
	reqBody, err := json.Marshal(map[string]any{"tag": tag, "machineId": machineID, "body": body})
	if err != nil {
		return "", fmt.Errorf("encode register-session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL(relayURL)+"/register/session", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("register session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded struct {
		SessionID string `json:"sessionId"`
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("register session: relay returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode register-session response: %w", err)
	}
	return decoded.SessionID, nil
}

// NewAccountSyncClient opens the account-scoped Sync Client the daemon
// keeps open for the lifetime of the process (spec §4.3 step 1): its
// subscription defaults to the caller's own Account entity, so it
// observes every Machine/Session update the account owns.
func NewAccountSyncClient(relayURL, authToken string, masterSecret []byte, dataDir string) *syncclient.Client {
	c := syncclient.NewClient(wsURL(relayURL), authToken, wire.ConnUserScoped, nil, dataDir)
	c.MasterSecret = masterSecret
	return c
}

// NewSessionSyncClient opens a session-scoped Sync Client for one
// running session (spec §4.3 step 3).
func NewSessionSyncClient(relayURL, authToken, sessionID string, masterSecret []byte, dataDir string) *syncclient.Client {
	scope := &wire.Scope{Kind: wire.EntitySession, ID: sessionID}
	c := syncclient.NewClient(wsURL(relayURL), authToken, wire.ConnSessionScoped, scope, dataDir)
	c.MasterSecret = masterSecret
	return c
}

// wsURL appends the relay's websocket path to a bare relay URL (e.g.
// "wss://relay.happycoder.dev" -> ".../ws/connect").
func wsURL(relayURL string) string {
	return strings.TrimSuffix(relayURL, "/") + "/ws/connect"
}

// httpURL converts a ws(s):// relay URL to the http(s):// scheme the
// relay's plain HTTP surface (register, snapshot) is served on; both
// schemes are mounted on the same host and port (spec §8).
func httpURL(relayURL string) string {
	trimmed := strings.TrimSuffix(relayURL, "/")
	switch {
	case strings.HasPrefix(trimmed, "wss://"):
		return "https://" + strings.TrimPrefix(trimmed, "wss://")
	case strings.HasPrefix(trimmed, "ws://"):
		return "http://" + strings.TrimPrefix(trimmed, "ws://")
	default:
		return trimmed
	}
}
