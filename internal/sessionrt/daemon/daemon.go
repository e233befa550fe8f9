package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/sessionrt/account"
	agent "github.com/happy-coder/happy/internal/sessionrt/child"
	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

// Daemon is the persistent background process a machine runs once:
// it owns the child-process manager, exposes the control RPCs other
// `happy` invocations talk to, and keeps the relay's Machine entity
// alive with a heartbeat.
type Daemon struct {
	Config  *Config
	Version string

	Control *ControlServer
	Agents  *agent.Manager

	httpServer *http.Server
}

// AlreadyRunning checks the state file for a live daemon. If one is
// found, it returns its State and true; a stale (dead-pid) state file
// is treated as absent.
func AlreadyRunning(statePath string) (State, bool) {
	state, ok, err := LoadState(statePath)
	if err != nil || !ok {
		return State{}, false
	}
	if !IsProcessAlive(state.PID) {
		return State{}, false
	}
	return state, true
}

// Run starts the daemon: binds the control socket, writes the state
// file, and blocks serving control RPCs and publishing the heartbeat
// until ctx is cancelled or a daemonShutdown RPC arrives. Once it has
// written the state file, it removes it before returning.
//
// If account credentials have already been saved to cfg.DataDir (spec
// §4 "account/"), Run resolves this machine's identity with the relay
// and keeps an account-scoped Sync Client open for the daemon's
// lifetime (spec §4.3 step 1); every spawned session then gets its own
// session-scoped client off the same credentials. Provisioning those
// credentials in the first place is out of scope (spec §1 Non-goals:
// "Authentication onboarding flows ... aren't part of it") — absent
// credentials, the daemon still serves local control RPCs and
// supervises sessions, just without relay sync.
func Run(ctx context.Context, cfg *Config, version, hostname string) error {
	if existing, running := AlreadyRunning(cfg.StatePath()); running {
		return fmt.Errorf("daemon already running: pid %d, port %d", existing.PID, existing.Port)
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("generate control token: %w", err)
	}
	if err := SavePairingHash(cfg.DataDir, token); err != nil {
		return fmt.Errorf("save pairing hash: %w", err)
	}

	ln, port, err := Listen()
	if err != nil {
		return err
	}

	agents := agent.NewManager(nil)
	startedAt := time.Now().UTC().Format(time.RFC3339)

	csCfg := ControlServerConfig{
		Token:     token,
		Version:   version,
		StartedAt: startedAt,
		RelayURL:  cfg.RelayURL,
		DataDir:   cfg.DataDir,
		Hostname:  hostname,
	}

	var syncClient *syncclient.Client
	machineRef := wire.EntityRef{Kind: wire.EntityMachine, ID: hostname}
	if creds, ok, err := account.Load(cfg.DataDir); err != nil {
		slog.Warn("load account credentials", "error", err)
	} else if ok {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			homeDir = cfg.DataDir
		}
		machineID, rerr := RegisterMachine(ctx, cfg.RelayURL, creds.AuthToken, hostname, homeDir, runtime.GOOS)
		if rerr != nil {
			slog.Warn("register machine with relay, continuing without sync", "error", rerr)
		} else {
			syncClient = NewAccountSyncClient(cfg.RelayURL, creds.AuthToken, creds.MasterSecret, cfg.DataDir)
			machineRef = wire.EntityRef{Kind: wire.EntityMachine, ID: machineID}
			csCfg.AuthToken = creds.AuthToken
			csCfg.MasterSecret = creds.MasterSecret
			csCfg.MachineID = machineID
			csCfg.SyncClient = syncClient
		}
	}

	control := NewControlServer(csCfg, agents)

	state := State{PID: os.Getpid(), Port: port, Token: token, Version: version, StartedAt: startedAt}
	if err := SaveState(cfg.StatePath(), state); err != nil {
		_ = ln.Close()
		return fmt.Errorf("save daemon state: %w", err)
	}
	defer func() { _ = RemoveState(cfg.StatePath()) }()

	d := &Daemon{
		Config:     cfg,
		Version:    version,
		Control:    control,
		Agents:     agents,
		httpServer: &http.Server{Handler: control},
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.httpServer.Serve(ln) }()

	var heartbeatDone chan struct{}
	if syncClient != nil {
		clientCtx, cancelClient := context.WithCancel(ctx)
		defer cancelClient()
		go syncClient.Run(clientCtx)

		hb := &Heartbeat{
			Client:       syncClient,
			MachineRef:   machineRef,
			Hostname:     hostname,
			Version:      version,
			SessionCount: func() int { return agents.Count() },
		}
		heartbeatDone = make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			hb.Run(clientCtx)
		}()
	}

	slog.Info("daemon started", "port", port, "version", version)
	logging.PrintQRCode(PairingURL(cfg.RelayURL, token))

	select {
	case <-ctx.Done():
	case <-control.ShutdownRequested():
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.httpServer.Shutdown(shutdownCtx)
	agents.StopAll()
	if heartbeatDone != nil {
		<-heartbeatDone
	}

	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CheckForUpdate compares the running daemon's version against
// latestVersion (fetched by the caller from the update channel) and
// reports whether they differ. Versions are compared as plain strings,
// not ordered, so any difference counts as an update. It does no networking
// itself so it stays trivially testable; the CLI entrypoint is
// responsible for fetching latestVersion (SPEC_FULL.md §4 "daemon/":
// "self-update version check").
func CheckForUpdate(runningVersion, latestVersion string) bool {
	return runningVersion != "" && latestVersion != "" && runningVersion != latestVersion
}
