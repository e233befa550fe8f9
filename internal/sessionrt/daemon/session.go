package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	agent "github.com/happy-coder/happy/internal/sessionrt/child"
	"github.com/happy-coder/happy/internal/sessionrt/controlmode"
	"github.com/happy-coder/happy/internal/sessionrt/hookserver"
	"github.com/happy-coder/happy/internal/sessionrt/offline"
	"github.com/happy-coder/happy/internal/sessionrt/permission"
	"github.com/happy-coder/happy/internal/sessionrt/pump"
	filebrowser "github.com/happy-coder/happy/internal/sessionrt/toolserver"
	"github.com/happy-coder/happy/internal/syncclient"
	"github.com/happy-coder/happy/internal/wire"
)

// sessionRuntime is everything handleSpawnSession stands up for one
// session beyond the assistant child itself (spec §4.3 "Session start
// sequence", steps 2-7): its session-scoped Sync Client, auxiliary
// tool/hook HTTP servers, message pump, and permission/control-mode
// trackers.
type sessionRuntime struct {
	sessionID  string
	flavor     agent.Flavor
	workingDir string

	syncClient *syncclient.Client

	toolListener net.Listener
	toolHTTP     *http.Server

	hookListener net.Listener
	hookHTTP     *http.Server

	pumpQueue   *pump.Queue
	permTracker *permission.Tracker
	modeTracker *controlmode.Tracker

	fingerprint pump.Fingerprint

	cancel context.CancelFunc
}

// enqueueInput pushes locally- or remotely-supplied content onto the
// session's message pump under its current mode fingerprint (spec
// §4.3 "Message pump").
func (rt *sessionRuntime) enqueueInput(content string) {
	rt.pumpQueue.Enqueue(pump.Message{Content: content, Fingerprint: rt.fingerprint})
}

// Close tears down every resource startSession opened, in addition to
// stopping the assistant child itself (done separately by the caller
// via agent.Manager, since the runtime doesn't hold a reference to the
// Agent).
func (rt *sessionRuntime) Close() {
	rt.cancel()
	if rt.toolHTTP != nil {
		_ = rt.toolHTTP.Close()
	}
	if rt.hookHTTP != nil {
		_ = rt.hookHTTP.Close()
	}
}

// sessionBody is the Session entity's body (spec §6): static metadata
// set at spawn time plus the mutable fields controlmode/heartbeat-style
// updates patch in place.
type sessionBody struct {
	Flavor           string `json:"flavor"`
	WorkingDir       string `json:"workingDir"`
	Model            string `json:"model"`
	PermissionMode   string `json:"permissionMode"`
	ControlledByUser bool   `json:"controlledByUser"`
}

// startSession carries out spec §4.3's session-start sequence, steps
// 2-7. Step 1 (the account-scoped Sync Client) already ran at daemon
// start; startSession reuses its credentials to register and connect
// to this session's own scope.
func (s *ControlServer) startSession(ctx context.Context, req spawnSessionRequest) (*sessionRuntime, string, error) {
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	flavor := agent.Flavor(req.Flavor)

	sessionCtx, cancel := context.WithCancel(ctx)
	rt := &sessionRuntime{
		sessionID:   req.SessionID,
		flavor:      flavor,
		workingDir:  workingDir,
		pumpQueue:   pump.NewQueue(),
		permTracker: permission.NewTracker(),
		cancel:      cancel,
		fingerprint: pump.Fingerprint{PermissionMode: req.PermissionMode, Model: req.Model},
	}
	rt.permTracker.AutoApprovePlan = req.PermissionMode == "plan"

	// Steps 2-3: Session entity + session-scoped Sync Client. Best
	// effort: a relay that's unreachable here just means this session
	// runs without sync, same as the account-scoped client's own
	// reconnect-with-backoff handles a relay that drops out mid-session.
	if s.SyncClient != nil && s.MachineID != "" {
		body, err := json.Marshal(sessionBody{
			Flavor: req.Flavor, WorkingDir: workingDir, Model: req.Model,
			PermissionMode: req.PermissionMode, ControlledByUser: false,
		})
		if err != nil {
			cancel()
			return nil, "", fmt.Errorf("marshal session body: %w", err)
		}

		remoteID, err := RegisterSession(sessionCtx, s.RelayURL, s.AuthToken, s.MachineID, req.SessionID, body)
		if err != nil {
			slog.Warn("register session with relay, continuing offline", "session_id", req.SessionID, "error", err)
		} else {
			rt.syncClient = NewSessionSyncClient(s.RelayURL, s.AuthToken, remoteID, s.MasterSecret, s.DataDir)
			go rt.syncClient.Run(sessionCtx)
			rt.modeTracker = controlmode.New(rt.syncClient, remoteID, controlmode.ModeLocal)

			// The relay accepted the registration but the socket itself
			// may not come up within the startup grace (spec §4.3: "Relay
			// unreachable at start: offline mode"). Rather than block the
			// assistant child on that handshake, start it right away and
			// let offline.Manager read the assistant's session file once
			// the socket actually connects. OnReconnect below only logs
			// the seed's size; no fresh session is created or seeded.
			if offline.StartedOffline(sessionCtx, rt.syncClient, offline.DefaultStartupGrace) {
				slog.Warn("session starting offline, relay socket not yet connected", "session_id", req.SessionID)
				offlineMgr := &offline.Manager{
					Client:     rt.syncClient,
					LocateFile: locateAssistantSessionFile,
					WorkingDir: workingDir,
					Flavor:     req.Flavor,
					OnReconnect: func(seed offline.SessionSeed) {
						slog.Info("session reconnected to relay", "session_id", req.SessionID, "seed_bytes", len(seed.Transcript))
					},
				}
				go offlineMgr.Run(sessionCtx)
			}
		}
	}

	// Step 4: auxiliary tool/hook HTTP servers, loopback-only like the
	// control socket itself.
	toolLn, _, err := Listen()
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("listen toolserver: %w", err)
	}
	toolSrv := filebrowser.New(workingDir)
	rt.toolListener = toolLn
	rt.toolHTTP = &http.Server{Handler: toolSrv}
	go func() { _ = rt.toolHTTP.Serve(toolLn) }()

	hookLn, hookPort, err := Listen()
	if err != nil {
		rt.Close()
		return nil, "", fmt.Errorf("listen hookserver: %w", err)
	}
	hookSrv := hookserver.New(req.SessionID, func(ev hookserver.SessionIDRotated) {
		slog.Info("assistant rotated session id", "session_id", ev.AgentID, "old", ev.OldSessionID, "new", ev.NewSessionID)
	})
	rt.hookListener = hookLn
	rt.hookHTTP = &http.Server{Handler: hookSrv}
	go func() { _ = rt.hookHTTP.Serve(hookLn) }()

	// Step 5: hook-settings file, so the assistant child knows where to
	// post its lifecycle hooks.
	if err := writeHookSettings(workingDir, hookPort); err != nil {
		slog.Warn("write hook settings", "session_id", req.SessionID, "error", err)
	}

	// Step 6: spawn the assistant child itself.
	opts := agent.Options{
		AgentID:             req.SessionID,
		Flavor:              flavor,
		Model:               req.Model,
		Effort:              req.Effort,
		WorkingDir:          workingDir,
		PermissionMode:      req.PermissionMode,
		OnPermissionRequest: s.onPermissionRequest(sessionCtx, rt),
	}
	mode, err := s.agents.StartAgent(ctx, opts, s.onAgentOutput(rt))
	if err != nil {
		rt.Close()
		return nil, "", err
	}

	// Step 7: the message-pump consumer loop, driving the assistant
	// child from whatever lands in rt.pumpQueue (local terminal input
	// routed through sendSessionInput, or remote input once a real
	// Sync Client RPC feeds the pump — see SPEC_FULL.md §4 "pump/").
	go s.runPump(sessionCtx, rt)

	return rt, mode, nil
}

// onAgentOutput returns the OutputHandler StartAgent drives for every
// NDJSON line the assistant child prints. It republishes the line into
// the session's own body so a subscribed phone/web client observes
// live output (spec §1: "so ... any phone/web client can ... observe a
// running session").
func (s *ControlServer) onAgentOutput(rt *sessionRuntime) agent.OutputHandler {
	return func(line []byte) {
		if rt.syncClient == nil {
			return
		}
		ref := wire.EntityRef{Kind: rt.syncClient.ScopeRef.Kind, ID: rt.syncClient.ScopeRef.ID}
		err := rt.syncClient.Mutate(context.Background(), ref, func(current []byte) ([]byte, error) {
			return mergeLastOutputLine(current, line)
		})
		if err != nil && err != syncclient.ErrQueuedOffline {
			slog.Warn("publish session output", "session_id", rt.sessionID, "error", err)
		}
	}
}

// onPermissionRequest returns the callback Agent invokes for every
// inbound can_use_tool control_request (spec §4.3 "Permission-request
// flow"). It blocks in its own goroutine on permTracker.Await until a
// processPermissionRequest RPC (or the auto-approve-plan shortcut, or
// the default-deny timeout) resolves it, then answers the assistant
// child directly.
func (s *ControlServer) onPermissionRequest(ctx context.Context, rt *sessionRuntime) func(req permission.Request) {
	return func(req permission.Request) {
		go func() {
			resp, err := rt.permTracker.Await(ctx, req)
			if err != nil {
				return
			}
			if err := s.agents.RespondPermission(rt.sessionID, resp); err != nil {
				slog.Warn("respond to permission request", "session_id", rt.sessionID, "request_id", req.RequestID, "error", err)
			}
		}()
	}
}

// runPump drives the assistant child from rt.pumpQueue: `$`/`!`-prefixed
// content short-circuits to a local shell instead of the assistant
// (spec §4.3 "Message pump"); everything else is forwarded as-is.
func (s *ControlServer) runPump(ctx context.Context, rt *sessionRuntime) {
	for {
		batch, ok := rt.pumpQueue.Next(ctx)
		if !ok {
			return
		}
		for _, content := range batch.Contents {
			if command, isShell := pump.IsShellEscape(content); isShell {
				result := pump.RunShellEscape(ctx, command, rt.workingDir, pump.DefaultShellTimeout)
				slog.Info("pump shell escape", "session_id", rt.sessionID, "command", result.Command, "exit_code", result.ExitCode, "timed_out", result.TimedOut)
				continue
			}
			if err := s.agents.SendInput(rt.sessionID, content); err != nil {
				slog.Warn("pump deliver input", "session_id", rt.sessionID, "error", err)
			}
		}
	}
}

// locateAssistantSessionFile resolves Claude Code's own on-disk
// transcript for workingDir: ~/.claude/projects/<sanitized-workdir>/,
// newest *.jsonl file. Other flavors have no equivalent known location
// yet, so offline.Manager just skips the reseed read for them.
func locateAssistantSessionFile(workingDir, flavor string) (string, error) {
	if agent.Flavor(flavor) != agent.FlavorClaude {
		return "", nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("resolve working dir: %w", err)
	}
	sanitized := strings.ReplaceAll(abs, string(filepath.Separator), "-")
	projectDir := filepath.Join(home, ".claude", "projects", sanitized)

	entries, err := os.ReadDir(projectDir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", projectDir, err)
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().Unix(); newest == "" || mod > newestMod {
			newest = entry.Name()
			newestMod = mod
		}
	}
	if newest == "" {
		return "", nil
	}
	return filepath.Join(projectDir, newest), nil
}

// mergeLastOutputLine patches the session body's lastOutputLine field
// without disturbing the rest of the (opaque, single-blob) body.
func mergeLastOutputLine(current []byte, line []byte) ([]byte, error) {
	var body map[string]any
	if len(current) > 0 {
		if err := json.Unmarshal(current, &body); err != nil {
			return nil, fmt.Errorf("unmarshal session body: %w", err)
		}
	} else {
		body = make(map[string]any)
	}
	body["lastOutputLine"] = json.RawMessage(line)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal session body: %w", err)
	}
	return data, nil
}
