// Command happy is the CLI entrypoint a user runs to start or attach
// to an assistant session: `happy [flavor] [--model] [--permission-mode]`.
// It dispatches to an already-running daemon over the local control
// socket, starting one first if none is found (SPEC_FULL.md §5
// "cmd/happy").
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/sessionrt/daemon"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("happy", flag.ExitOnError)
	model := fs.String("model", "", "model to use")
	effort := fs.String("effort", "", "reasoning effort (low, medium, high)")
	permissionMode := fs.String("permission-mode", "default", "permission mode (default, acceptEdits, plan, bypassPermissions)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(trimFlavorArg(os.Args[1:]))

	if *showVersion {
		fmt.Println(version)
		return
	}

	flavor := "claude"
	if len(os.Args) > 1 && os.Args[1] != "" && os.Args[1][0] != '-' {
		flavor = os.Args[1]
	}

	if err := run(flavor, *model, *effort, *permissionMode); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// trimFlavorArg drops a leading positional flavor argument so the flag
// package doesn't choke on it (e.g. `happy codex --model o1`).
func trimFlavorArg(args []string) []string {
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		return args[1:]
	}
	return args
}

func run(flavor, model, effort, permissionMode string) error {
	// daemon.DefineFlags populates Config with its defaults (HAPPY_HOME_DIR
	// etc.) immediately; `happy` never parses daemon flags itself, it
	// only needs the default state-file location to find a running daemon.
	cfg := daemon.DefineFlags()

	state, running := daemon.AlreadyRunning(cfg.StatePath())
	if !running {
		if err := spawnDaemon(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		var err error
		state, err = waitForDaemon(cfg.StatePath(), 10*time.Second)
		if err != nil {
			return err
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	resp, err := spawnSession(state, spawnSessionRequest{
		SessionID:      fmt.Sprintf("local-%d", time.Now().UnixNano()),
		Flavor:         flavor,
		Model:          model,
		Effort:         effort,
		WorkingDir:     wd,
		PermissionMode: permissionMode,
	})
	if err != nil {
		return err
	}

	fmt.Printf("session started: %v (permission mode: %v)\n", resp["sessionId"], resp["permissionMode"])
	return nil
}

// spawnDaemon launches `happy-daemon start` as a detached background
// process, the way a user would otherwise run it themselves.
func spawnDaemon() error {
	exePath, err := exec.LookPath("happy-daemon")
	if err != nil {
		return fmt.Errorf("happy-daemon not found in PATH: %w", err)
	}
	cmd := exec.Command(exePath, "start")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}

func waitForDaemon(statePath string, timeout time.Duration) (daemon.State, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state, ok := daemon.AlreadyRunning(statePath); ok {
			return state, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return daemon.State{}, fmt.Errorf("daemon did not start within %s", timeout)
}

type spawnSessionRequest struct {
	SessionID      string `json:"sessionId"`
	Flavor         string `json:"flavor"`
	Model          string `json:"model"`
	Effort         string `json:"effort"`
	WorkingDir     string `json:"workingDir"`
	PermissionMode string `json:"permissionMode"`
}

func spawnSession(state daemon.State, req spawnSessionRequest) (map[string]any, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/rpc/spawnSession", state.Port)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+state.Token)
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("spawnSession: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode spawnSession response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spawnSession: %v", out["error"])
	}
	return out, nil
}
