// Command happy-daemon controls the persistent Session Runtime daemon:
// start it, ask it to shut down, or query its status over the local
// control socket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/sessionrt/daemon"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: happy-daemon [start|stop|status|version] [flags]")
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	cfg := daemon.DefineFlags()
	_ = flag.CommandLine.Parse(os.Args[2:])

	var err error
	switch cmd {
	case "start":
		err = runStart(cfg)
	case "stop":
		err = runStop(cfg)
	case "status":
		err = runStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: happy-daemon [start|stop|status|version] [flags]\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runStart(cfg *daemon.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logging.PrintBanner("daemon", version, cfg.RelayURL)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.Run(ctx, cfg, version, hostname)
}

func runStop(cfg *daemon.Config) error {
	state, running := daemon.AlreadyRunning(cfg.StatePath())
	if !running {
		fmt.Println("daemon is not running")
		return nil
	}

	if _, err := callControlRPC(state, "daemonShutdown", map[string]any{}); err != nil {
		return err
	}
	fmt.Println("daemon shutdown requested")
	return nil
}

func runStatus(cfg *daemon.Config) error {
	state, running := daemon.AlreadyRunning(cfg.StatePath())
	if !running {
		fmt.Println("daemon is not running")
		return nil
	}

	resp, err := callControlRPC(state, "daemonStatus", map[string]any{})
	if err != nil {
		return err
	}
	fmt.Printf("pid=%d port=%d version=%v sessionCount=%v\n", state.PID, state.Port, resp["version"], resp["sessionCount"])
	return nil
}

func callControlRPC(state daemon.State, rpc string, body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/rpc/%s", state.Port, rpc)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+state.Token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", rpc, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", rpc, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %v", rpc, out["error"])
	}
	return out, nil
}
