package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// State is the daemon's on-disk descriptor: enough for a second CLI
// invocation to find the running daemon, authenticate to its control
// socket, and decide whether it needs replacing (SPEC_FULL.md §4
// "daemon/": "state file ({pid, port, token, version, startedAt}, atomic
// replace)").
type State struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	Token     string `json:"token"`
	Version   string `json:"version"`
	StartedAt string `json:"startedAt"` // RFC3339
}

// SaveState writes state to path atomically: write to a temp file in
// the same directory, then rename over the destination, the way
// Subscriptions persists lastSeq in syncclient/subscription.go.
func SaveState(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// LoadState reads the daemon state file. A missing file is not an
// error; it returns a zero State and ok=false.
func LoadState(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("unmarshal state file: %w", err)
	}
	return state, true, nil
}

// RemoveState deletes the state file, ignoring a missing file.
func RemoveState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// IsProcessAlive reports whether pid refers to a live process this
// user can signal. Used as the single-instance guard: a stale state
// file left behind by a crash points at a pid that is either gone or
// recycled to an unrelated process, either way safe to replace.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually signaling the process.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
