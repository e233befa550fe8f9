// Package offline implements the CLI-only offline-start fallback: when
// the relay can't be reached at session start, the assistant child
// still runs locally while a background loop waits to reconnect; once
// it does, the assistant's own on-disk conversation file is located,
// read into a SessionSeed and handed to Manager.OnReconnect. The package
// itself creates no relay session and publishes nothing from the seed.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/happy-coder/happy/internal/syncclient"
)

// DefaultStartupGrace is how long StartedOffline waits for an initial
// connection before concluding the session must begin in offline mode
// (spec §4.3: "Relay unreachable at start: offline mode").
const DefaultStartupGrace = 3 * time.Second

// DefaultPollInterval is how often Run checks connectivity while
// waiting to reconnect.
const DefaultPollInterval = 500 * time.Millisecond

// SessionSeed is the state recovered from the assistant's own on-disk
// session file, handed to Manager.OnReconnect once the client connects.
type SessionSeed struct {
	AssistantSessionID string
	Transcript         []byte
}

// SessionFileLocator resolves the path to an assistant's own on-disk
// session/transcript file, given its working directory and flavor.
// Its exact shape is assistant-internal and out of scope (spec §1:
// assistant child processes are "opaque subprocesses"); callers supply
// one per flavor.
type SessionFileLocator func(workingDir, flavor string) (string, error)

// Manager coordinates the offline-start / reconnect-and-reseed
// sequence for one session.
type Manager struct {
	Client       *syncclient.Client
	LocateFile   SessionFileLocator
	WorkingDir   string
	Flavor       string
	PollInterval time.Duration

	// OnReconnect is invoked once, the first time the client becomes
	// connected, with the seed recovered from disk (possibly zero-value
	// if no file existed yet, e.g. the assistant never produced output
	// before the relay came back). The caller is expected to create a
	// fresh session and import the seed.
	OnReconnect func(seed SessionSeed)
}

// StartedOffline reports whether the session should begin in offline
// mode: it waits up to grace for the client to become connected, and
// if it never does, reports true so the caller can spawn the assistant
// child immediately rather than block on the relay.
func StartedOffline(ctx context.Context, client *syncclient.Client, grace time.Duration) bool {
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if client.IsConnected() {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(10 * time.Millisecond):
		}
	}
	return !client.IsConnected()
}

// Run blocks, polling for connectivity, until the client connects or
// ctx is cancelled. On first connection it reads the assistant's
// on-disk session file (if LocateFile/WorkingDir/Flavor are set) and
// invokes OnReconnect with the recovered seed, then returns.
func (m *Manager) Run(ctx context.Context) {
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if m.Client.IsConnected() {
			m.reseed()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) reseed() {
	seed, err := m.readSeed()
	if err != nil {
		slog.Warn("offline: could not read assistant session file for reseed", "error", err)
	}
	if m.OnReconnect != nil {
		m.OnReconnect(seed)
	}
}

func (m *Manager) readSeed() (SessionSeed, error) {
	if m.LocateFile == nil {
		return SessionSeed{}, nil
	}
	path, err := m.LocateFile(m.WorkingDir, m.Flavor)
	if err != nil {
		return SessionSeed{}, fmt.Errorf("locate session file: %w", err)
	}
	if path == "" {
		return SessionSeed{}, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SessionSeed{}, nil
	}
	if err != nil {
		return SessionSeed{}, fmt.Errorf("read session file: %w", err)
	}

	return SessionSeed{Transcript: data}, nil
}
