// Package daemon implements the persistent CLI background process:
// its local control socket, on-disk state file, single-instance guard,
// and the heartbeat that keeps Machine metadata fresh on the relay
// (SPEC_FULL.md §4 "daemon/").
package daemon

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	RelayURL string `json:"relay_url"` // Relay server URL (e.g. "wss://relay.happycoder.dev")
	DataDir  string `json:"data_dir"`  // Directory for persistent state
}

// DefineFlags registers command-line flags for daemon configuration.
// Call flag.Parse() separately after defining all flags.
func DefineFlags() *Config {
	c := &Config{}
	flag.StringVar(&c.RelayURL, "relay", defaultRelayURL(), "Relay server URL")
	flag.StringVar(&c.DataDir, "data-dir", defaultDataDir(), "data directory")
	return c
}

// Validate checks the configuration and ensures required directories exist.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("relay URL is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultRelayURL() string {
	if v := os.Getenv("HAPPY_SERVER_URL"); v != "" {
		return v
	}
	return "wss://relay.happycoder.dev"
}

func defaultDataDir() string {
	if v := os.Getenv("HAPPY_HOME_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "happy")
	}
	return filepath.Join(home, ".config", "happy")
}

// StatePath returns the path to the daemon state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "daemon.json")
}
