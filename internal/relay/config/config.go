// Package config loads the relay's runtime configuration from defaults,
// an optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped (and the remainder lower-cased/dot-split) from
// environment variables when layering config, e.g. HAPPY_RELAY_ADDR
// becomes the "addr" key.
const envPrefix = "HAPPY_RELAY_"

// Config holds the relay's runtime configuration.
type Config struct {
	Addr               string        `koanf:"addr"`                 // listen address, e.g. ":4327"
	DataDir            string        `koanf:"data_dir"`             // directory for the sqlite database
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`    // expected machine heartbeat cadence
	HeartbeatTimeout   time.Duration `koanf:"heartbeat_timeout"`     // time without a heartbeat before offline
	RPCDefaultTimeout  time.Duration `koanf:"rpc_default_timeout"`   // default rpc-call deadline
	RetentionMaxSeq    int           `koanf:"retention_max_updates"` // per-account updates retained before pruning
	MaxOutboundBuffer  int           `koanf:"max_outbound_buffer"`   // per-connection backpressure cutoff
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                  ":4327",
		"data_dir":              defaultDataDir(),
		"heartbeat_interval":    "15s",
		"heartbeat_timeout":     "45s",
		"rpc_default_timeout":   "30s",
		"retention_max_updates": 10000,
		"max_outbound_buffer":   4096,
	}
}

// Load builds a Config by layering, in increasing priority: built-in
// defaults, an optional YAML file at path (skipped if it doesn't
// exist), and HAPPY_RELAY_*-prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "happy", "relay")
	}
	return filepath.Join(home, ".config", "happy", "relay")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}
