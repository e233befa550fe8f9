// Package account resolves the CLI's account credentials: the bearer
// token and E2E master secret a Sync Client needs to open an
// account-scoped connection to the Relay Core (spec §6 "Persisted
// state (client side): Encrypted
// credentials file, mode 0600, account identifier + wrapped master
// key"). Provisioning a new account (signup/onboarding) is explicitly
// out of scope for the core (spec §1: "Authentication onboarding
// flows ... use the core but aren't part of it") — this package only
// loads credentials that already exist on disk.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"crypto/rand"

	"github.com/happy-coder/happy/internal/wire"
)

const (
	credentialsFileName = "credentials.json"
	wrapKeyFileName     = "credentials.wrapkey"
	wrapKeyPurpose      = "credentials-wrap"
)

// Credentials is everything a Sync Client needs to connect as an
// account: the bearer token the relay's Authenticator resolves to a
// Principal, and the master secret E2E-encrypted bodies are sealed
// under (spec §6 "Encryption envelope").
type Credentials struct {
	AccountID    string
	AuthToken    string
	MasterSecret []byte
}

// onDisk is the JSON shape of credentials.json. Only MasterSecret is
// encrypted at rest; AuthToken is a bearer credential already protected
// by the file's 0600 mode, the same trust boundary the daemon state
// file and pairing hash rely on.
type onDisk struct {
	AccountID           string `json:"accountId"`
	AuthToken           string `json:"authToken"`
	WrappedMasterSecret []byte `json:"wrappedMasterSecret"`
}

// Load resolves this machine's account credentials from
// <dataDir>/credentials.json, or reports ok=false if no account has
// ever been paired on this machine. HAPPY_MASTER_SECRET overrides the
// unwrapped master secret for test environments (spec §6 "CLI
// surface"), letting compatibility tests exercise the E2E envelope
// without provisioning a real credentials file.
func Load(dataDir string) (*Credentials, bool, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, credentialsFileName))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read credentials file: %w", err)
	}

	var rec onDisk
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode credentials file: %w", err)
	}

	wrapKey, err := loadWrapKey(dataDir)
	if err != nil {
		return nil, false, err
	}

	masterSecret, err := wire.Open(wrapKey, rec.WrappedMasterSecret)
	if err != nil {
		return nil, false, fmt.Errorf("unwrap master secret: %w", err)
	}

	if override := os.Getenv("HAPPY_MASTER_SECRET"); override != "" {
		masterSecret = []byte(override)
	}

	return &Credentials{AccountID: rec.AccountID, AuthToken: rec.AuthToken, MasterSecret: masterSecret}, true, nil
}

// Save wraps creds.MasterSecret under a machine-local wrap key
// (generated on first use and never transmitted anywhere) and
// atomically writes the credentials file with mode 0600, the same
// write-temp-then-rename pattern as the daemon state file.
func Save(dataDir string, creds *Credentials) error {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	wrapKey, err := loadOrCreateWrapKey(dataDir)
	if err != nil {
		return err
	}

	wrapped, err := wire.Seal(wrapKey, creds.MasterSecret)
	if err != nil {
		return fmt.Errorf("wrap master secret: %w", err)
	}

	data, err := json.Marshal(onDisk{
		AccountID:           creds.AccountID,
		AuthToken:           creds.AuthToken,
		WrappedMasterSecret: wrapped,
	})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	path := filepath.Join(dataDir, credentialsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func loadWrapKey(dataDir string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, wrapKeyFileName))
	if err != nil {
		return nil, fmt.Errorf("read wrap key: %w", err)
	}
	return wire.DeriveKey(raw, wrapKeyPurpose)
}

func loadOrCreateWrapKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, wrapKeyFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		return wire.DeriveKey(raw, wrapKeyPurpose)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read wrap key: %w", err)
	}

	raw = make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate wrap key: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write wrap key: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("install wrap key: %w", err)
	}
	return wire.DeriveKey(raw, wrapKeyPurpose)
}
