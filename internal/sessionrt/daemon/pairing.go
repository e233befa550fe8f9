package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
)

const pairingHashFile = "pairing.hash"

// HashPairingToken bcrypt-hashes the daemon's control-socket token so the
// value persisted to disk for phone-pairing verification isn't the raw
// secret, the same way the account Login flow never stores a plaintext
// password.
func HashPairingToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pairing token: %w", err)
	}
	return string(hash), nil
}

// VerifyPairingToken reports whether candidate matches the bcrypt hash
// produced by HashPairingToken.
func VerifyPairingToken(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}

// SavePairingHash writes the bcrypt hash of token to dataDir, atomically
// replacing any previous hash left by an earlier daemon run.
func SavePairingHash(dataDir, token string) error {
	hash, err := HashPairingToken(token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, pairingHashFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(hash), 0o600); err != nil {
		return fmt.Errorf("write pairing hash: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// LoadPairingHash reads the bcrypt hash saved by SavePairingHash, or
// ("", false) if the daemon has never paired.
func LoadPairingHash(dataDir string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pairingHashFile))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read pairing hash: %w", err)
	}
	return string(data), true, nil
}

// PairingURL builds the URL a phone scans to pair with this machine: the
// relay's pairing endpoint carrying the one-time control-socket token.
func PairingURL(relayURL, token string) string {
	return fmt.Sprintf("%s/pair?token=%s", relayURL, token)
}
