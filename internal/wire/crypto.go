package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/hkdf"
	"crypto/sha256"
)

// SchemeAESGCM is the only envelope scheme required for compatibility
// (spec §6): AES-256-GCM with a 96-bit nonce.
const SchemeAESGCM byte = 1

const nonceSize = 12

// Envelope encoder/decoder, safe for concurrent use. Compresses
// plaintext content before sealing each envelope.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("wire: init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("wire: init zstd decoder: %v", err))
	}
}

// DeriveKey derives a 32-byte AES-256 key for a given purpose from an
// account's master secret using HKDF-SHA256. Distinct purposes (e.g.
// "update-body", "message-body") yield independent keys so that
// compromising one derived key does not expose the others.
func DeriveKey(masterSecret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Seal compresses plaintext and encrypts it into the wire envelope format:
// version-byte || nonce || ciphertext. The relay never calls this — only
// account-holding endpoints (CLI, app) do.
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(plaintext, make([]byte, 0, len(plaintext)/2))

	out := make([]byte, 0, 1+nonceSize+len(compressed)+gcm.Overhead())
	out = append(out, SchemeAESGCM)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, compressed, nil)
	return out, nil
}

// Open decrypts and decompresses a wire-envelope body produced by Seal.
func Open(key []byte, body []byte) ([]byte, error) {
	if len(body) < 1+nonceSize {
		return nil, fmt.Errorf("open: body too short")
	}
	scheme := body[0]
	if scheme != SchemeAESGCM {
		return nil, fmt.Errorf("open: unsupported scheme byte %d", scheme)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := body[1 : 1+nonceSize]
	ciphertext := body[1+nonceSize:]

	compressed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}

	plaintext, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return plaintext, nil
}
