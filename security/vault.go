package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

const (
	vaultKeySize  = 32
	vaultPrefix   = "v1:"
	fallbackSeed  = "calsync-insecure-development-key"
	selfTestValue = "calsync vault self-test ✓"
)

// ErrCorruptCredential is returned when a stored credential cannot be decrypted.
// It is never retried with the same ciphertext.
var ErrCorruptCredential = errors.New("credential vault: corrupt credential")

// InsecureKeyWarning is logged once when the vault runs on the derived fallback key.
const InsecureKeyWarning = "credential vault is using a derived fallback key; not safe for production"

// Vault encrypts OAuth tokens before they reach storage. Ciphertexts are
// "v1:" + base64(nonce || AES-256-GCM sealed box).
type Vault struct {
	aead     cipher.AEAD
	insecure bool
}

// NewVault builds a vault from a base64 or hex encoded 32 byte key. An empty key
// selects a deterministic fallback key and logs InsecureKeyWarning.
func NewVault(key string, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		raw      []byte
		insecure bool
	)
	key = strings.TrimSpace(key)
	if key == "" {
		sum := sha256.Sum256([]byte(fallbackSeed))
		raw = sum[:]
		insecure = true
		logger.Warn(InsecureKeyWarning)
	} else {
		decoded, err := decodeKey(key)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("credential vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential vault: %w", err)
	}
	return &Vault{aead: aead, insecure: insecure}, nil
}

func decodeKey(key string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == vaultKeySize {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(key); err == nil && len(b) == vaultKeySize {
		return b, nil
	}
	if b, err := hex.DecodeString(key); err == nil && len(b) == vaultKeySize {
		return b, nil
	}
	return nil, fmt.Errorf("credential vault: key must be %d bytes encoded as base64 or hex", vaultKeySize)
}

// Insecure reports whether the vault is running on the fallback key.
func (v *Vault) Insecure() bool { return v.insecure }

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credential vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return vaultPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any malformed input or failed
// authentication yields an error wrapping ErrCorruptCredential.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, vaultPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrCorruptCredential)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrCorruptCredential)
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCorruptCredential)
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCorruptCredential)
	}
	return string(plaintext), nil
}

// SelfTest round-trips a known value. It backs the startup health check.
func (v *Vault) SelfTest() error {
	sealed, err := v.Encrypt(selfTestValue)
	if err != nil {
		return err
	}
	opened, err := v.Decrypt(sealed)
	if err != nil {
		return err
	}
	if opened != selfTestValue {
		return fmt.Errorf("credential vault: self-test round trip mismatch")
	}
	return nil
}

// GenerateKey returns a fresh random key in the base64 form NewVault accepts.
func GenerateKey() (string, error) {
	key := make([]byte, vaultKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("credential vault: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
