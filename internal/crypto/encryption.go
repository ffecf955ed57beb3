package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// KeyEnv names the environment variable holding the base64 master key
	KeyEnv = "HOSTBACKUP_ENCRYPTION_KEY"

	// EnvelopeHeader prefixes files sealed by SealEnvelope
	EnvelopeHeader = "ENC1\n"
)

// ErrNoKey is returned when the master key is not configured.
var ErrNoKey = errors.New(KeyEnv + " is not set")

// EncryptionManager handles AES-256-GCM sealing of private key files
type EncryptionManager struct {
	key []byte
}

// NewEncryptionManager creates a manager from the key in the environment
func NewEncryptionManager() (*EncryptionManager, error) {
	keyStr := strings.TrimSpace(os.Getenv(KeyEnv))
	if keyStr == "" {
		return nil, ErrNoKey
	}

	decoded, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format (must be base64): %w", KeyEnv, err)
	}

	return NewEncryptionManagerWithKey(decoded), nil
}

// NewEncryptionManagerWithKey derives an AES-256 key from raw when it is not 32 bytes long.
func NewEncryptionManagerWithKey(raw []byte) *EncryptionManager {
	key := raw
	if len(key) != 32 {
		hash := sha256.Sum256(raw)
		key = hash[:]
	}
	return &EncryptionManager{key: key}
}

// Encrypt seals plaintext; the nonce is prepended to the ciphertext.
func (em *EncryptionManager) Encrypt(plaintext []byte) ([]byte, error) {
	aesGCM, err := em.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt
func (em *EncryptionManager) Decrypt(ciphertext []byte) ([]byte, error) {
	aesGCM, err := em.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// SealEnvelope encrypts data and wraps it as an ENC1 text envelope.
func (em *EncryptionManager) SealEnvelope(data []byte) ([]byte, error) {
	ciphertext, err := em.Encrypt(data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(EnvelopeHeader)
	buf.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// OpenEnvelope decrypts an ENC1 envelope.
func (em *EncryptionManager) OpenEnvelope(data []byte) ([]byte, error) {
	if !IsEnvelope(data) {
		return nil, fmt.Errorf("data is not an %q envelope", strings.TrimSpace(EnvelopeHeader))
	}

	payload := strings.TrimSpace(string(data[len(EnvelopeHeader):]))
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	return em.Decrypt(decoded)
}

// IsEnvelope reports whether data starts with the ENC1 header
func IsEnvelope(data []byte) bool {
	return bytes.HasPrefix(data, []byte(EnvelopeHeader))
}

func (em *EncryptionManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(em.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
