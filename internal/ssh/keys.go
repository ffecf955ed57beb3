package ssh

import (
	"fmt"
	"os"

	"github.com/yourusername/hostbackup/internal/config"
	crypto "github.com/yourusername/hostbackup/internal/crypto"
	"golang.org/x/crypto/ssh"
)

// ReadPrivateKeyBytes reads a private key file and decrypts it if it uses ENC1 encoding.
func ReadPrivateKeyBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	if !crypto.IsEnvelope(data) {
		return data, nil
	}

	manager, err := crypto.NewEncryptionManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption manager: %w", err)
	}

	plaintext, err := manager.OpenEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	return plaintext, nil
}

// LoadSigner reads and parses a private key for public key authentication.
func LoadSigner(path string) (ssh.Signer, error) {
	key, err := ReadPrivateKeyBytes(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return signer, nil
}
