package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestNewHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	tempDir := t.TempDir()
	knownHostsPath := filepath.Join(tempDir, "known_hosts")

	callback, err := NewHostKeyCallback(TrustConfig{Policy: PolicyTOFU, KnownHostsPath: knownHostsPath})
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	key1 := generateTestPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	if err := callback("example.com:22", addr, key1); err != nil {
		t.Fatalf("expected first key to be accepted, got %v", err)
	}

	if _, err := os.Stat(knownHostsPath); err != nil {
		t.Fatalf("expected known_hosts file to be created: %v", err)
	}

	callback, err = NewHostKeyCallback(TrustConfig{Policy: PolicyTOFU, KnownHostsPath: knownHostsPath})
	if err != nil {
		t.Fatalf("failed to recreate callback: %v", err)
	}

	if err := callback("example.com:22", addr, key1); err != nil {
		t.Fatalf("expected recorded key to be accepted, got %v", err)
	}

	key2 := generateTestPublicKey(t)
	if err := callback("example.com:22", addr, key2); err == nil {
		t.Fatalf("expected host key change to be rejected")
	}
}

func TestNewHostKeyCallbackStrictRejectsUnknown(t *testing.T) {
	tempDir := t.TempDir()
	knownHostsPath := filepath.Join(tempDir, "known_hosts")

	callback, err := NewHostKeyCallback(TrustConfig{Policy: PolicyStrict, KnownHostsPath: knownHostsPath})
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	key := generateTestPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}

	if err := callback("example.com:2222", addr, key); err == nil {
		t.Fatalf("expected unknown host key to be rejected")
	}
}

func TestNewHostKeyCallbackPinned(t *testing.T) {
	key := generateTestPublicKey(t)
	other := generateTestPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}

	// Fingerprints are accepted with or without the SHA256: prefix.
	bare := ssh.FingerprintSHA256(key)[len("SHA256:"):]
	callback, err := NewHostKeyCallback(TrustConfig{Policy: PolicyPinned, Fingerprints: []string{bare}})
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	if err := callback("droplet1:22", addr, key); err != nil {
		t.Fatalf("expected pinned key to be accepted, got %v", err)
	}
	if err := callback("droplet1:22", addr, other); err == nil {
		t.Fatalf("expected unpinned key to be rejected")
	}
}

func TestNewHostKeyCallbackConfigErrors(t *testing.T) {
	if _, err := NewHostKeyCallback(TrustConfig{Policy: PolicyPinned}); err == nil {
		t.Fatalf("expected pinned policy without fingerprints to fail")
	}
	if _, err := NewHostKeyCallback(TrustConfig{Policy: PolicyStrict}); err == nil {
		t.Fatalf("expected strict policy without known_hosts to fail")
	}
	if _, err := NewHostKeyCallback(TrustConfig{Policy: "always"}); err == nil {
		t.Fatalf("expected unknown policy to fail")
	}
}

func TestNewHostKeyCallbackInsecureAcceptsAnything(t *testing.T) {
	callback, err := NewHostKeyCallback(TrustConfig{Policy: PolicyInsecure})
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}
	if err := callback("sandbox01:22", nil, generateTestPublicKey(t)); err != nil {
		t.Fatalf("expected insecure policy to accept key, got %v", err)
	}
}

func generateTestPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pubKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to create public key: %v", err)
	}

	return pubKey
}
