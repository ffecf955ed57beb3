package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/hostbackup/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy selects how unknown or changed host keys are treated
type HostKeyPolicy string

const (
	// PolicyTOFU records the first key seen in known_hosts and rejects changes
	PolicyTOFU HostKeyPolicy = "tofu"
	// PolicyStrict accepts only keys already present in known_hosts
	PolicyStrict HostKeyPolicy = "strict"
	// PolicyPinned accepts only the configured SHA256 fingerprints
	PolicyPinned HostKeyPolicy = "pinned"
	// PolicyInsecure accepts any key and logs a warning on every connection
	PolicyInsecure HostKeyPolicy = "insecure"
)

// TrustConfig is the host key trust policy for one connection
type TrustConfig struct {
	Policy         HostKeyPolicy
	KnownHostsPath string
	Fingerprints   []string
}

// NewHostKeyCallback builds the host key callback for the configured policy.
func NewHostKeyCallback(trust TrustConfig) (ssh.HostKeyCallback, error) {
	switch trust.Policy {
	case PolicyInsecure:
		return insecureCallback(), nil
	case PolicyPinned:
		return pinnedCallback(trust.Fingerprints)
	case PolicyTOFU, "":
		return knownHostsCallback(trust.KnownHostsPath, true)
	case PolicyStrict:
		return knownHostsCallback(trust.KnownHostsPath, false)
	default:
		return nil, fmt.Errorf("unsupported host key policy: %s", trust.Policy)
	}
}

func insecureCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		logging.L().Warn("ssh_host_key_unverified",
			"host", hostname,
			"fingerprint", ssh.FingerprintSHA256(key),
		)
		return nil
	}
}

func pinnedCallback(fingerprints []string) (ssh.HostKeyCallback, error) {
	allowed := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		normalized := normalizeFingerprint(fp)
		if normalized == "" {
			continue
		}
		allowed[normalized] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("pinned host key policy requires at least one fingerprint")
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if _, ok := allowed[fingerprint]; ok {
			return nil
		}
		logging.L().Warn("ssh_host_key_not_pinned",
			"host", hostname,
			"fingerprint", fingerprint,
		)
		return fmt.Errorf("SSH host key for %s does not match a pinned fingerprint", hostname)
	}, nil
}

func normalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return ""
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		fp = "SHA256:" + fp
	}
	return fp
}

func knownHostsCallback(knownHostsPath string, trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(knownHostsPath) == "" {
		return nil, fmt.Errorf("known_hosts path is required for host key verification")
	}

	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, err
	}

	baseCallback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := baseCallback(hostname, remote, key)
		if err == nil {
			return nil
		}

		keyErr, ok := err.(*knownhosts.KeyError)
		if !ok {
			return err
		}

		if len(keyErr.Want) == 0 {
			if !trustOnFirstUse {
				return fmt.Errorf("unknown SSH host key for %s", hostname)
			}

			if err := appendKnownHost(knownHostsPath, hostname, remote, key); err != nil {
				return err
			}

			logging.L().Info("ssh_host_key_accepted",
				"host", hostname,
				"fingerprint", ssh.FingerprintSHA256(key),
			)
			return nil
		}

		logging.L().Warn("ssh_host_key_changed",
			"host", hostname,
			"fingerprint", ssh.FingerprintSHA256(key),
		)
		return fmt.Errorf("SSH host key changed for %s", hostname)
	}, nil
}

func ensureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	return file.Close()
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	hosts := buildKnownHostsEntries(hostname, remote)
	line := knownhosts.Line(hosts, key)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write known_hosts entry: %w", err)
	}
	return nil
}

// buildKnownHostsEntries returns the normalized host patterns for a known_hosts line.
func buildKnownHostsEntries(hostname string, remote net.Addr) []string {
	var entries []string
	if hostname != "" {
		entries = append(entries, knownhosts.Normalize(hostname))
	}

	if remote != nil {
		address := knownhosts.Normalize(remote.String())
		if len(entries) == 0 || address != entries[0] {
			entries = append(entries, address)
		}
	}

	return entries
}
