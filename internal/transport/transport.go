// Package transport copies remote paths to the local filesystem over the
// mechanism a host profile selects: SFTP, rsync over ssh, or gh codespace cp.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/logging"
	"github.com/yourusername/hostbackup/internal/ssh"
)

// Failure classes carried by errors returned from Dialer.Open and Session.Fetch.
var (
	ErrConnect        = errors.New("connection failed")
	ErrRemoteNotFound = errors.New("remote path not found")
	ErrTransfer       = errors.New("transfer failed")
	ErrLocalWrite     = errors.New("local write failed")
)

// Request is one remote path to copy to an absolute local path
type Request struct {
	Remote    string
	Local     string
	Recursive bool
	Exclude   []string
}

// Session copies files for one identity
type Session interface {
	Fetch(ctx context.Context, req Request) error
	Close() error
}

// Dialer opens a Session bound to an identity on the profile's host
type Dialer interface {
	Open(ctx context.Context, identity string) (Session, error)
	Name() string
}

// ExitError reports a copy command that ran and exited non-zero
type ExitError struct {
	Subject string
	Op      string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s %s failed with code %d", e.Subject, e.Op, e.Code)
}

// NewDialer builds the Dialer for a profile's transport.
func NewDialer(profile *config.HostProfile, sshCfg config.SSHConfig, logger *slog.Logger) (Dialer, error) {
	if logger == nil {
		logger = logging.L()
	}

	timeout := profile.ConnectTimeout
	if timeout == 0 {
		timeout = sshCfg.ConnectTimeout
	}

	trust := TrustFor(profile, sshCfg)

	switch profile.Transport {
	case config.TransportSFTP:
		return &SFTPDialer{
			Host:    profile.Host,
			Port:    profile.SSHPort(),
			KeyPath: profile.KeyPath,
			Timeout: timeout,
			Trust:   trust,
			Logger:  logger,
		}, nil
	case config.TransportRsync:
		if trust.Policy == ssh.PolicyPinned {
			return nil, fmt.Errorf("pinned host keys are not supported by the rsync transport")
		}
		return &RsyncDialer{
			Host:           profile.Host,
			Port:           profile.SSHPort(),
			KeyPath:        config.ExpandHome(profile.KeyPath),
			ConnectTimeout: timeout,
			IOTimeout:      time.Duration(profile.RsyncTimeout) * time.Second,
			Trust:          trust,
			Runner:         ExecRunner{},
			Logger:         logger,
		}, nil
	case config.TransportCodespace:
		return &CodespaceDialer{
			Runner: ExecRunner{},
			Logger: logger,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", profile.Transport)
	}
}

// TrustFor resolves the host key trust for a profile, falling back to the global ssh settings.
func TrustFor(profile *config.HostProfile, sshCfg config.SSHConfig) ssh.TrustConfig {
	policy := strings.TrimSpace(profile.HostKeyPolicy)
	if policy == "" {
		policy = sshCfg.HostKeyPolicy
	}

	return ssh.TrustConfig{
		Policy:         ssh.HostKeyPolicy(policy),
		KnownHostsPath: sshCfg.KnownHostsPath,
		Fingerprints:   profile.PinnedFingerprints,
	}
}
