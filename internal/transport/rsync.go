package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/yourusername/hostbackup/internal/ssh"
)

// DefaultRsyncExcludes are skipped on every rsync pull.
var DefaultRsyncExcludes = []string{"*.pyc", "__pycache__", "venv", "virtualenv", "virtual_env", ".git"}

// rsync exit codes that mean some source files were missing or vanished.
const (
	rsyncPartialTransfer = 23
	rsyncVanishedSource  = 24
)

const defaultRsyncIOTimeout = 5000 * time.Second

// RsyncDialer pulls files with rsync over ssh
type RsyncDialer struct {
	Host           string
	Port           int
	KeyPath        string
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Trust          ssh.TrustConfig
	Runner         CommandRunner
	Binary         string
	Logger         *slog.Logger
}

// Name returns the transport name
func (d *RsyncDialer) Name() string {
	return "rsync"
}

// Open returns a session for identity. rsync connects per fetch.
func (d *RsyncDialer) Open(_ context.Context, identity string) (Session, error) {
	shell, err := d.remoteShell(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return &rsyncSession{dialer: d, identity: identity, shell: shell}, nil
}

// remoteShell builds the -e argument that rsync uses to reach the host.
func (d *RsyncDialer) remoteShell(identity string) (string, error) {
	port := d.Port
	if port == 0 {
		port = 22
	}

	args := []string{"ssh", "-p", strconv.Itoa(port), "-l", identity, "-o", "BatchMode=yes"}
	if d.KeyPath != "" {
		args = append(args, "-i", d.KeyPath)
	}
	if d.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", int(d.ConnectTimeout.Seconds())))
	}

	switch d.Trust.Policy {
	case ssh.PolicyTOFU, "":
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
		if d.Trust.KnownHostsPath != "" {
			args = append(args, "-o", "UserKnownHostsFile="+d.Trust.KnownHostsPath)
		}
	case ssh.PolicyStrict:
		args = append(args, "-o", "StrictHostKeyChecking=yes")
		if d.Trust.KnownHostsPath != "" {
			args = append(args, "-o", "UserKnownHostsFile="+d.Trust.KnownHostsPath)
		}
	case ssh.PolicyInsecure:
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	default:
		return "", fmt.Errorf("host key policy %q is not supported by rsync", d.Trust.Policy)
	}

	return shellquote.Join(args...), nil
}

type rsyncSession struct {
	dialer   *RsyncDialer
	identity string
	shell    string
}

func (s *rsyncSession) Close() error {
	return nil
}

// Fetch runs one rsync pull. Recursive pulls copy the directory contents
// into req.Local rather than nesting the remote directory under it.
func (s *rsyncSession) Fetch(ctx context.Context, req Request) error {
	d := s.dialer

	remote := req.Remote
	dest := req.Local
	mkdir := filepath.Dir(dest)
	if req.Recursive {
		mkdir = dest
		if !strings.HasSuffix(remote, "/") {
			remote += "/"
		}
		dest = strings.TrimSuffix(dest, string(filepath.Separator)) + string(filepath.Separator)
	}
	if err := os.MkdirAll(mkdir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalWrite, err)
	}

	timeout := d.IOTimeout
	if timeout <= 0 {
		timeout = defaultRsyncIOTimeout
	}

	args := []string{"-av", "--timeout", strconv.Itoa(int(timeout.Seconds())), "-e", s.shell}
	for _, pattern := range append(append([]string{}, DefaultRsyncExcludes...), req.Exclude...) {
		args = append(args, "--exclude", pattern)
	}
	args = append(args, fmt.Sprintf("%s@%s:%s", s.identity, d.Host, remote), dest)

	binary := d.Binary
	if binary == "" {
		binary = "rsync"
	}

	result, err := d.Runner.Run(ctx, binary, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransfer, binary, err)
	}

	if d.Logger != nil {
		d.Logger.Debug("rsync_completed", "remote", req.Remote, "identity", s.identity, "code", result.ExitCode)
	}

	if result.ExitCode == 0 {
		return nil
	}

	exitErr := &ExitError{Subject: req.Remote, Op: "rsync", Code: result.ExitCode, Output: tail(result.Output, 2048)}
	switch result.ExitCode {
	case rsyncPartialTransfer, rsyncVanishedSource:
		return fmt.Errorf("%w: %w", ErrRemoteNotFound, exitErr)
	default:
		return fmt.Errorf("%w: %w", ErrTransfer, exitErr)
	}
}
