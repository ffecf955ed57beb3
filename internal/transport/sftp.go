package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/sftp"

	"github.com/yourusername/hostbackup/internal/ssh"
)

// SFTPDialer opens SFTP sessions over a key-authenticated SSH connection
type SFTPDialer struct {
	Host    string
	Port    int
	KeyPath string
	Timeout time.Duration
	Trust   ssh.TrustConfig
	Logger  *slog.Logger
}

// Name returns the transport name
func (d *SFTPDialer) Name() string {
	return "sftp"
}

// Open connects as identity and starts the sftp subsystem
func (d *SFTPDialer) Open(ctx context.Context, identity string) (Session, error) {
	cfg := &ssh.ClientConfig{
		Host:     d.Host,
		Port:     d.Port,
		Username: identity,
		KeyPath:  d.KeyPath,
		Timeout:  d.Timeout,
		Trust:    d.Trust,
	}

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %w", ErrConnect, identity, cfg.Address(), err)
	}

	sftpClient, err := client.NewSFTP()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s@%s: %w", ErrConnect, identity, cfg.Address(), err)
	}

	return NewSFTPSession(sftpClient, client, d.Logger), nil
}

// SFTPSession copies remote files through an established sftp client
type SFTPSession struct {
	client *sftp.Client
	closer io.Closer
	logger *slog.Logger
}

// NewSFTPSession wraps an sftp client. closer, when set, is closed after the client.
func NewSFTPSession(client *sftp.Client, closer io.Closer, logger *slog.Logger) *SFTPSession {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SFTPSession{client: client, closer: closer, logger: logger}
}

// Close ends the sftp session and its connection
func (s *SFTPSession) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		if closeErr := s.closer.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// Fetch copies one remote file or, when recursive, a whole tree.
func (s *SFTPSession) Fetch(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remote := remotePath(req.Remote)
	info, err := s.client.Stat(remote)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRemoteNotFound, req.Remote)
		}
		return fmt.Errorf("%w: stat %s: %w", ErrTransfer, req.Remote, err)
	}

	var written int64
	if info.IsDir() {
		if !req.Recursive {
			return fmt.Errorf("%w: %s is a directory", ErrTransfer, req.Remote)
		}
		written, err = s.fetchTree(ctx, remote, req.Local, req.Exclude)
	} else {
		written, err = s.fetchFile(remote, req.Local, info)
	}
	if err != nil {
		return err
	}

	s.logger.Debug("remote_fetched", "remote", req.Remote, "local", req.Local, "bytes", humanize.Bytes(uint64(written)))
	return nil
}

func (s *SFTPSession) fetchTree(ctx context.Context, root, local string, exclude []string) (int64, error) {
	var total int64

	walker := s.client.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		current := walker.Path()
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) && current == root {
				return total, fmt.Errorf("%w: %s", ErrRemoteNotFound, root)
			}
			return total, fmt.Errorf("%w: walk %s: %w", ErrTransfer, current, err)
		}

		rel := relRemote(root, current)
		info := walker.Stat()

		if rel != "" && excluded(path.Base(current), exclude) {
			if info.IsDir() {
				walker.SkipDir()
			}
			continue
		}

		target := filepath.Join(local, filepath.FromSlash(rel))
		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return total, fmt.Errorf("%w: %w", ErrLocalWrite, err)
			}
		case info.Mode().IsRegular():
			n, err := s.fetchFile(current, target, info)
			total += n
			if err != nil {
				return total, err
			}
		default:
			s.logger.Debug("remote_entry_skipped", "path", current, "mode", info.Mode().String())
		}
	}

	return total, nil
}

func (s *SFTPSession) fetchFile(remote, local string, info fs.FileInfo) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLocalWrite, err)
	}

	src, err := s.client.Open(remote)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrRemoteNotFound, remote)
		}
		return 0, fmt.Errorf("%w: open %s: %w", ErrTransfer, remote, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLocalWrite, err)
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		return n, fmt.Errorf("%w: %w", ErrLocalWrite, closeErr)
	}
	if err != nil {
		return n, fmt.Errorf("%w: copy %s: %w", ErrTransfer, remote, err)
	}

	_ = os.Chtimes(local, info.ModTime(), info.ModTime())
	return n, nil
}

// remotePath maps "~" and "~/x" to paths relative to the login directory,
// which is where the sftp server starts.
func remotePath(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "~" || p == "~/":
		return "."
	case strings.HasPrefix(p, "~/"):
		return path.Clean(strings.TrimPrefix(p, "~/"))
	default:
		return path.Clean(p)
	}
}

func relRemote(root, p string) string {
	if p == root {
		return ""
	}
	if root == "." {
		return strings.TrimPrefix(p, "./")
	}
	return strings.TrimPrefix(p, strings.TrimSuffix(root, "/")+"/")
}

func excluded(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
