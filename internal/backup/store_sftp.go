package backup

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

	"github.com/dustin/go-humanize"
	"github.com/pkg/sftp"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/ssh"
	"github.com/yourusername/hostbackup/internal/transport"
)

// SFTPStore mirrors backups to a directory on a remote SFTP server
type SFTPStore struct {
	basePath   string
	sshClient  io.Closer
	sftpClient *sftp.Client
	logger     *slog.Logger
}

// NewSFTPStore connects to the mirror host and ensures the base path exists
func NewSFTPStore(ctx context.Context, cfg *config.MirrorConfig, sshCfg config.SSHConfig, logger *slog.Logger) (*SFTPStore, error) {
	policy := sshCfg.HostKeyPolicy
	if policy == string(ssh.PolicyPinned) {
		return nil, fmt.Errorf("pinned host keys are not supported for sftp mirrors")
	}

	client, err := ssh.Dial(ctx, &ssh.ClientConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		KeyPath:  cfg.KeyPath,
		Timeout:  sshCfg.ConnectTimeout,
		Trust: ssh.TrustConfig{
			Policy:         ssh.HostKeyPolicy(policy),
			KnownHostsPath: sshCfg.KnownHostsPath,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: mirror %s: %w", transport.ErrConnect, cfg.Host, err)
	}

	sftpClient, err := client.NewSFTP(
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: mirror %s: %w", transport.ErrConnect, cfg.Host, err)
	}

	store := NewSFTPStoreWithClient(sftpClient, client, cfg.Path, logger)
	if err := sftpClient.MkdirAll(store.basePath); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create mirror base directory: %w", err)
	}

	return store, nil
}

// NewSFTPStoreWithClient wraps an sftp client rooted at basePath. closer,
// when set, is closed after the sftp client.
func NewSFTPStoreWithClient(client *sftp.Client, closer io.Closer, basePath string, logger *slog.Logger) *SFTPStore {
	if logger == nil {
		logger = slog.Default()
	}
	if basePath == "" {
		basePath = "."
	}
	return &SFTPStore{
		basePath:   basePath,
		sshClient:  closer,
		sftpClient: client,
		logger:     logger,
	}
}

func (sd *SFTPStore) remote(name string) string {
	return path.Join(sd.basePath, name)
}

// ListDirs returns the directories directly under dir
func (sd *SFTPStore) ListDirs(_ context.Context, dir string) ([]string, error) {
	entries, err := sd.sftpClient.ReadDir(sd.remote(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", transport.ErrTransfer, sd.remote(dir), err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// EnsureDir creates name and its parents on the server
func (sd *SFTPStore) EnsureDir(_ context.Context, name string) error {
	if err := sd.sftpClient.MkdirAll(sd.remote(name)); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", transport.ErrTransfer, sd.remote(name), err)
	}
	return nil
}

// Exists reports whether name exists on the server
func (sd *SFTPStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := sd.sftpClient.Lstat(sd.remote(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %w", transport.ErrTransfer, sd.remote(name), err)
}

// Move renames from to to on the server
func (sd *SFTPStore) Move(ctx context.Context, from, to string) error {
	exists, err := sd.Exists(ctx, to)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("move %s: %w", to, ErrDestinationExists)
	}
	if err := sd.sftpClient.Rename(sd.remote(from), sd.remote(to)); err != nil {
		return fmt.Errorf("%w: rename %s: %w", transport.ErrTransfer, from, err)
	}
	return nil
}

// PutTree uploads localDir to name
func (sd *SFTPStore) PutTree(ctx context.Context, localDir, name string) error {
	target := sd.remote(name)
	exists, err := sd.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("copy to %s: %w", target, ErrDestinationExists)
	}

	var total int64
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dest := path.Join(target, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := sd.sftpClient.MkdirAll(dest); err != nil {
				return fmt.Errorf("%w: mkdir %s: %w", transport.ErrTransfer, dest, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		n, err := sd.upload(p, dest)
		total += n
		return err
	})
	if err != nil {
		return err
	}

	sd.logger.Debug("sftp_tree_uploaded", "path", target, "bytes", humanize.Bytes(uint64(total)))
	return nil
}

func (sd *SFTPStore) upload(localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := sd.sftpClient.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %w", transport.ErrTransfer, remotePath, err)
	}

	n, err := dst.ReadFrom(src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		sd.sftpClient.Remove(remotePath)
		return n, fmt.Errorf("%w: write %s: %w", transport.ErrTransfer, remotePath, err)
	}
	return n, nil
}

// RemoveAll deletes name and its contents, deepest entries first
func (sd *SFTPStore) RemoveAll(_ context.Context, name string) error {
	root := sd.remote(name)

	var files, dirs []string
	walker := sd.sftpClient.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) && walker.Path() == root {
				return nil
			}
			return fmt.Errorf("%w: walk %s: %w", transport.ErrTransfer, walker.Path(), err)
		}
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		} else {
			files = append(files, walker.Path())
		}
	}

	for _, file := range files {
		if err := sd.sftpClient.Remove(file); err != nil {
			return fmt.Errorf("%w: remove %s: %w", transport.ErrTransfer, file, err)
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := sd.sftpClient.RemoveDirectory(dirs[i]); err != nil {
			return fmt.Errorf("%w: rmdir %s: %w", transport.ErrTransfer, dirs[i], err)
		}
	}
	return nil
}

// Location returns the remote base path
func (sd *SFTPStore) Location() string {
	return "sftp:" + sd.basePath
}

// Type returns the store type
func (sd *SFTPStore) Type() string {
	return "sftp"
}

// Close closes the SFTP and SSH connections
func (sd *SFTPStore) Close() error {
	var err error
	if sd.sftpClient != nil {
		err = sd.sftpClient.Close()
	}
	if sd.sshClient != nil {
		if closeErr := sd.sshClient.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
