package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yourusername/hostbackup/internal/config"
)

// Store is a backup root: a directory that holds Backup_<tag>_* directories
// and the archive-<tag> folder. Names are relative to the root and use "/".
type Store interface {
	// ListDirs returns the names of directories directly under dir.
	// An empty dir lists the root.
	ListDirs(ctx context.Context, dir string) ([]string, error)

	// EnsureDir creates name if it does not exist
	EnsureDir(ctx context.Context, name string) error

	// Exists reports whether name exists
	Exists(ctx context.Context, name string) (bool, error)

	// Move renames from to to within the root
	Move(ctx context.Context, from, to string) error

	// PutTree copies the local directory tree at localDir to name.
	// It fails with ErrDestinationExists when name is already present.
	PutTree(ctx context.Context, localDir, name string) error

	// RemoveAll deletes name and everything below it
	RemoveAll(ctx context.Context, name string) error

	// Location describes the root for log lines
	Location() string

	// Type returns the store type identifier
	Type() string

	Close() error
}

// NewMirrorStore creates the secondary storage root described by cfg.
func NewMirrorStore(ctx context.Context, cfg *config.MirrorConfig, sshCfg config.SSHConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		if cfg.Path == "" {
			return nil, fmt.Errorf("local mirror path is required")
		}
		return NewLocalStore(config.ExpandHome(cfg.Path)), nil
	case "s3":
		return NewS3Store(cfg, logger)
	case "sftp":
		return NewSFTPStore(ctx, cfg, sshCfg, logger)
	default:
		return nil, fmt.Errorf("unsupported mirror type: %s", cfg.Type)
	}
}
