package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps backups on the local filesystem. It serves as the primary
// root and as a mirror into a cloud-synced folder.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a store rooted at basePath
func NewLocalStore(basePath string) *LocalStore {
	return &LocalStore{basePath: basePath}
}

// Path returns the absolute path of name under the root
func (ls *LocalStore) Path(name string) string {
	return filepath.Join(ls.basePath, filepath.FromSlash(name))
}

// ListDirs returns the directories directly under dir
func (ls *LocalStore) ListDirs(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(ls.Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// EnsureDir creates name and its parents
func (ls *LocalStore) EnsureDir(_ context.Context, name string) error {
	return os.MkdirAll(ls.Path(name), 0o755)
}

// Exists reports whether name exists under the root
func (ls *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(ls.Path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Move renames from to to
func (ls *LocalStore) Move(_ context.Context, from, to string) error {
	target := ls.Path(to)
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("move %s: %w", to, ErrDestinationExists)
	}
	return os.Rename(ls.Path(from), target)
}

// PutTree copies localDir to name, refusing to overwrite an existing tree
func (ls *LocalStore) PutTree(ctx context.Context, localDir, name string) error {
	target := ls.Path(name)
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("copy to %s: %w", target, ErrDestinationExists)
	}
	return copyTree(ctx, localDir, target)
}

// RemoveAll deletes name recursively
func (ls *LocalStore) RemoveAll(_ context.Context, name string) error {
	return os.RemoveAll(ls.Path(name))
}

// Location returns the root path
func (ls *LocalStore) Location() string {
	return ls.basePath
}

// Type returns the store type
func (ls *LocalStore) Type() string {
	return "local"
}

// Close is a no-op for local storage
func (ls *LocalStore) Close() error {
	return nil
}

// copyTree recursively copies src to dst, keeping file modes and symlinks.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
