package backup

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/yourusername/hostbackup/internal/config"
)

// ArchiveExistingBackups moves every stale Backup_<tag>* directory under the
// store root into the archive folder, creating the folder first. Each failed
// move is returned as its own run error; the remaining moves still happen.
func (w *Workflow) ArchiveExistingBackups(ctx context.Context, store Store) ([]string, error) {
	archive := w.profile.ArchiveDirName()
	if err := store.EnsureDir(ctx, archive); err != nil {
		return nil, w.storeError(StageArchive, store, archive, err)
	}

	entries, err := store.ListDirs(ctx, "")
	if err != nil {
		return nil, w.storeError(StageArchive, store, store.Location(), err)
	}

	var moved []string
	var errs []error
	for _, name := range entries {
		if name == archive || !IsStale(name, w.tag) {
			continue
		}

		if err := store.Move(ctx, name, path.Join(archive, name)); err != nil {
			errs = append(errs, w.storeError(StageArchive, store, name, err))
			continue
		}

		moved = append(moved, name)
		w.logger.Debug("archive_moved", "store", store.Type(), "name", name, "archive", archive)
	}

	return moved, errors.Join(errs...)
}

// PruneArchive applies the host's retention mode to the archive folder.
// prune deletes every archived backup, keep deletes all but the newest
// count, retain leaves them alone. The archive folder itself stays.
func (w *Workflow) PruneArchive(ctx context.Context, store Store) ([]string, error) {
	switch w.profile.RetentionMode() {
	case config.RetentionPrune:
		return w.keepNewest(ctx, store, 0)
	case config.RetentionKeep:
		return w.keepNewest(ctx, store, w.profile.Retention.Count)
	default:
		return nil, nil
	}
}

// keepNewest deletes archived backups beyond the newest count.
func (w *Workflow) keepNewest(ctx context.Context, store Store, count int) ([]string, error) {
	archive := w.profile.ArchiveDirName()
	entries, err := store.ListDirs(ctx, archive)
	if err != nil {
		return nil, w.storeError(StagePrune, store, archive, err)
	}

	var backups []string
	for _, name := range entries {
		if IsStale(name, w.tag) {
			backups = append(backups, name)
		}
	}

	if len(backups) <= count {
		w.logger.Debug("archive_within_retention", "store", store.Type(), "count", len(backups), "keep", count)
		return nil, nil
	}

	// Newest first
	sort.Slice(backups, func(i, j int) bool {
		ti, okI := backupTime(backups[i], w.tag)
		tj, okJ := backupTime(backups[j], w.tag)
		switch {
		case okI && okJ:
			return ti.After(tj)
		case okI != okJ:
			return okI
		default:
			return strings.ToLower(backups[i]) > strings.ToLower(backups[j])
		}
	})

	var removed []string
	var errs []error
	for _, name := range backups[count:] {
		if err := store.RemoveAll(ctx, path.Join(archive, name)); err != nil {
			errs = append(errs, w.storeError(StagePrune, store, name, err))
			continue
		}
		removed = append(removed, name)
		w.logger.Debug("archive_backup_deleted", "store", store.Type(), "name", name)
	}

	return removed, errors.Join(errs...)
}

func (w *Workflow) storeError(stage Stage, store Store, subject string, err error) *Error {
	classified := Classify(stage, subject, err)
	if classified.Kind == KindUnclassified && store.Type() == "local" {
		classified.Kind = KindLocalFS
	}
	return classified
}
