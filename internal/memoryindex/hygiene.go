package memoryindex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const dateStampLayout = "2006-01-02"

// ArchiveOldNotes moves dated daily notes (YYYY-MM-DD.md) older than
// archiveAfterDays into memoryDir/archive/. A zero archiveAfterDays disables
// archiving. Returns the number of files moved.
func ArchiveOldNotes(memoryDir string, archiveAfterDays int) (int, error) {
	if archiveAfterDays <= 0 {
		return 0, nil
	}

	archiveDir := filepath.Join(memoryDir, "archive")
	cutoff := time.Now().UTC().AddDate(0, 0, -archiveAfterDays)

	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("memoryindex: read memory dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		stem := entry.Name()[:len(entry.Name())-len(".md")]
		date, err := time.Parse(dateStampLayout, stem)
		if err != nil {
			continue // not a dated note
		}
		if date.Before(cutoff) {
			if err := os.MkdirAll(archiveDir, 0o755); err != nil {
				return count, fmt.Errorf("memoryindex: create archive dir: %w", err)
			}
			src := filepath.Join(memoryDir, entry.Name())
			dst := filepath.Join(archiveDir, entry.Name())
			if err := os.Rename(src, dst); err != nil {
				return count, fmt.Errorf("memoryindex: archive %s: %w", stem, err)
			}
			slog.Debug("archived memory note", "note", stem)
			count++
		}
	}

	if count > 0 {
		slog.Info("archived old memory notes", "count", count)
	}
	return count, nil
}

// PurgeExpiredArchives deletes archived notes older than purgeAfterDays. A
// zero purgeAfterDays disables purging. Returns the number of files removed.
func PurgeExpiredArchives(memoryDir string, purgeAfterDays int) (int, error) {
	if purgeAfterDays <= 0 {
		return 0, nil
	}

	archiveDir := filepath.Join(memoryDir, "archive")
	info, err := os.Stat(archiveDir)
	if err != nil || !info.IsDir() {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -purgeAfterDays)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return 0, fmt.Errorf("memoryindex: read archive dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		stem := entry.Name()[:len(entry.Name())-len(".md")]
		date, err := time.Parse(dateStampLayout, stem)
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			if err := os.Remove(filepath.Join(archiveDir, entry.Name())); err != nil {
				return count, fmt.Errorf("memoryindex: purge %s: %w", stem, err)
			}
			slog.Debug("purged archived memory note", "note", stem)
			count++
		}
	}

	if count > 0 {
		slog.Info("purged expired archived notes", "count", count)
	}
	return count, nil
}

// CleanupOrphanedEntries removes index entries whose source file no longer
// exists in memoryDir or memoryDir/archive.
func (idx *Index) CleanupOrphanedEntries(memoryDir string) (int, error) {
	keys, err := idx.ListSourceKeys()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		primary := filepath.Join(memoryDir, key)
		archived := filepath.Join(memoryDir, "archive", key)
		if pathExists(primary) || pathExists(archived) {
			continue
		}
		if err := idx.RemoveSource(key); err != nil {
			return count, err
		}
		slog.Debug("cleaned orphaned memory entry", "source_key", key)
		count++
	}

	if count > 0 {
		slog.Info("cleaned orphaned memory entries", "count", count)
	}
	return count, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ArchiveUnusedNotes archives dated notes older than archiveAfterDays/2 that
// have never been returned by a search, on the theory that a note nobody
// retrieves in the first half of its normal lifetime is unlikely to matter
// later either. Has no original_source counterpart.
func (idx *Index) ArchiveUnusedNotes(memoryDir string, archiveAfterDays int) (int, error) {
	if archiveAfterDays <= 0 {
		return 0, nil
	}
	halfLife := archiveAfterDays / 2
	if halfLife <= 0 {
		return 0, nil
	}

	archiveDir := filepath.Join(memoryDir, "archive")
	cutoff := time.Now().UTC().AddDate(0, 0, -halfLife)

	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("memoryindex: read memory dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		stem := entry.Name()[:len(entry.Name())-len(".md")]
		date, err := time.Parse(dateStampLayout, stem)
		if err != nil || !date.Before(cutoff) {
			continue
		}
		hits, err := idx.GetSourceHitCount(entry.Name())
		if err != nil || hits > 0 {
			continue
		}
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			return count, fmt.Errorf("memoryindex: create archive dir: %w", err)
		}
		src := filepath.Join(memoryDir, entry.Name())
		dst := filepath.Join(archiveDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return count, fmt.Errorf("memoryindex: early-archive %s: %w", stem, err)
		}
		slog.Debug("archived unused memory note early", "note", stem)
		count++
	}

	if count > 0 {
		slog.Info("archived unused memory notes early", "count", count)
	}
	return count, nil
}

// RunHygiene runs archiving, early archiving, purging, orphan cleanup, and
// scratch-media cleanup in sequence under an exclusive lock on memoryDir, so
// two agent processes sharing a memory directory don't race. Individual step
// failures are logged, not fatal to the run.
func (idx *Index) RunHygiene(memoryDir string, archiveDays, purgeDays int) {
	lockPath := filepath.Join(memoryDir, ".hygiene.lock")
	if err := os.MkdirAll(memoryDir, 0o755); err != nil {
		slog.Warn("memory hygiene: cannot create memory dir", "error", err)
		return
	}
	lock, err := acquireFileLock(lockPath)
	if err != nil {
		slog.Warn("memory hygiene: skipped, lock held", "error", err)
		return
	}
	defer lock.Release()

	if _, err := ArchiveOldNotes(memoryDir, archiveDays); err != nil {
		slog.Warn("memory archive failed", "error", err)
	}
	if _, err := idx.ArchiveUnusedNotes(memoryDir, archiveDays); err != nil {
		slog.Warn("memory early-archive failed", "error", err)
	}
	if _, err := PurgeExpiredArchives(memoryDir, purgeDays); err != nil {
		slog.Warn("memory purge failed", "error", err)
	}
	if _, err := idx.CleanupOrphanedEntries(memoryDir); err != nil {
		slog.Warn("memory orphan cleanup failed", "error", err)
	}
	if _, err := CleanupOldMedia(memoryDir); err != nil {
		slog.Warn("memory media cleanup failed", "error", err)
	}
}
