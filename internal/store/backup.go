package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	backupDirName = "backups"
	backupsKept   = 3
	backupEvery   = 24 * time.Hour
)

// BackupManager snapshots the encrypted fact database so a corrupted or
// lost file does not wipe the enforcement history and settings. Snapshots
// stay encrypted; the key file is never copied.
type BackupManager struct {
	dbPath string
	dir    string
	logger *zap.Logger
}

// NewBackupManager creates a backup manager for the store at dbPath.
func NewBackupManager(dbPath string, logger *zap.Logger) *BackupManager {
	return &BackupManager{
		dbPath: dbPath,
		dir:    filepath.Join(filepath.Dir(dbPath), backupDirName),
		logger: logger,
	}
}

// MaybeSnapshot takes a snapshot unless a recent one already exists.
// Called from the re-plan loop, so it rate-limits itself.
func (b *BackupManager) MaybeSnapshot() error {
	if newest, ok := b.newest(); ok {
		if time.Since(newest.ModTime()) < backupEvery {
			return nil
		}
	}
	return b.Snapshot()
}

// Snapshot copies the database to a timestamped backup file and prunes
// the oldest snapshots beyond the retained count.
func (b *BackupManager) Snapshot() error {
	if err := os.MkdirAll(b.dir, 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("state-%s.db", time.Now().UTC().Format("20060102T150405"))
	dst := filepath.Join(b.dir, name)

	sum, err := copyFileAtomic(b.dbPath, dst)
	if err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}

	b.logger.Info("store snapshot written",
		zap.String("path", dst),
		zap.String("sha256", sum[:16]))

	b.prune()
	return nil
}

// Snapshots returns the backup file paths, newest first.
func (b *BackupManager) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(b.dir, e.Name()))
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// newest returns the most recent snapshot's file info.
func (b *BackupManager) newest() (os.FileInfo, bool) {
	paths, err := b.Snapshots()
	if err != nil || len(paths) == 0 {
		return nil, false
	}
	info, err := os.Stat(paths[0])
	if err != nil {
		return nil, false
	}
	return info, true
}

// prune removes snapshots beyond the retained count, oldest first.
func (b *BackupManager) prune() {
	paths, err := b.Snapshots()
	if err != nil {
		b.logger.Warn("failed to list store snapshots", zap.Error(err))
		return
	}
	for _, path := range paths[min(len(paths), backupsKept):] {
		if err := os.Remove(path); err != nil {
			b.logger.Warn("failed to remove old snapshot", zap.String("path", path), zap.Error(err))
		}
	}
}

// copyFileAtomic copies src to dst via a temp file and rename, returning
// the hex SHA256 of the copied bytes. The rename keeps a crashed copy
// from leaving a half-written snapshot behind.
func copyFileAtomic(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".snapshot-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", err
	}

	ok = true
	return hex.EncodeToString(h.Sum(nil)), nil
}
