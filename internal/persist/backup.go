package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/nibzard/mangrove/internal/tree"
)

// backupTimeLayout is the timestamp suffix on backup filenames:
// <tree-id>_<YYYYMMDD_HHMMSS>.json.
const backupTimeLayout = "20060102_150405"

var backupNameRe = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})\.json$`)

// BackupInfo describes a single backup file.
type BackupInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// backupLive copies the current live document into the backup directory
// with a timestamp suffix. Returns an empty path when no live document
// exists yet (nothing to back up).
func (s *Store) backupLive(safeID string) (string, error) {
	data, err := os.ReadFile(s.treePath(safeID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read live document: %w", err)
	}

	stamp := s.now().UTC().Format(backupTimeLayout)
	backupPath := filepath.Join(s.backupDir, fmt.Sprintf("%s_%s.json", safeID, stamp))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	s.mu.Lock()
	s.lastBackup[safeID] = s.now()
	s.mu.Unlock()
	return backupPath, nil
}

// needsBackup reports whether no backup exists for the tree within the
// backup window. Rapid successive saves inside the window amortize to a
// single backup while still guaranteeing one recovery point per editing
// burst.
func (s *Store) needsBackup(safeID string) bool {
	if s.window <= 0 {
		return true
	}
	cutoff := s.now().Add(-s.window)

	s.mu.Lock()
	last, ok := s.lastBackup[safeID]
	s.mu.Unlock()
	if ok {
		return last.Before(cutoff)
	}

	// No backup recorded this process lifetime; check the disk.
	for _, b := range s.Backups(safeID) {
		if b.ModTime.After(cutoff) {
			return false
		}
	}
	return true
}

// recoverFromBackup tries backups newest first and returns the first one
// that parses, along with its filename.
func (s *Store) recoverFromBackup(safeID string) (*tree.Node, string) {
	for _, b := range s.Backups(safeID) {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			continue
		}
		node, err := parseDocument(data)
		if err != nil {
			continue
		}
		return node, b.Name
	}
	return nil, ""
}

// Backups returns backups for a tree id, newest first by modification
// time. Matching is on the full id, not a prefix, so t1 never picks up
// t10's backups.
func (s *Store) Backups(treeID string) []BackupInfo {
	safeID := sanitizeID(treeID)

	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		m := backupNameRe.FindStringSubmatch(name)
		if m == nil || m[1] != safeID {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:    name,
			Path:    filepath.Join(s.backupDir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].ModTime.Equal(backups[j].ModTime) {
			return backups[i].ModTime.After(backups[j].ModTime)
		}
		return backups[i].Name > backups[j].Name
	})
	return backups
}

// TreeIDsWithBackups returns every tree id that has at least one backup,
// including trees whose live document was deleted.
func (s *Store) TreeIDsWithBackups() []string {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := backupNameRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		seen[m[1]] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupOptions controls backup retention. At least one of KeepPerTree
// (>= 0) or OlderThan (> 0) must be set.
type CleanupOptions struct {
	// TreeID limits cleanup to a single tree; empty means all trees.
	TreeID string
	// KeepPerTree keeps this many newest backups per tree. Negative
	// means no count-based limit.
	KeepPerTree int
	// OlderThan only deletes backups older than this. Zero means no
	// age-based limit.
	OlderThan time.Duration
	// DryRun reports what would be removed without deleting.
	DryRun bool
}

// CleanupBackups deletes backups exceeding the retention policy and
// returns the number removed. The newest backup of a tree is always
// retained unless OlderThan explicitly makes it eligible.
func (s *Store) CleanupBackups(opts CleanupOptions) (int, error) {
	if opts.KeepPerTree < 0 && opts.OlderThan <= 0 {
		return 0, fmt.Errorf("cleanup backups: at least one retention criterion required")
	}

	var ids []string
	if opts.TreeID != "" {
		ids = []string{sanitizeID(opts.TreeID)}
	} else {
		ids = s.TreeIDsWithBackups()
	}

	cutoff := s.now().Add(-opts.OlderThan)
	removed := 0
	for _, id := range ids {
		for i, b := range s.Backups(id) {
			if opts.KeepPerTree >= 0 && i < opts.KeepPerTree {
				continue
			}
			if opts.OlderThan > 0 && !b.ModTime.Before(cutoff) {
				continue
			}
			// Floor of one retained backup per tree with any history.
			if i == 0 && opts.OlderThan <= 0 {
				continue
			}
			if opts.DryRun {
				removed++
				continue
			}
			if err := os.Remove(b.Path); err != nil {
				s.logger.Warn("failed to delete backup", "backup", b.Name, "err", err)
				continue
			}
			removed++
			s.logger.Debug("deleted old backup", "backup", b.Name)
		}
	}

	if !opts.DryRun && removed > 0 {
		s.logger.Info("cleaned up backups", "removed", removed)
	}
	return removed, nil
}
