// Package persist durably stores tree documents as JSON files with
// atomic writes, timestamped backups, and recovery from backup on
// corruption.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nibzard/mangrove/internal/tree"
)

var (
	// ErrNotFound indicates no live document exists for a tree id.
	ErrNotFound = errors.New("tree not found")

	// ErrCorrupted indicates a document that failed to parse and could
	// not be recovered from any backup.
	ErrCorrupted = errors.New("tree document corrupted")

	// ErrInvalidTreeID indicates a tree id with no filesystem-safe
	// characters.
	ErrInvalidTreeID = errors.New("invalid tree id")
)

// DefaultBackupWindow is the span within which repeated saves share one
// backup. Configurable via WithBackupWindow; the value itself is a
// heuristic carried over from the original editor.
const DefaultBackupWindow = 5 * time.Minute

const backupDirName = "backups"

// Store maps tree ids to JSON documents under a storage directory.
// Writes to the same tree id are serialized; different ids save in
// parallel. Readers always see either the old or the new complete
// document because visibility changes only at the rename step.
type Store struct {
	dir       string
	backupDir string
	window    time.Duration
	logger    *log.Logger

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	lastBackup map[string]time.Time

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBackupWindow sets the smart-backup window. A non-positive window
// means every save creates a backup.
func WithBackupWindow(d time.Duration) Option {
	return func(s *Store) {
		s.window = d
	}
}

// WithLogger sets the logger used for operational events.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates the storage and backup directories and returns a
// Store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:        dir,
		backupDir:  filepath.Join(dir, backupDirName),
		window:     DefaultBackupWindow,
		logger:     log.Default(),
		locks:      make(map[string]*sync.Mutex),
		lastBackup: make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// sanitizeID strips characters that are not filesystem-safe, preventing
// path traversal through tree ids.
func sanitizeID(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (s *Store) treePath(safeID string) string {
	return filepath.Join(s.dir, safeID+".json")
}

func (s *Store) tempPath(safeID string) string {
	return filepath.Join(s.dir, safeID+".tmp")
}

// lockFor returns the per-tree write lock, creating it on first use.
func (s *Store) lockFor(safeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[safeID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[safeID] = l
	}
	return l
}

// Save serializes root and atomically replaces the live document for
// treeID. A backup of the previous document is taken first when
// forceBackup is set or when no backup exists within the backup window.
// The temp-file write plus rename guarantees the live document is never
// observed truncated or half-written.
func (s *Store) Save(treeID string, root *tree.Node, forceBackup bool) error {
	safeID := sanitizeID(treeID)
	if safeID == "" {
		return fmt.Errorf("save %q: %w", treeID, ErrInvalidTreeID)
	}

	lock := s.lockFor(safeID)
	lock.Lock()
	defer lock.Unlock()

	data, err := root.Marshal()
	if err != nil {
		return fmt.Errorf("save %s: %w", treeID, err)
	}

	livePath := s.treePath(safeID)
	if forceBackup || s.needsBackup(safeID) {
		if backupPath, err := s.backupLive(safeID); err != nil {
			// Backup failure should not block the save itself.
			s.logger.Error("backup failed", "tree", treeID, "err", err)
		} else if backupPath != "" {
			s.logger.Info("created backup", "tree", treeID, "backup", filepath.Base(backupPath))
		}
	}

	tempPath := s.tempPath(safeID)
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file for %s: %w", treeID, err)
	}
	if err := os.Rename(tempPath, livePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("replace document for %s: %w", treeID, err)
	}

	s.logger.Debug("saved tree", "tree", treeID, "path", livePath)
	return nil
}

// Load reads and parses the live document for treeID. A document that
// fails to parse or validate is recovered from the most recent parseable
// backup; the recovery is logged. When no backup recovers, the error
// wraps both ErrNotFound and ErrCorrupted.
func (s *Store) Load(treeID string) (*tree.Node, error) {
	safeID := sanitizeID(treeID)
	if safeID == "" {
		return nil, fmt.Errorf("load %q: %w", treeID, ErrInvalidTreeID)
	}

	data, err := os.ReadFile(s.treePath(safeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", treeID, ErrNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", treeID, err)
	}

	root, parseErr := parseDocument(data)
	if parseErr == nil {
		return root, nil
	}
	s.logger.Error("live document corrupted", "tree", treeID, "err", parseErr)

	recovered, backupName := s.recoverFromBackup(safeID)
	if recovered != nil {
		s.logger.Warn("recovered tree from backup", "tree", treeID, "backup", backupName)
		return recovered, nil
	}

	return nil, fmt.Errorf("load %s: no recoverable backup: %w", treeID, errors.Join(ErrCorrupted, ErrNotFound))
}

// parseDocument parses and validates a serialized tree document.
func parseDocument(data []byte) (*tree.Node, error) {
	root, err := tree.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if result := root.Validate(); !result.Valid {
		return nil, fmt.Errorf("document invalid: %v", result.Errors[0])
	}
	return root, nil
}

// ListTrees returns the ids of all live documents, sorted.
func (s *Store) ListTrees() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteTree writes a final forced backup, then removes the live
// document. A failed backup is logged and deletion proceeds; the
// data-loss risk is surfaced, not hidden.
func (s *Store) DeleteTree(treeID string) error {
	safeID := sanitizeID(treeID)
	if safeID == "" {
		return fmt.Errorf("delete %q: %w", treeID, ErrInvalidTreeID)
	}

	lock := s.lockFor(safeID)
	lock.Lock()
	defer lock.Unlock()

	livePath := s.treePath(safeID)
	if _, err := os.Stat(livePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", treeID, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", treeID, err)
	}

	if backupPath, err := s.backupLive(safeID); err != nil {
		s.logger.Error("final backup before deletion failed", "tree", treeID, "err", err)
	} else {
		s.logger.Info("created backup before deletion", "tree", treeID, "backup", filepath.Base(backupPath))
	}

	if err := os.Remove(livePath); err != nil {
		return fmt.Errorf("delete %s: %w", treeID, err)
	}
	s.logger.Info("deleted tree", "tree", treeID)
	return nil
}
