// Package service mutates task trees in memory and schedules their
// persistence.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/nibzard/mangrove/internal/persist"
	"github.com/nibzard/mangrove/internal/saver"
	"github.com/nibzard/mangrove/internal/tree"
)

var (
	// ErrTreeExists indicates a create for an id already in the registry.
	ErrTreeExists = errors.New("tree already exists")

	// ErrTreeNotFound indicates a tree id absent from the registry.
	ErrTreeNotFound = errors.New("tree not found")

	// ErrNoCurrentTree indicates no tree has been created or loaded yet.
	ErrNoCurrentTree = errors.New("no current tree")

	// ErrInvalidInput indicates a request that failed field validation.
	ErrInvalidInput = errors.New("invalid input")
)

// TaskFields carries the caller-supplied fields for a new task. Task ids
// are opaque strings generated by the caller.
type TaskFields struct {
	ID          string
	Title       string
	Description string
	Status      tree.Status
}

// TaskUpdate carries the optional fields of a task update; nil fields
// are left unchanged. Status transitions are unrestricted.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *tree.Status
}

// Service owns the in-memory tree registry, the single source of truth
// for reads. Mutations apply in memory and schedule a background save of
// the owning tree; callers never wait on disk.
type Service struct {
	store  *persist.Store
	saver  *saver.Saver
	logger *log.Logger

	mu       sync.RWMutex
	trees    map[string]*tree.Node
	current  string
	autoSave bool
	dirty    map[string]bool
}

// New creates a Service with auto-save enabled.
func New(store *persist.Store, sv *saver.Saver, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		saver:    sv,
		logger:   logger,
		trees:    make(map[string]*tree.Node),
		autoSave: true,
		dirty:    make(map[string]bool),
	}
}

// LoadAll populates the registry from storage. Unreadable trees are
// skipped with a warning so one corrupted file never prevents the rest
// from loading. The first tree (sorted by id) becomes current.
func (s *Service) LoadAll() error {
	ids, err := s.store.ListTrees()
	if err != nil {
		return fmt.Errorf("scan storage: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		root, err := s.store.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable tree", "tree", id, "err", err)
			continue
		}
		s.trees[id] = root
		if s.current == "" {
			s.current = id
		}
	}
	s.logger.Info("loaded trees", "count", len(s.trees), "dir", s.store.Dir())
	return nil
}

// resolve returns the tree for id, or the current tree when id is empty.
// Callers must hold s.mu.
func (s *Service) resolve(treeID string) (string, *tree.Node, error) {
	id := treeID
	if id == "" {
		id = s.current
	}
	if id == "" {
		return "", nil, ErrNoCurrentTree
	}
	root, ok := s.trees[id]
	if !ok {
		return "", nil, fmt.Errorf("tree %q: %w", id, ErrTreeNotFound)
	}
	return id, root, nil
}

// CreateTree registers a new tree and persists it immediately with a
// forced backup, since a first write has no recovery point yet.
func (s *Service) CreateTree(treeID string, root TaskFields) (*tree.Node, error) {
	if treeID == "" || root.ID == "" {
		return nil, fmt.Errorf("create tree: tree id and root task id are required: %w", ErrInvalidInput)
	}
	if root.Status != "" && !root.Status.Valid() {
		return nil, fmt.Errorf("create tree: invalid status %q: %w", root.Status, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trees[treeID]; ok {
		return nil, fmt.Errorf("tree %q: %w", treeID, ErrTreeExists)
	}

	node := tree.New(root.ID, root.Title, root.Description, root.Status)
	if err := s.store.Save(treeID, node, true); err != nil {
		return nil, fmt.Errorf("persist new tree: %w", err)
	}

	s.trees[treeID] = node
	if s.current == "" {
		s.current = treeID
	}
	s.logger.Info("created tree", "tree", treeID, "root", root.ID)
	return node.Clone(), nil
}

// GetTree returns a snapshot of the tree, or the current tree when
// treeID is empty.
func (s *Service) GetTree(treeID string) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, root, err := s.resolve(treeID)
	if err != nil {
		return nil, err
	}
	return root.Clone(), nil
}

// ListTrees returns the registered tree ids, sorted.
func (s *Service) ListTrees() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.trees))
	for id := range s.trees {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CurrentTreeID returns the id of the current tree, or empty.
func (s *Service) CurrentTreeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AddTask creates a task under parentID, or under the root when parentID
// is empty. Validation failures mutate nothing and schedule nothing.
func (s *Service) AddTask(treeID, parentID string, fields TaskFields) (*tree.Node, error) {
	if fields.ID == "" {
		return nil, fmt.Errorf("add task: task id is required: %w", ErrInvalidInput)
	}
	if fields.Status != "" && !fields.Status.Valid() {
		return nil, fmt.Errorf("add task: invalid status %q: %w", fields.Status, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, root, err := s.resolve(treeID)
	if err != nil {
		return nil, err
	}

	if parentID == "" {
		parentID = root.ID
	}
	node := tree.New(fields.ID, fields.Title, fields.Description, fields.Status)
	if err := root.AddChild(parentID, node, -1); err != nil {
		return nil, err
	}

	s.scheduleSave(id, root)
	return node.Clone(), nil
}

// GetTask returns a snapshot of the task with the given id.
func (s *Service) GetTask(treeID, taskID string) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, root, err := s.resolve(treeID)
	if err != nil {
		return nil, err
	}
	node := root.Find(taskID)
	if node == nil {
		return nil, fmt.Errorf("task %q: %w", taskID, tree.ErrNotFound)
	}
	return node.Clone(), nil
}

// UpdateTask applies the non-nil fields of upd to a task.
func (s *Service) UpdateTask(treeID, taskID string, upd TaskUpdate) (*tree.Node, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("update task: invalid status %q: %w", *upd.Status, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, root, err := s.resolve(treeID)
	if err != nil {
		return nil, err
	}
	node := root.Find(taskID)
	if node == nil {
		return nil, fmt.Errorf("task %q: %w", taskID, tree.ErrNotFound)
	}

	if upd.Title != nil {
		node.Title = *upd.Title
	}
	if upd.Description != nil {
		node.Description = *upd.Description
	}
	if upd.Status != nil {
		node.Status = *upd.Status
	}

	s.scheduleSave(id, root)
	return node.Clone(), nil
}

// MoveTask reparents a task, preserving its subtree. Moving under the
// task's own descendant fails and leaves the tree unchanged. An empty
// newParentID moves the task to the root level.
func (s *Service) MoveTask(treeID, taskID, newParentID string, index int) (*tree.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, root, err := s.resolve(treeID)
	if err != nil {
		return nil, err
	}

	if newParentID == "" {
		newParentID = root.ID
	}
	if err := root.Move(taskID, newParentID, index); err != nil {
		return nil, err
	}

	s.scheduleSave(id, root)
	return root.Find(taskID).Clone(), nil
}

// DeleteTask removes the subtree rooted at taskID. Deleting the tree's
// root through this path is rejected; it must go through DeleteTree.
func (s *Service) DeleteTask(treeID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, root, err := s.resolve(treeID)
	if err != nil {
		return err
	}
	if _, err := root.RemoveChild(taskID); err != nil {
		return err
	}

	s.scheduleSave(id, root)
	return nil
}

// DeleteTree removes a tree from the registry and from storage. The
// store writes a final forced backup before removing the document.
func (s *Service) DeleteTree(treeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _, err := s.resolve(treeID)
	if errors.Is(err, ErrTreeNotFound) {
		// Not in the registry, but a document may still exist on disk,
		// e.g. a tree skipped at startup as unreadable. The store backs
		// it up and removes it regardless of parseability.
		if derr := s.store.DeleteTree(treeID); derr != nil {
			if errors.Is(derr, persist.ErrNotFound) {
				return err
			}
			return derr
		}
		s.logger.Info("deleted unloaded tree", "tree", treeID)
		return nil
	}
	if err != nil {
		return err
	}

	delete(s.trees, id)
	delete(s.dirty, id)
	if s.current == id {
		s.current = ""
		ids := make([]string, 0, len(s.trees))
		for tid := range s.trees {
			ids = append(ids, tid)
		}
		sort.Strings(ids)
		if len(ids) > 0 {
			s.current = ids[0]
		}
	}

	if err := s.store.DeleteTree(id); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return err
	}
	return nil
}

// Search returns snapshots of tasks whose title or description contains
// the query, case-insensitively.
func (s *Service) Search(treeID, query string) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, root, err := s.resolve(treeID)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var results []*tree.Node
	root.Walk(func(node *tree.Node) bool {
		if strings.Contains(strings.ToLower(node.Title), q) ||
			strings.Contains(strings.ToLower(node.Description), q) {
			results = append(results, node.Clone())
		}
		return true
	})
	return results, nil
}

// TreeStats returns aggregate statistics for a tree.
func (s *Service) TreeStats(treeID string) (tree.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, root, err := s.resolve(treeID)
	if err != nil {
		return tree.Stats{}, err
	}
	return root.ComputeStats(), nil
}

// SetAutoSave toggles background save scheduling. While suspended,
// mutations apply only in memory; ForceSaveAll flushes them.
func (s *Service) SetAutoSave(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSave = enabled
	s.logger.Info("auto-save toggled", "enabled", enabled)
}

// AutoSave reports whether background save scheduling is active.
func (s *Service) AutoSave() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoSave
}

// ForceSaveAll schedules a forced-backup save of every tree, waits for
// the writes to complete, and returns any write failures.
func (s *Service) ForceSaveAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.trees))
	for id, root := range s.trees {
		s.saver.Schedule(id, root.Clone(), true)
		ids = append(ids, id)
		delete(s.dirty, id)
	}
	s.mu.Unlock()

	if err := s.saver.Flush(ctx); err != nil {
		s.warnPending(ids)
		return err
	}
	return s.saveErrors(ids)
}

// Shutdown flushes every tree with unsaved changes, stops the saver,
// and returns any write failures.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		if root, ok := s.trees[id]; ok {
			s.saver.Schedule(id, root.Clone(), false)
			ids = append(ids, id)
		}
		delete(s.dirty, id)
	}
	s.mu.Unlock()

	if err := s.saver.Close(ctx); err != nil {
		s.warnPending(ids)
		return err
	}
	return s.saveErrors(ids)
}

// saveErrors collects the write results of the last scheduled saves.
func (s *Service) saveErrors(ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := s.saver.Err(id); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// warnPending logs trees whose saves were still queued when a flush
// gave up.
func (s *Service) warnPending(ids []string) {
	for _, id := range ids {
		if s.saver.Pending(id) {
			s.logger.Warn("unsaved changes remain", "tree", id)
		}
	}
}

// scheduleSave queues a background save of the tree, or marks it dirty
// while auto-save is suspended. Callers must hold s.mu.
func (s *Service) scheduleSave(treeID string, root *tree.Node) {
	if !s.autoSave {
		s.dirty[treeID] = true
		return
	}
	s.saver.Schedule(treeID, root.Clone(), false)
	s.dirty[treeID] = true
}
