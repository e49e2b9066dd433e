// Package tree models task trees and their JSON document form.
package tree

import (
	"encoding/json"
	"fmt"
)

// Status represents a task status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Node is a task and its nested subtasks. The JSON form is the on-disk
// document format and must stay stable: id, title, description, status,
// children (recursive).
type Node struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      Status  `json:"status"`
	Children    []*Node `json:"children"`
}

// New creates a node with the given identity and an empty child list.
// Status defaults to pending when empty.
func New(id, title, description string, status Status) *Node {
	if status == "" {
		status = StatusPending
	}
	return &Node{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      status,
		Children:    []*Node{},
	}
}

// Find returns the node with the given id in this subtree, or nil.
func (n *Node) Find(id string) *Node {
	if n == nil {
		return nil
	}
	if n.ID == id {
		return n
	}
	for _, child := range n.Children {
		if found := child.Find(id); found != nil {
			return found
		}
	}
	return nil
}

// Contains reports whether a node with the given id exists in this subtree.
func (n *Node) Contains(id string) bool {
	return n.Find(id) != nil
}

// Parent returns the parent of the node with the given id, or nil if the
// id is the root or absent.
func (n *Node) Parent(id string) *Node {
	if n == nil || n.ID == id {
		return nil
	}
	for _, child := range n.Children {
		if child.ID == id {
			return n
		}
		if p := child.Parent(id); p != nil {
			return p
		}
	}
	return nil
}

// AddChild attaches child under the node with parentID. If index is
// negative or past the end, the child is appended. Duplicate ids anywhere
// in the tree are rejected.
func (n *Node) AddChild(parentID string, child *Node, index int) error {
	if child == nil {
		return fmt.Errorf("add child: nil node")
	}
	if child.ID == "" {
		return fmt.Errorf("add child: empty id")
	}
	if n.Contains(child.ID) {
		return fmt.Errorf("add child: %w", &DuplicateIDError{ID: child.ID})
	}
	parent := n.Find(parentID)
	if parent == nil {
		return fmt.Errorf("add child under %q: %w", parentID, ErrNotFound)
	}
	if child.Children == nil {
		child.Children = []*Node{}
	}
	parent.insert(child, index)
	return nil
}

// RemoveChild detaches and returns the subtree rooted at id. Removing the
// root through this path is rejected; whole-tree deletion is a separate
// operation.
func (n *Node) RemoveChild(id string) (*Node, error) {
	if n.ID == id {
		return nil, fmt.Errorf("remove %q: %w", id, ErrRootTask)
	}
	parent := n.Parent(id)
	if parent == nil {
		return nil, fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	for i, child := range parent.Children {
		if child.ID == id {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return child, nil
		}
	}
	return nil, fmt.Errorf("remove %q: %w", id, ErrNotFound)
}

// Move reparents the subtree rooted at id under newParentID, preserving
// the subtree. Moving the root, moving a node under itself, or moving a
// node under one of its own descendants is rejected, which keeps the tree
// cycle-free by construction. The tree is left unchanged on error.
func (n *Node) Move(id, newParentID string, index int) error {
	if id == n.ID {
		return fmt.Errorf("move %q: %w", id, ErrRootTask)
	}
	if id == newParentID {
		return fmt.Errorf("move %q: %w", id, ErrCycle)
	}
	node := n.Find(id)
	if node == nil {
		return fmt.Errorf("move %q: %w", id, ErrNotFound)
	}
	newParent := n.Find(newParentID)
	if newParent == nil {
		return fmt.Errorf("move %q under %q: %w", id, newParentID, ErrNotFound)
	}
	if node.Contains(newParentID) {
		return fmt.Errorf("move %q under %q: %w", id, newParentID, ErrCycle)
	}
	detached, err := n.RemoveChild(id)
	if err != nil {
		return err
	}
	newParent.insert(detached, index)
	return nil
}

// insert places child at the given 0-based position, clamping out-of-range
// indexes. A negative index appends.
func (n *Node) insert(child *Node, index int) {
	if index < 0 || index >= len(n.Children) {
		n.Children = append(n.Children, child)
		return
	}
	n.Children = append(n.Children, nil)
	copy(n.Children[index+1:], n.Children[index:])
	n.Children[index] = child
}

// Walk visits the subtree in pre-order. Traversal stops when fn returns
// false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, child := range n.Children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// Size returns the number of nodes in the subtree.
func (n *Node) Size() int {
	count := 0
	n.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

// LeafCount returns the number of leaf nodes in the subtree.
func (n *Node) LeafCount() int {
	count := 0
	n.Walk(func(node *Node) bool {
		if len(node.Children) == 0 {
			count++
		}
		return true
	})
	return count
}

// Progress computes completion in [0,1]. Leaves score done=1.0,
// in_progress=0.5, anything else 0.0; interior nodes average their
// children.
func (n *Node) Progress() float64 {
	if len(n.Children) == 0 {
		switch n.Status {
		case StatusDone:
			return 1.0
		case StatusInProgress:
			return 0.5
		default:
			return 0.0
		}
	}
	total := 0.0
	for _, child := range n.Children {
		total += child.Progress()
	}
	return total / float64(len(n.Children))
}

// Stats summarizes a subtree for API responses.
type Stats struct {
	TotalTasks      int     `json:"total_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	InProgressTasks int     `json:"in_progress_tasks"`
	Progress        float64 `json:"progress"`
	LeafCount       int     `json:"leaf_count"`
}

// ComputeStats walks the subtree once and returns aggregate counts.
func (n *Node) ComputeStats() Stats {
	s := Stats{Progress: n.Progress()}
	n.Walk(func(node *Node) bool {
		s.TotalTasks++
		if len(node.Children) == 0 {
			s.LeafCount++
		}
		switch node.Status {
		case StatusDone:
			s.CompletedTasks++
		case StatusPending:
			s.PendingTasks++
		case StatusInProgress:
			s.InProgressTasks++
		}
		return true
	})
	return s
}

// Clone returns a deep copy of the subtree. Save snapshots are cloned so
// background writes never race with in-memory mutation.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	copied := &Node{
		ID:          n.ID,
		Title:       n.Title,
		Description: n.Description,
		Status:      n.Status,
		Children:    make([]*Node, 0, len(n.Children)),
	}
	for _, child := range n.Children {
		copied.Children = append(copied.Children, child.Clone())
	}
	return copied
}

// Marshal serializes the tree document with 2-space indentation and a
// trailing newline, matching the on-disk format.
func (n *Node) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tree: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a tree document. Missing status fields default to
// pending and nil child lists are normalized to empty slices so documents
// round-trip cleanly.
func Unmarshal(data []byte) (*Node, error) {
	var root Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	normalize(&root)
	return &root, nil
}

func normalize(n *Node) {
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Children == nil {
		n.Children = []*Node{}
	}
	for _, child := range n.Children {
		normalize(child)
	}
}
