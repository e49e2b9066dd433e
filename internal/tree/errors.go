package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a task id absent from the tree.
	ErrNotFound = errors.New("task not found")

	// ErrCycle indicates a move that would make a node an ancestor of
	// itself.
	ErrCycle = errors.New("move would create a cycle")

	// ErrRootTask indicates a task operation that is not allowed on the
	// tree root. Whole-tree deletion is its own operation.
	ErrRootTask = errors.New("operation not allowed on the root task")
)

// DuplicateIDError reports an id that already exists in the tree.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("task %q already exists", e.ID)
}

// ValidationError is a document validation failure with a JSON path.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
