package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nibzard/mangrove/internal/service"
	"github.com/nibzard/mangrove/internal/tree"
)

// handleSampleTree creates a small demo tree. Task ids are normally
// client-generated; here the server stands in for the client with
// uuid-suffixed ids so repeated calls never collide.
func (s *Server) handleSampleTree(w http.ResponseWriter, r *http.Request) {
	treeID := "sample-" + uuid.NewString()[:8]

	if _, err := s.svc.CreateTree(treeID, service.TaskFields{
		ID:    "root",
		Title: "Root Task",
	}); err != nil {
		s.writeError(w, err)
		return
	}

	children := []struct {
		id, title, parent string
		status            tree.Status
	}{
		{id: "child1", title: "Child 1", parent: "root"},
		{id: "child2", title: "Child 2", parent: "root"},
		{id: "grandchild1", title: "Grandchild 1", parent: "child1", status: tree.StatusInProgress},
		{id: "grandchild2", title: "Grandchild 2", parent: "child1"},
	}
	for _, c := range children {
		if _, err := s.svc.AddTask(treeID, c.parent, service.TaskFields{
			ID:     c.id,
			Title:  c.title,
			Status: c.status,
		}); err != nil {
			s.writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "Sample tree created",
		"tree_id": treeID,
	})
}
