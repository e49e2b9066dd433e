package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nibzard/mangrove/internal/persist"
	"github.com/nibzard/mangrove/internal/service"
	"github.com/nibzard/mangrove/internal/tree"
)

// taskCreateRequest is the payload for creating a task or a tree root.
type taskCreateRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// taskUpdateRequest carries optional task field updates.
type taskUpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// moveRequest carries a reparenting request. An empty new_parent_id
// moves the task to the root level.
type moveRequest struct {
	NewParentID string `json:"new_parent_id"`
	Index       *int   `json:"index"`
}

// treeResponse is a tree document plus aggregate statistics.
type treeResponse struct {
	Root           *tree.Node `json:"root"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	Progress       float64    `json:"progress"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	treeID := mux.Vars(r)["treeID"]
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	root, err := s.svc.CreateTree(treeID, service.TaskFields{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      tree.Status(req.Status),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, root)
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	s.writeTree(w, mux.Vars(r)["treeID"])
}

func (s *Server) handleGetCurrentTree(w http.ResponseWriter, r *http.Request) {
	s.writeTree(w, "")
}

func (s *Server) writeTree(w http.ResponseWriter, treeID string) {
	root, err := s.svc.GetTree(treeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats := root.ComputeStats()
	writeJSON(w, http.StatusOK, treeResponse{
		Root:           root,
		TotalTasks:     stats.TotalTasks,
		CompletedTasks: stats.CompletedTasks,
		Progress:       stats.Progress,
	})
}

func (s *Server) handleDeleteTree(w http.ResponseWriter, r *http.Request) {
	treeID := mux.Vars(r)["treeID"]
	if err := s.svc.DeleteTree(treeID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Tree " + treeID + " deleted"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	task, err := s.svc.AddTask(
		r.URL.Query().Get("tree_id"),
		r.URL.Query().Get("parent_id"),
		service.TaskFields{
			ID:          req.ID,
			Title:       req.Title,
			Description: req.Description,
			Status:      tree.Status(req.Status),
		},
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.URL.Query().Get("tree_id"), mux.Vars(r)["taskID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	upd := service.TaskUpdate{Title: req.Title, Description: req.Description}
	if req.Status != nil {
		status := tree.Status(*req.Status)
		upd.Status = &status
	}
	task, err := s.svc.UpdateTask(r.URL.Query().Get("tree_id"), mux.Vars(r)["taskID"], upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	task, err := s.svc.MoveTask(r.URL.Query().Get("tree_id"), mux.Vars(r)["taskID"], req.NewParentID, index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskID"]
	if err := s.svc.DeleteTask(r.URL.Query().Get("tree_id"), taskID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Task " + taskID + " deleted"})
}

func (s *Server) handleSubtree(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.URL.Query().Get("tree_id"), mux.Vars(r)["taskID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "Query parameter q is required", http.StatusBadRequest)
		return
	}
	results, err := s.svc.Search(r.URL.Query().Get("tree_id"), query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []*tree.Node{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.TreeStats(r.URL.Query().Get("tree_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAutoSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	s.svc.SetAutoSave(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleSaveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ForceSaveAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// writeError maps service and persistence failures to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var dup *tree.DuplicateIDError
	switch {
	case errors.Is(err, service.ErrTreeNotFound),
		errors.Is(err, service.ErrNoCurrentTree),
		errors.Is(err, tree.ErrNotFound),
		errors.Is(err, persist.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrTreeExists),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, tree.ErrCycle),
		errors.Is(err, tree.ErrRootTask),
		errors.Is(err, persist.ErrInvalidTreeID),
		errors.As(err, &dup):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
