// Package web exposes the task tree service over HTTP.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/nibzard/mangrove/internal/service"
)

// Server is the mangrove HTTP server.
type Server struct {
	svc    *service.Service
	logger *log.Logger
	router *mux.Router
	http   *http.Server
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(svc *service.Service, addr, corsOrigin string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		svc:    svc,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.routes(corsOrigin)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(corsOrigin string) {
	s.router.Use(corsMiddleware(corsOrigin))

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sample-tree", s.handleSampleTree).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/autosave", s.handleAutoSave).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/save", s.handleSaveAll).Methods(http.MethodPost, http.MethodOptions)

	tasks := api.PathPrefix("/tasks").Subrouter()
	tasks.HandleFunc("/trees", s.handleGetCurrentTree).Methods(http.MethodGet, http.MethodOptions)
	tasks.HandleFunc("/trees/{treeID}", s.handleCreateTree).Methods(http.MethodPost, http.MethodOptions)
	tasks.HandleFunc("/trees/{treeID}", s.handleGetTree).Methods(http.MethodGet)
	tasks.HandleFunc("/trees/{treeID}", s.handleDeleteTree).Methods(http.MethodDelete)
	tasks.HandleFunc("/search/", s.handleSearch).Methods(http.MethodGet, http.MethodOptions)
	tasks.HandleFunc("/stats/", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	tasks.HandleFunc("", s.handleCreateTask).Methods(http.MethodPost, http.MethodOptions)
	tasks.HandleFunc("/", s.handleCreateTask).Methods(http.MethodPost)
	tasks.HandleFunc("/{taskID}", s.handleGetTask).Methods(http.MethodGet, http.MethodOptions)
	tasks.HandleFunc("/{taskID}", s.handleUpdateTask).Methods(http.MethodPut)
	tasks.HandleFunc("/{taskID}", s.handleDeleteTask).Methods(http.MethodDelete)
	tasks.HandleFunc("/{taskID}/move", s.handleMoveTask).Methods(http.MethodPost, http.MethodOptions)
	tasks.HandleFunc("/{taskID}/subtree", s.handleSubtree).Methods(http.MethodGet, http.MethodOptions)
}

// ListenAndServe runs the server until the context is cancelled, then
// shuts down gracefully within the given timeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// corsMiddleware allows the configured frontend origin.
func corsMiddleware(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
