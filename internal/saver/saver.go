// Package saver schedules background tree saves with one in-flight
// write per tree id.
package saver

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/nibzard/mangrove/internal/persist"
	"github.com/nibzard/mangrove/internal/tree"
)

// Saver coalesces rapid mutations of the same tree into a single
// background write: while a save is in flight, newer snapshots replace
// the pending one, so the disk always converges on the latest state
// without a write per keystroke.
type Saver struct {
	store  *persist.Store
	logger *log.Logger

	mu     sync.Mutex
	states map[string]*state
	wg     sync.WaitGroup
	closed bool
}

type state struct {
	pending *tree.Node
	force   bool
	running bool
	lastErr error
}

// New creates a Saver writing through the given store.
func New(store *persist.Store, logger *log.Logger) *Saver {
	if logger == nil {
		logger = log.Default()
	}
	return &Saver{
		store:  store,
		logger: logger,
		states: make(map[string]*state),
	}
}

// Schedule queues a save of snapshot for treeID. The call never blocks
// on disk I/O. Callers pass an already-cloned snapshot; the saver takes
// ownership of it. force carries through to the backup policy and is
// sticky until the next write completes.
func (s *Saver) Schedule(treeID string, snapshot *tree.Node, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("save scheduled after shutdown, dropping", "tree", treeID)
		return
	}

	st, ok := s.states[treeID]
	if !ok {
		st = &state{}
		s.states[treeID] = st
	}
	st.pending = snapshot
	st.force = st.force || force

	if !st.running {
		st.running = true
		s.wg.Add(1)
		go s.drain(treeID, st)
	}
}

// drain writes pending snapshots for one tree until none remain. Only
// one drain goroutine runs per tree id, which serializes the
// write-then-rename sequence per tree.
func (s *Saver) drain(treeID string, st *state) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		snapshot, force := st.pending, st.force
		st.pending, st.force = nil, false
		if snapshot == nil {
			st.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		err := s.store.Save(treeID, snapshot, force)
		if err != nil {
			s.logger.Error("background save failed", "tree", treeID, "err", err)
		}

		s.mu.Lock()
		st.lastErr = err
		s.mu.Unlock()
	}
}

// Err returns the result of the last completed save for treeID.
func (s *Saver) Err(treeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[treeID]; ok {
		return st.lastErr
	}
	return nil
}

// Pending reports whether a save for treeID is queued or in flight.
func (s *Saver) Pending(treeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[treeID]
	return ok && (st.running || st.pending != nil)
}

// Flush waits for every queued and in-flight save to complete, or for
// the context to expire. Used by forced full flush and shutdown.
func (s *Saver) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new saves and flushes the rest.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}
