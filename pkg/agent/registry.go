package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// runHandle tracks one active run or compaction for a session key.
type runHandle struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	aborted    atomic.Bool
	compacting atomic.Bool

	mu      sync.Mutex
	session Session
}

func (h *runHandle) setSession(s Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

func (h *runHandle) currentSession() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// runRegistry maps session keys to in-flight runs. Entries exist only while
// a run is active; the session lane guarantees at most one per key.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*runHandle
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*runHandle)}
}

// register adds a handle and returns the function that removes it.
func (r *runRegistry) register(sessionKey, runID string, cancel context.CancelFunc) (*runHandle, func()) {
	h := &runHandle{runID: runID, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.runs[sessionKey] = h
	r.mu.Unlock()

	return h, func() {
		r.mu.Lock()
		if r.runs[sessionKey] == h {
			delete(r.runs, sessionKey)
		}
		r.mu.Unlock()
		close(h.done)
	}
}

func (r *runRegistry) get(sessionKey string) *runHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[sessionKey]
}

func (r *runRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// AbortRun cancels the in-flight attempt for sessionKey. Queued runs are not
// affected.
func (r *Runner) AbortRun(sessionKey string) bool {
	h := r.registry.get(sessionKey)
	if h == nil {
		return false
	}
	h.aborted.Store(true)
	if s := h.currentSession(); s != nil {
		s.Abort()
	}
	h.cancel()
	r.logger.Info().Str("session_key", sessionKey).Str("run_id", h.runID).Msg("Aborting agent run")
	return true
}

// QueueMessage steers the streaming attempt for sessionKey with text. It
// reports false when nothing is streaming or the run is compacting.
func (r *Runner) QueueMessage(sessionKey, text string) bool {
	h := r.registry.get(sessionKey)
	if h == nil || h.compacting.Load() {
		return false
	}
	s := h.currentSession()
	if s == nil || !s.IsStreaming() {
		return false
	}
	if err := s.Steer(text); err != nil {
		r.logger.Debug().Err(err).Str("session_key", sessionKey).Msg("Steer rejected")
		return false
	}
	return true
}

// IsRunActive reports whether a run or compaction is in flight.
func (r *Runner) IsRunActive(sessionKey string) bool {
	return r.registry.get(sessionKey) != nil
}

// IsRunStreaming reports whether the active run is mid-prompt.
func (r *Runner) IsRunStreaming(sessionKey string) bool {
	h := r.registry.get(sessionKey)
	if h == nil {
		return false
	}
	s := h.currentSession()
	return s != nil && s.IsStreaming()
}

// IsRunCompacting reports whether the session is being compacted.
func (r *Runner) IsRunCompacting(sessionKey string) bool {
	h := r.registry.get(sessionKey)
	return h != nil && h.compacting.Load()
}

// WaitForRunEnd blocks until the active run for sessionKey ends. It returns
// true immediately when none is active and false when ctx ends first.
func (r *Runner) WaitForRunEnd(ctx context.Context, sessionKey string) bool {
	h := r.registry.get(sessionKey)
	if h == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	case <-ctx.Done():
		return false
	}
}
