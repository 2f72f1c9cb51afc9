package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
)

// abortHandle is one conversation's in-flight run. The context cancellation
// tears the stream down; the flag distinguishes a user /stop from every
// other way the context can die, so finalization knows whether to send the
// interrupted acknowledgement.
type abortHandle struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// Abort flips the stop flag and cancels the run.
func (h *abortHandle) Abort() {
	h.stopped.Store(true)
	h.cancel()
}

// Aborted reports whether the run was stopped by the user.
func (h *abortHandle) Aborted() bool {
	return h.stopped.Load()
}

// abortRegistry tracks the abort handle of each conversation's current run.
// A conversation has at most one handle; installing a new one aborts and
// replaces the old, so a fresh message always wins over a stale stream.
type abortRegistry struct {
	mu      sync.Mutex
	handles map[string]*abortHandle
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{handles: make(map[string]*abortHandle)}
}

// install replaces the conversation's handle and returns the run context.
func (r *abortRegistry) install(ctx context.Context, conversationID string) (context.Context, *abortHandle) {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &abortHandle{cancel: cancel}

	r.mu.Lock()
	prior := r.handles[conversationID]
	r.handles[conversationID] = handle
	r.mu.Unlock()

	if prior != nil {
		prior.Abort()
	}
	return runCtx, handle
}

// abort stops the conversation's current run. Returns false when nothing is
// running.
func (r *abortRegistry) abort(conversationID string) bool {
	r.mu.Lock()
	handle := r.handles[conversationID]
	r.mu.Unlock()

	if handle == nil {
		return false
	}
	handle.Abort()
	return true
}

// clear removes the handle when it is still the installed one. A handle
// replaced by a newer message is left alone.
func (r *abortRegistry) clear(conversationID string, handle *abortHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[conversationID] == handle {
		delete(r.handles, conversationID)
		handle.cancel()
	}
}
