package session

import (
	"log/slog"
	"sync"
)

// Registry is the concurrency-safe map of active call sessions. It owns every
// live session: a call exists exactly as long as its entry here does.
//
// Locking is two-level: the registry lock covers existence and lookup only,
// each session's own lock covers field mutation. Never hold both across a
// blocking call.
type Registry struct {
	mu         sync.RWMutex
	byCall     map[string]*Session
	byTransfer map[string]string // transferID -> callID
}

// NewRegistry creates an empty registry. The registry is always an injected
// dependency, never a package singleton.
func NewRegistry() *Registry {
	return &Registry{
		byCall:     make(map[string]*Session),
		byTransfer: make(map[string]string),
	}
}

// Put registers a session under its call id. Returns false if a session with
// that id already exists (duplicate webhook delivery).
func (r *Registry) Put(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCall[s.ID]; exists {
		return false
	}
	r.byCall[s.ID] = s
	return true
}

// Get returns the session for a call id.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCall[callID]
	return s, ok
}

// BindTransfer indexes a session under a transfer id so agent claims can
// find it without knowing the call id.
func (r *Registry) BindTransfer(transferID, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTransfer[transferID] = callID
}

// GetByTransfer returns the session owning a transfer id.
func (r *Registry) GetByTransfer(transferID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	callID, ok := r.byTransfer[transferID]
	if !ok {
		return nil, false
	}
	s, ok := r.byCall[callID]
	return s, ok
}

// Delete removes a session and any transfer binding pointing at it.
func (r *Registry) Delete(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCall[callID]
	if !ok {
		return
	}
	delete(r.byCall, callID)
	for tid, cid := range r.byTransfer {
		if cid == callID {
			delete(r.byTransfer, tid)
		}
	}
	slog.Debug("[Registry] Session removed", "call_id", s.ID, "remaining", len(r.byCall))
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}

// Each calls fn for every active session. The registry lock is held for the
// duration; fn must not block or re-enter the registry.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byCall {
		fn(s)
	}
}
