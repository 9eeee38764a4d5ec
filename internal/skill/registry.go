// Package skill implements the out-of-scope-body dispatch registry the
// Worker Runtime uses to turn a task's skill_id and payload into a
// response body. Handler bodies beyond the illustrative ones here are
// the caller's concern.
package skill

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one task's payload and returns the response body to
// write back. A non-nil error is logged by the caller and the session
// closes; a Handler must not panic for expected inputs.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps skill_id to Handler. Safe for concurrent registration
// and dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]Handler)}
}

// Register associates skillID with h, replacing any existing handler.
func (r *Registry) Register(skillID uint32, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[skillID] = h
}

// Dispatch looks up the handler for skillID and invokes it. Returns an
// error if no handler is registered.
func (r *Registry) Dispatch(ctx context.Context, skillID uint32, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[skillID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skill: no handler registered for skill_id %d", skillID)
	}
	return h(ctx, payload)
}
