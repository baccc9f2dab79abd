package jobs

import (
	"context"
	"sync"

	"voicebridge/internal/models"
)

// Handler executes a job and returns its output payload.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// Registry maps job types to handlers. External registrations claim a
// type ahead of the built-in handlers, which keeps behavior pluggable
// without any global dispatcher. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	external map[string]Handler
	builtin  map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		external: make(map[string]Handler),
		builtin:  make(map[string]Handler),
	}
}

// Register binds an external handler to a job type.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external[jobType] = h
}

func (r *Registry) registerBuiltin(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtin[jobType] = h
}

// Resolve returns the handler for a job type, external first.
func (r *Registry) Resolve(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.external[jobType]; ok {
		return h, true
	}
	h, ok := r.builtin[jobType]
	return h, ok
}
