// Package jobs holds the seam between the queue engine and the domain
// logic around it: the enqueue service, the handler registry, and the
// per-execution log sink handed to handlers.
package jobs

import (
	"context"
	"sort"
	"sync"

	"netboot-jobqueue/internal/models"
)

// Handler executes the side effect for one job type. It receives the job's
// payload via the job record and a log sink whose writes are persisted and
// streamed live in order. The returned map becomes the job's result.
type Handler func(ctx context.Context, job models.Job, log *Logger) (map[string]any, error)

// Registry maps dotted type strings (e.g. "images.fetch") to handlers.
// Registration happens at process startup; the RWMutex keeps dynamic
// registration safe anyway.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Empty types and nil handlers are
// ignored; re-registering a type replaces the previous handler.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

// Resolve returns the handler for a job type.
func (r *Registry) Resolve(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered type strings, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
