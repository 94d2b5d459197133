package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emberworks/cadent/errors"
)

// Handler executes jobs of a single type.
// Domain packages implement this interface to handle their job types,
// allowing the queue infrastructure to remain decoupled from domain logic.
//
// Handlers decode their own payload from job.Payload and return an
// opaque result stored on the completed job. A returned error is
// classified into the transient/permanent/auth taxonomy (see Classify)
// unless it already is a *JobError.
//
// Handlers must be idempotent or safely re-runnable: delivery is
// at-least-once, so a handler may run again for the same logical work
// if a prior attempt's completion write was lost.
type Handler interface {
	// Execute runs the job and returns its result.
	// The context carries the per-type deadline; handlers doing I/O
	// should pass it through so a timeout surfaces as a failure.
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)

	// Type returns the job type this handler serves (e.g.
	// "credential.sweep", "social.post").
	Type() string

	// Timeout returns the per-invocation deadline for this job type.
	// Zero means use the scheduler's default.
	Timeout() time.Duration
}

// HandlerFunc adapts a plain function to the Handler interface with a
// fixed type and timeout. Useful in tests and for simple collaborators.
type HandlerFunc struct {
	JobType     string
	ExecTimeout time.Duration
	Fn          func(ctx context.Context, job *Job) (json.RawMessage, error)
}

func (h HandlerFunc) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return h.Fn(ctx, job)
}

func (h HandlerFunc) Type() string { return h.JobType }

func (h HandlerFunc) Timeout() time.Duration { return h.ExecTimeout }

// Registry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its own Type().
// Panics if a handler is already registered for that type: duplicate
// registration is a wiring bug, not a runtime condition.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.Type()
	if jobType == "" {
		panic("handler has empty job type")
	}
	if _, exists := r.handlers[jobType]; exists {
		panic("handler already registered for job type: " + jobType)
	}
	r.handlers[jobType] = handler
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *Registry) Get(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks that every required job type has a registered
// handler. Called at scheduler start so an unregistered type fails
// the process at startup instead of surfacing as a dispatch-time
// failure on the first matching job.
func (r *Registry) Validate(required ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, jobType := range required {
		if _, exists := r.handlers[jobType]; !exists {
			missing = append(missing, jobType)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(errors.ErrUnknownJobType,
			"no handler registered for: %s", strings.Join(missing, ", "))
	}
	return nil
}
