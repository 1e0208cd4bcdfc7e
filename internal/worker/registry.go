package worker

import (
	"context"
	"fmt"

	"commerce-outbox/internal/models"
)

// Handler executes one job and reports a classified outcome. Handlers are
// the only place business side effects happen; they never let an error
// escape unclassified.
type Handler interface {
	Execute(ctx context.Context, job models.Job) models.Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job models.Job) models.Outcome

func (f HandlerFunc) Execute(ctx context.Context, job models.Job) models.Outcome {
	return f(ctx, job)
}

// Registry maps the closed job-type set to handlers.
type Registry struct {
	handlers map[models.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobType]Handler)}
}

// Register binds a handler to a job type.
func (r *Registry) Register(jobType models.JobType, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

// Resolve looks up the handler for a job type.
func (r *Registry) Resolve(jobType models.JobType) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Validate fails if any known job type lacks a handler, so a missing
// registration surfaces at startup instead of as runtime job failures.
func (r *Registry) Validate() error {
	for _, t := range models.KnownJobTypes() {
		if _, ok := r.handlers[t]; !ok {
			return fmt.Errorf("no handler registered for job type %q", t)
		}
	}
	return nil
}
