// Package handler defines the stage handler contract and the registry that
// maps a pipeline stage to its single registered implementation.
//
// Handler business logic (HTTP download, audio resampling, speech-to-text,
// LLM calls) is out of scope here; this package only defines the contract
// handlers must honor and the lookup mechanism the worker uses.
package handler

import (
	"context"
	"fmt"

	"orchestrator/internal/task"
)

// Emitter lets a handler publish progress without knowing about the bus
// implementation. Progress must be emitted monotonically in ProgressPct; the
// final successful emission must be {stage: "completed", progress_pct: 100}.
type Emitter interface {
	Emit(task.ProgressEvent)
}

// Episode is the minimal view of an episode a handler needs: its current
// artifact state, resolved by the worker from an external repository.
type Episode struct {
	ID    string
	State string
}

// Handler executes one pipeline stage for one task.
//
// Implementations must:
//  1. Be idempotent: if the stage's output artifact already exists for the
//     episode, return nil without redoing work.
//  2. Signal failure via apperr.TransientError / apperr.FatalError when the
//     classification is known, or any other error (classified by package
//     classify) otherwise.
//  3. Emit progress monotonically via Emitter; the final successful call
//     emits {stage: "completed", progress_pct: 100}.
//  4. Observe ctx.Done() at well-defined checkpoints and return
//     apperr.CancellationError when it fires.
type Handler interface {
	Handle(ctx context.Context, t task.Task, ep Episode, emit Emitter) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, t task.Task, ep Episode, emit Emitter) error

func (f HandlerFunc) Handle(ctx context.Context, t task.Task, ep Episode, emit Emitter) error {
	return f(ctx, t, ep, emit)
}

// Registry is a stage -> handler lookup table, built once at process start.
// It is intentionally not safe for concurrent registration after
// construction: registration is a startup-time activity, not a runtime one.
type Registry struct {
	handlers map[task.Stage]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[task.Stage]Handler)}
}

// Register associates h with stage. Registering the same stage twice is a
// programming error and panics, since stage->handler wiring happens once at
// startup.
func (r *Registry) Register(stage task.Stage, h Handler) {
	if _, exists := r.handlers[stage]; exists {
		panic(fmt.Sprintf("handler: stage %q already registered", stage))
	}
	r.handlers[stage] = h
}

// MustHandler returns the handler for stage. An unknown stage is a
// programming error (the stage should have been validated before any task
// reached the worker), so this panics rather than returning an error.
func (r *Registry) MustHandler(stage task.Stage) Handler {
	h, ok := r.handlers[stage]
	if !ok {
		panic(fmt.Sprintf("handler: no handler registered for stage %q", stage))
	}
	return h
}
