// ============================================================================
// Stream Processor Contracts
// ============================================================================
//
// Package: internal/streamproc
// File: streamproc.go
// Purpose: The user-supplied side of the controller's four-phase
// lifecycle (spec.md §4.4/§4.5): EventFilter, StreamProcessor,
// StateResource, EventProcessor, and the deferred-completion handle a
// handler uses when phase 1 can't finish synchronously.
//
// Shape follows the teacher's internal/worker/types.go: plain, small
// interfaces the controller calls into, no behavior of their own here.
//
// ============================================================================

package streamproc

import (
	"context"
	"io"

	"github.com/flowlog/streamproc/internal/streamlog"
)

// EventFilter is a pure, side-effect-free predicate over a record. It
// must be deterministic: it runs identically during reprocessing and
// live processing, and a non-deterministic filter breaks replay
// correctness (spec.md §4.5).
type EventFilter func(rec streamlog.Record) bool

// StateResource is the processor's recoverable state. The controller is
// its only caller: Reset at startup, RestoreFrom during recovery,
// SerializeTo during snapshot, and handlers mutate it during UpdateState.
type StateResource interface {
	Reset()
	SerializeTo(w io.Writer) error
	RestoreFrom(r io.Reader) error
}

// StreamProcessor is supplied by the user of this package. OnEvent is
// called once per (filtered) record, during both reprocessing and live
// running, and decides whether the record needs handling at all.
type StreamProcessor interface {
	OnOpen(ctx context.Context) error
	// OnEvent returns a new EventProcessor to handle rec, or nil to skip
	// it. Handlers are single-use: a new one is requested per record.
	OnEvent(rec streamlog.Record) (EventProcessor, error)
	// OnRecovered is called once, after reprocessing completes and
	// before the controller enters RUNNING.
	OnRecovered() error
	OnClose() error
	StateResource() StateResource
}

// EventProcessor handles exactly one record through the four-phase
// sequence: Process, ExecuteSideEffects, WriteEvent, UpdateState.
type EventProcessor interface {
	// Process runs phase 1. If it needs to wait on something async, it
	// registers a DeferredCompletion on ctx and returns once that
	// registration is made; the controller awaits the completion before
	// moving to phase 2.
	Process(ctx *LifecycleContext) error
	// ExecuteSideEffects runs phase 2. false means "not done yet, retry
	// me later" and is not itself an error.
	ExecuteSideEffects() (bool, error)
	// WriteEvent runs phase 3. A negative position means "transient
	// failure, retry me later" and is not itself an error.
	WriteEvent(writer streamlog.Writer) (streamlog.Position, error)
	// UpdateState runs phase 4, mutating the processor's StateResource.
	UpdateState() error
}

// LifecycleContext is passed to Process. A handler that cannot complete
// phase 1 synchronously calls Defer to obtain a single-slot completion
// handle; the controller parks the four-phase sequence until it's
// completed, then resumes at phase 2.
type LifecycleContext struct {
	ctx      context.Context
	deferred *DeferredCompletion
}

// NewLifecycleContext wraps ctx for a single handler invocation.
func NewLifecycleContext(ctx context.Context) *LifecycleContext {
	return &LifecycleContext{ctx: ctx}
}

// Context returns the context the controller was opened/driven with.
func (c *LifecycleContext) Context() context.Context {
	return c.ctx
}

// Defer registers a pending completion for this handler invocation. It
// must be called at most once per Process call.
func (c *LifecycleContext) Defer() *DeferredCompletion {
	d := &DeferredCompletion{done: make(chan struct{})}
	c.deferred = d
	return d
}

// Pending reports the deferred completion registered by the most recent
// Defer call, if any. Exported for the controller package to poll after
// Process returns; handlers should not need to call it themselves.
func (c *LifecycleContext) Pending() *DeferredCompletion {
	return c.deferred
}

// DeferredCompletion is a single-slot, write-once completion handle.
type DeferredCompletion struct {
	done chan struct{}
	err  error
}

// Complete resolves the deferred completion. Safe to call exactly once.
func (d *DeferredCompletion) Complete(err error) {
	d.err = err
	close(d.done)
}

// Done returns a channel that closes when Complete is called.
func (d *DeferredCompletion) Done() <-chan struct{} {
	return d.done
}

// Err returns the error passed to Complete. Only meaningful after Done
// has closed.
func (d *DeferredCompletion) Err() error {
	return d.err
}
