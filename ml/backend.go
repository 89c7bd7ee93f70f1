package ml

import (
	"errors"
	"fmt"
)

// Backend is an execution context for one hardware or processing unit. Each
// backend owns an independent command queue: work submitted with the async
// variants runs in submission order on that queue.
//
// ComputeAsync and CopyAsync must capture their arguments at submission time
// so the scheduler can rebind node sources between invocations.
type Backend interface {
	Name() string

	// Priority orders backends for assignment. Lower values are preferred;
	// the backend with the highest value is the fallback and must support
	// every operation.
	Priority() int

	// Supports reports whether the backend can execute node given where its
	// sources currently reside.
	Supports(node *Tensor) bool

	// Copy copies src into dst, blocking until the destination queue has
	// drained and the copy is complete.
	Copy(dst, src *Tensor) error

	// CopyAsync enqueues a copy of src into dst on the backend's queue. It
	// returns false if the backend cannot copy asynchronously, in which case
	// the caller must fall back to Copy.
	CopyAsync(dst, src *Tensor) bool

	// Compute executes nodes in order and blocks until they complete.
	Compute(nodes []*Tensor) error

	// ComputeAsync enqueues nodes for execution. An error reports a rejected
	// submission; execution errors surface on Synchronize.
	ComputeAsync(nodes []*Tensor) error

	// RecordEvent enqueues a completion token: the event fires once all work
	// submitted to this backend before the call has completed.
	RecordEvent() Event

	// WaitEvent enqueues a wait on this backend's queue: work submitted
	// after the call does not run until the event has fired.
	WaitEvent(Event)

	// Synchronize blocks until the backend's queue has drained, returning
	// any execution error raised by previously submitted work.
	Synchronize() error
}

// Event is an opaque cross-backend completion token.
type Event interface {
	ID() string

	// Synchronize blocks the calling goroutine until the event has fired.
	Synchronize()
}

// Allocator reserves backend-local storage for scheduler-managed tensors.
type Allocator interface {
	// Reserve sets aside storage on b for every tensor in the list. Tensors
	// that already have a buffer, and views, need no storage and may be
	// skipped.
	Reserve(b Backend, tensors []*Tensor) error

	// Bind attaches previously reserved storage to the tensor.
	Bind(t *Tensor) error
}

// Sizer is an optional interface an Allocator can implement to report how
// much storage it is holding per backend.
type Sizer interface {
	AllocatedBytes(b Backend) uint64
}

var (
	// ErrUnsupportedOperation reports a node that no registered backend,
	// including the fallback, can execute.
	ErrUnsupportedOperation = errors.New("operation not supported by any backend")

	// ErrAllocationFailed reports that backend storage could not be
	// reserved for a scheduled graph.
	ErrAllocationFailed = errors.New("unable to allocate backend storage")

	// ErrSubmissionFailed reports a backend rejecting a compute or copy
	// submission. Work already submitted is not rolled back.
	ErrSubmissionFailed = errors.New("backend rejected submission")
)

var backends = make(map[string]func() (Backend, error))

// RegisterBackend registers a named backend constructor. Registering the
// same name twice panics.
func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend constructs a registered backend by name.
func NewBackend(name string) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
