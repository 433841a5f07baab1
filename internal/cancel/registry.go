// Package cancel implements the process-wide cancellation registry. Jobs
// register themselves under an opaque handle; cancellation is cooperative
// and surfaces as the ErrCanceled sentinel at well-defined checkpoints,
// never as a panic.
package cancel

import (
	"errors"
	"sync"
)

// ErrCanceled marks a cooperative cancellation. It is not an error in the
// reporting sense: jobs observing it exit silently and never record it.
var ErrCanceled = errors.New("canceled")

// IsCanceled reports whether err is, or wraps, a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

type entry struct {
	canceled bool
	silent   bool
	aborts   []func()
}

// Registry maps opaque job handles to cancellation state. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[any]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[any]*entry)}
}

func (r *Registry) get(h any) *entry {
	e, ok := r.entries[h]
	if !ok {
		e = &entry{}
		r.entries[h] = e
	}
	return e
}

// Cancel requests cooperative cancellation of the handle and invokes any
// registered abort hooks (e.g. aborting an in-flight statement).
func (r *Registry) Cancel(h any) {
	r.cancel(h, false)
}

// CancelSilently cancels like Cancel but marks the cancellation silent, so
// errors produced by aborted work are suppressed rather than surfaced.
func (r *Registry) CancelSilently(h any) {
	r.cancel(h, true)
}

func (r *Registry) cancel(h any, silent bool) {
	r.mu.Lock()
	e := r.get(h)
	e.canceled = true
	e.silent = e.silent || silent
	aborts := e.aborts
	e.aborts = nil
	r.mu.Unlock()
	for _, abort := range aborts {
		abort()
	}
}

// Check is the cooperative checkpoint: it returns ErrCanceled if the handle
// has been cancelled, nil otherwise.
func (r *Registry) Check(h any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[h]; ok && e.canceled {
		return ErrCanceled
	}
	return nil
}

// IsSilent reports whether the handle was cancelled silently.
func (r *Registry) IsSilent(h any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	return ok && e.silent
}

// Reset clears all state for the handle. Jobs reset their entry on every
// exit path so a recycled handle starts clean.
func (r *Registry) Reset(h any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// OnCancel registers an abort hook for the handle. If the handle is already
// cancelled the hook runs immediately. Hooks fire at most once; ClearAbort
// removes hooks when the guarded work completes.
func (r *Registry) OnCancel(h any, abort func()) {
	r.mu.Lock()
	e := r.get(h)
	if e.canceled {
		r.mu.Unlock()
		abort()
		return
	}
	e.aborts = append(e.aborts, abort)
	r.mu.Unlock()
}

// ClearAbort drops all abort hooks for the handle without touching its
// cancellation flag.
func (r *Registry) ClearAbort(h any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[h]; ok {
		e.aborts = nil
	}
}
