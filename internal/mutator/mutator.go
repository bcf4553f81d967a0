// Package mutator implements the scoped mutator/guard discipline: the
// boundary between "the mutator phase may allocate and dereference" and
// "a future collector phase may traverse the whole heap". Rust's source
// material proves this at compile time with a borrow-checked lifetime
// parameter on the guard; Go has no borrow checker, so the guarantee is
// approximated the idiomatic Go way instead: Guard's fields are
// unexported, so no package outside this one can fabricate a Guard
// value, and every function that returns a safely-dereferenceable
// ScopedPtr requires one as an argument. RunMutator is the only place a
// Guard is constructed, and it is discarded the instant the task
// returns, so a caller cannot retain a live Guard past the scope of its
// task — the same "cannot smuggle the guard out" contract the spec asks
// for, enforced by encapsulation rather than the type system.
package mutator

import "stickylisp/internal/heapimpl"

// Guard is the scope token threaded through every mutator task. Its
// presence is required to turn a RawPtr/CellPtr into a safely
// dereferenceable ScopedPtr.
type Guard struct {
	heap *heapimpl.Heap
}

// Heap exposes the heap a live guard was issued for, so allocation
// helpers (lispval, bytecode) can reserve new objects during a task.
func (g *Guard) Heap() *heapimpl.Heap { return g.heap }

// RunMutator is the heap's single entry point for mutator work: for the
// duration of task, it lends a short-lived Guard. The guard is dropped
// the moment task returns, so task's return value must be an "at rest"
// type (CellPtr, TaggedCellPtr, or a plain value) that does not carry
// any ScopedPtr derived from the guard.
func RunMutator[I any, O any](h *heapimpl.Heap, input I, task func(g *Guard, in I) (O, error)) (O, error) {
	g := &Guard{heap: h}
	out, err := task(g, input)
	g.heap = nil
	return out, err
}

// RawPtr is a non-null raw pointer to a heap-allocated T. It carries no
// deref safety of its own; obtaining a usable reference to the pointee
// requires presenting a live Guard via Scope.
type RawPtr[T any] struct {
	ptr *T
}

// NewRawPtr wraps a non-nil pointer as a RawPtr. It panics on a nil
// pointer, matching the spec's "non-null raw pointer" invariant — this
// is a broken-invariant condition, not an anticipated runtime error, so
// a panic (not a returned error) is the right response per the error
// handling design's recovery policy.
func NewRawPtr[T any](p *T) RawPtr[T] {
	if p == nil {
		panic("stickylisp: NewRawPtr requires a non-nil pointer")
	}
	return RawPtr[T]{ptr: p}
}

// IsNil reports whether the zero-valued RawPtr was never assigned.
func (r RawPtr[T]) IsNil() bool { return r.ptr == nil }

// Unsafe returns the underlying pointer without requiring a Guard,
// naming its lack of deref safety explicitly rather than hiding it,
// following the modernc.org/memory convention of prefixing the
// guard-free half of its API with Unsafe.
func (r RawPtr[T]) Unsafe() *T { return r.ptr }

// ScopedPtr pairs a raw pointer with proof that a mutator guard is live.
// It is safe to dereference only because the only way to construct one
// is by presenting a *Guard.
type ScopedPtr[T any] struct {
	ptr *T
}

// Scope turns a RawPtr into a ScopedPtr, requiring a live Guard as
// evidence that dereferencing is currently legal.
func Scope[T any](_ *Guard, r RawPtr[T]) ScopedPtr[T] {
	return ScopedPtr[T]{ptr: r.ptr}
}

// Deref returns the underlying pointer. Only reachable by first calling
// Scope, which requires a Guard.
func (s ScopedPtr[T]) Deref() *T { return s.ptr }

// IsNil reports whether the scoped pointer is the zero value.
func (s ScopedPtr[T]) IsNil() bool { return s.ptr == nil }

// Raw demotes a ScopedPtr back to the "at rest" RawPtr representation,
// for storing back into a CellPtr.
func (s ScopedPtr[T]) Raw() RawPtr[T] { return RawPtr[T]{ptr: s.ptr} }

// CellPtr is the interior-mutable, "at rest" container for a RawPtr<T>
// that lives inside a heap object.
type CellPtr[T any] struct {
	ptr *T
}

// NewCellPtr constructs a CellPtr already pointing at target.
func NewCellPtr[T any](target *T) CellPtr[T] {
	return CellPtr[T]{ptr: target}
}

// Get reads the cell's current raw pointer.
func (c *CellPtr[T]) Get() RawPtr[T] { return RawPtr[T]{ptr: c.ptr} }

// Set overwrites the cell's raw pointer.
func (c *CellPtr[T]) Set(r RawPtr[T]) { c.ptr = r.ptr }

// GetScoped reads the cell's pointer as a ScopedPtr, requiring a live
// Guard.
func (c *CellPtr[T]) GetScoped(g *Guard) ScopedPtr[T] {
	return Scope(g, c.Get())
}

// SetScoped writes a ScopedPtr's pointer back into the cell.
func (c *CellPtr[T]) SetScoped(s ScopedPtr[T]) { c.ptr = s.ptr }

// IsNil reports whether the cell currently holds no pointer.
func (c *CellPtr[T]) IsNil() bool { return c.ptr == nil }
