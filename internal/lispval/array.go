package lispval

import (
	"unsafe"

	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
)

// RawArray is a growable typed buffer with no length or borrow
// tracking of its own — Array below layers those on top. Growth
// replaces the backing storage entirely; the spec's "alloc_array,
// zero-initialized, the interpreter layers Array<T> on top" is realized
// here as reserving byte-array bookkeeping from the heap (exercising
// find_space's byte-array tag and size-class routing) while the actual
// backing storage is a real Go slice, for the same GC-visibility reason
// package heapimpl documents for Header.
type RawArray[T any] struct {
	h        *heapimpl.Heap
	capacity int
	base     []T
}

func elemSize[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// NewRawArray reserves byte-array bookkeeping for capacity elements of
// T and returns the backing buffer.
func NewRawArray[T any](h *heapimpl.Heap, capacity int) (*RawArray[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	if _, err := h.Reserve(heapimpl.TagByteArray, uintptr(capacity)*elemSize[T]()); err != nil {
		return nil, err
	}
	return &RawArray[T]{h: h, capacity: capacity, base: make([]T, capacity)}, nil
}

// Capacity reports the number of elements the buffer currently holds
// room for.
func (ra *RawArray[T]) Capacity() int { return ra.capacity }

// At returns a pointer to the slot at index i, unchecked: callers are
// Array[T], which has already bounds-checked against its length.
func (ra *RawArray[T]) At(i int) *T { return &ra.base[i] }

// Resize grows (or shrinks) the buffer to newCapacity, copying existing
// contents and reserving fresh byte-array bookkeeping from the heap.
// The old backing slice becomes unreachable once nothing references it,
// collectable the same way any other dead heap data is.
func (ra *RawArray[T]) Resize(newCapacity int) error {
	if _, err := ra.h.Reserve(heapimpl.TagByteArray, uintptr(newCapacity)*elemSize[T]()); err != nil {
		return err
	}
	newBase := make([]T, newCapacity)
	copy(newBase, ra.base)
	ra.base = newBase
	ra.capacity = newCapacity
	return nil
}

// borrowState values for Array's runtime aliasing discipline.
const (
	borrowNone      = 0
	borrowExclusive = -1
)

// Array wraps a RawArray with a length and a borrow counter: a
// non-negative counter is a shared-read count, -1 is an active
// exclusive borrow. Violating accesses fail with BorrowError rather
// than racing or corrupting state.
type Array[T any] struct {
	raw    *RawArray[T]
	length int
	borrow int
}

// NewArray constructs an empty Array with the given initial capacity.
func NewArray[T any](h *heapimpl.Heap, initialCapacity int) (*Array[T], error) {
	raw, err := NewRawArray[T](h, initialCapacity)
	if err != nil {
		return nil, err
	}
	return &Array[T]{raw: raw}, nil
}

// Length is the number of live elements.
func (a *Array[T]) Length() int { return a.length }

// Capacity is the backing buffer's current size.
func (a *Array[T]) Capacity() int { return a.raw.Capacity() }

// BorrowShared increments the shared-read count, failing if an
// exclusive borrow is active. The returned release function must be
// called exactly once to end the borrow.
func (a *Array[T]) BorrowShared() (release func(), err error) {
	if a.borrow == borrowExclusive {
		return nil, corerr.BorrowErrorf("array is exclusively borrowed")
	}
	a.borrow++
	return func() { a.borrow-- }, nil
}

// BorrowExclusive transitions the counter to -1, failing if any shared
// or exclusive borrow is already active.
func (a *Array[T]) BorrowExclusive() (release func(), err error) {
	if a.borrow != borrowNone {
		return nil, corerr.BorrowErrorf("array is already borrowed")
	}
	a.borrow = borrowExclusive
	return func() { a.borrow = borrowNone }, nil
}

func (a *Array[T]) ensureCapacity() error {
	if a.length < a.raw.Capacity() {
		return nil
	}
	newCap := a.raw.Capacity() * 2
	if newCap == 0 {
		newCap = 8
	}
	return a.raw.Resize(newCap)
}

// Push appends v, doubling the backing buffer when full. Fails with BorrowError if the array is currently borrowed, since
// growth may reallocate the backing store out from under a live view.
func (a *Array[T]) Push(v T) error {
	if a.borrow != borrowNone {
		return corerr.BorrowErrorf("cannot push while the array is borrowed")
	}
	if err := a.ensureCapacity(); err != nil {
		return err
	}
	*a.raw.At(a.length) = v
	a.length++
	return nil
}

// Pop removes and returns the last element.
func (a *Array[T]) Pop() (T, error) {
	var zero T
	if a.borrow != borrowNone {
		return zero, corerr.BorrowErrorf("cannot pop while the array is borrowed")
	}
	if a.length == 0 {
		return zero, corerr.IndexOutOfBoundsf("pop from an empty array")
	}
	a.length--
	return *a.raw.At(a.length), nil
}

// Top returns the last element without removing it.
func (a *Array[T]) Top() (T, error) {
	var zero T
	if a.length == 0 {
		return zero, corerr.IndexOutOfBoundsf("top of an empty array")
	}
	return *a.raw.At(a.length - 1), nil
}

// rawAt exposes a pointer to the backing slot at index i for in-place
// mutation. It does no bounds check of its own; callers check i against
// the logical length first. Used by List's
// SetTagged, which needs to mutate a TaggedCellPtr in place rather than
// replace a copy obtained from Get.
func (a *Array[T]) rawAt(i int) *T {
	return a.raw.At(i)
}

// Get returns the element at index i.
func (a *Array[T]) Get(i int) (T, error) {
	var zero T
	if i < 0 || i >= a.length {
		return zero, corerr.IndexOutOfBoundsf("index %d out of bounds [0,%d)", i, a.length)
	}
	return *a.raw.At(i), nil
}

// Set overwrites the element at index i.
func (a *Array[T]) Set(i int, v T) error {
	if i < 0 || i >= a.length {
		return corerr.IndexOutOfBoundsf("index %d out of bounds [0,%d)", i, a.length)
	}
	*a.raw.At(i) = v
	return nil
}

// Truncate shrinks the logical length to n, discarding elements beyond
// it without releasing the backing buffer. Used by the VM to shrink the
// register stack back to a caller's window on Return.
func (a *Array[T]) Truncate(n int) error {
	if n < 0 || n > a.length {
		return corerr.IndexOutOfBoundsf("truncate length %d out of bounds [0,%d]", n, a.length)
	}
	a.length = n
	return nil
}

// GrowTo extends the logical length to n (n >= current length), zero
// filling the new slots, resizing the backing buffer if needed. Used by
// the VM to establish a callee's register window.
func (a *Array[T]) GrowTo(n int) error {
	if n < a.length {
		return corerr.IndexOutOfBoundsf("GrowTo target %d is below current length %d", n, a.length)
	}
	for n > a.raw.Capacity() {
		if err := a.ensureCapacityGrow(); err != nil {
			return err
		}
	}
	var zero T
	for i := a.length; i < n; i++ {
		*a.raw.At(i) = zero
	}
	a.length = n
	return nil
}

func (a *Array[T]) ensureCapacityGrow() error {
	newCap := a.raw.Capacity() * 2
	if newCap == 0 {
		newCap = 8
	}
	return a.raw.Resize(newCap)
}
