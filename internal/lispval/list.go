package lispval

import (
	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/tagged"
)

func indexOutOfBounds(i, length int) error {
	return corerr.IndexOutOfBoundsf("index %d out of bounds [0,%d)", i, length)
}

// List is Array<TaggedCellPtr>, which the VM's register stack, bytecode
// literal pools, and Partial argument accumulators build on. It embeds Array so every stack/indexed operation above
// is inherited, and adds ergonomic tagged-pointer accessors analogous
// to the spec's push_tagged/get_tagged.
type List struct {
	Array[tagged.TaggedCellPtr]
}

// NewListValue constructs an empty List with the given initial capacity
// (named to avoid colliding with Pair's NewList list-building helper).
func NewListValue(h *heapimpl.Heap, initialCapacity int) (*List, error) {
	arr, err := NewArray[tagged.TaggedCellPtr](h, initialCapacity)
	if err != nil {
		return nil, err
	}
	return &List{Array: *arr}, nil
}

// PushTagged appends a TaggedPtr directly, without the caller needing
// to build a TaggedCellPtr by hand.
func (l *List) PushTagged(v tagged.TaggedPtr) error {
	return l.Push(tagged.NewTaggedCellPtr(v))
}

// GetTagged reads the TaggedPtr at index i.
func (l *List) GetTagged(i int) (tagged.TaggedPtr, error) {
	cell, err := l.Get(i)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	return cell.Get(), nil
}

// SetTagged overwrites the TaggedPtr at index i in place.
func (l *List) SetTagged(i int, v tagged.TaggedPtr) error {
	if i < 0 || i >= l.Length() {
		return indexOutOfBounds(i, l.Length())
	}
	l.cellAt(i).Set(v)
	return nil
}

// cellAt exposes the raw backing cell for in-place mutation, needed
// because Array.Get returns a copy of the TaggedCellPtr value.
func (l *List) cellAt(i int) *tagged.TaggedCellPtr {
	return l.Array.rawAt(i)
}
