package lispval

import (
	"unsafe"

	"stickylisp/internal/heapimpl"
	"stickylisp/internal/tagged"
)

// Position names a location in the original source text; the reader
// attaches one to every Pair it allocates, for error reporting.
type Position struct {
	Line   int
	Column int
}

// Pair is a cons cell: two tagged, interior-mutable cells plus optional
// source position metadata. Used both for S-expression ASTs and for
// ordinary linked lists.
type Pair struct {
	Hdr    heapimpl.Header
	First  tagged.TaggedCellPtr
	Second tagged.TaggedCellPtr
	Pos    *Position
}

func (p *Pair) HeapHeader() *heapimpl.Header { return &p.Hdr }

var pairSize = unsafe.Sizeof(Pair{})

// NewPair allocates a fresh cons cell with the given car/cdr.
func NewPair(h *heapimpl.Heap, first, second tagged.TaggedPtr) (*Pair, error) {
	return heapimpl.Alloc(h, heapimpl.TagPair, pairSize, func() *Pair {
		p := &Pair{}
		p.First.Set(first)
		p.Second.Set(second)
		return p
	})
}

// NewPairAt is NewPair with a source position attached, for the reader.
func NewPairAt(h *heapimpl.Heap, first, second tagged.TaggedPtr, pos Position) (*Pair, error) {
	p, err := NewPair(h, first, second)
	if err != nil {
		return nil, err
	}
	p.Pos = &pos
	return p, nil
}

// NewList builds a proper list (a . (b . (c . nil))) from items, right
// to left, so that structurally it is indistinguishable from the
// conventional (a b c) notation.
func NewList(h *heapimpl.Heap, items []tagged.TaggedPtr) (tagged.TaggedPtr, error) {
	tail := tagged.Nil
	for i := len(items) - 1; i >= 0; i-- {
		pair, err := NewPair(h, items[i], tail)
		if err != nil {
			return tagged.TaggedPtr{}, err
		}
		tail = tagged.NewPair(pair)
	}
	return tail, nil
}

// Elements flattens a proper list back into a slice. ok is false if v is
// not nil and not built entirely from Pairs terminated by nil (an
// improper list), matching the round-trip law's structural-equality
// requirement.
func Elements(v tagged.TaggedPtr) (items []tagged.TaggedPtr, ok bool) {
	for {
		if v.IsNil() {
			return items, true
		}
		if v.TagOf() != tagged.TagPair {
			return nil, false
		}
		ref, _ := v.AsObject()
		pair, isPair := ref.(*Pair)
		if !isPair {
			return nil, false
		}
		items = append(items, pair.First.Get())
		v = pair.Second.Get()
	}
}
