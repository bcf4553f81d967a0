// Package tagged implements the tagged-pointer machinery: the inline
// tag encoding for PAIR/SYMBOL/INT/OBJECT and the three representations
// the spec distinguishes (TaggedPtr at rest, FatPtr at the allocator
// boundary, Value/TaggedScopedPtr in use under a live guard).
//
// The spec sizes TaggedPtr at one machine word by stuffing a real
// pointer's bits into the unused low bits alongside the tag. That trick
// depends on nothing else owning the only reference to the pointee —
// true in the source material's non-tracing-GC host, false in Go: a
// live Go value's only strong reference must stay behind a typed
// pointer field or the runtime's collector may reclaim it out from
// under a uintptr-encoded copy (the same hazard the teacher's NaN-boxed
// Value type works around with a pinning globalObjectCache). Rather than
// reproduce that workaround, TaggedPtr here stores pointer-tagged
// payloads as a typed heapimpl.Object reference — safe and GC-visible —
// while the INT case still does real two-bit-shift arithmetic, since no
// pointer is at stake there. This drops the literal one-word size but
// keeps every other invariant: the tag bits, the round-trip law, the
// nil sentinel, and the inline-integer range check.
package tagged

import (
	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/mutator"
)

// Tag is the two-bit discriminant from the tagged pointer machinery.
type Tag uint8

const (
	TagObject Tag = iota // 00: consult the header for the concrete type
	TagPair              // 01
	TagSymbol             // 10
	TagInt                // 11: inline signed integer
)

func (t Tag) String() string {
	switch t {
	case TagObject:
		return "OBJECT"
	case TagPair:
		return "PAIR"
	case TagSymbol:
		return "SYMBOL"
	case TagInt:
		return "INT"
	default:
		return "UNKNOWN"
	}
}

// intShift is the number of low bits the inline integer is shifted past,
// matching the 2-bit tag field the spec reserves.
const intShift = 2

// maxInt and minInt bound the range an inline integer can hold once
// shifted left by intShift without losing bits, i.e. without changing
// value when shifted back right.
const (
	maxInt = int(^uint(0)>>1) >> intShift
	minInt = -maxInt - 1
)

// TaggedPtr is the at-rest representation of a dynamically typed
// stickylisp value.
type TaggedPtr struct {
	tag Tag
	i   int
	ref heapimpl.Object
}

// Nil is the distinguished all-zero TaggedPtr.
var Nil = TaggedPtr{}

// IsNil reports whether t is the nil sentinel.
func (t TaggedPtr) IsNil() bool {
	return t.tag == TagObject && t.ref == nil
}

// TagOf returns t's two-bit discriminant.
func (t TaggedPtr) TagOf() Tag { return t.tag }

// NewPair tags ref with PAIR.
func NewPair(ref heapimpl.Object) TaggedPtr { return TaggedPtr{tag: TagPair, ref: ref} }

// NewSymbol tags ref with SYMBOL.
func NewSymbol(ref heapimpl.Object) TaggedPtr { return TaggedPtr{tag: TagSymbol, ref: ref} }

// NewObject tags ref with OBJECT; the concrete type must be read from
// ref's header.
func NewObject(ref heapimpl.Object) TaggedPtr { return TaggedPtr{tag: TagObject, ref: ref} }

// NewInt encodes v as an inline tagged integer, left-shifting by
// intShift with an explicit range check. Overflow is rejected with
// ArithmeticOverflow rather than silently wrapping or promoting to a
// boxed numeric type (boxed bignums are out of scope).
func NewInt(v int) (TaggedPtr, error) {
	if v > maxInt || v < minInt {
		return TaggedPtr{}, corerr.ArithmeticOverflowf("integer %d exceeds the tagged-int range [%d, %d]", v, minInt, maxInt)
	}
	return TaggedPtr{tag: TagInt, i: v << intShift}, nil
}

// AsInt decodes an inline integer, sign-extending from the shifted
// payload. ok is false if t is not tagged INT.
func (t TaggedPtr) AsInt() (value int, ok bool) {
	if t.tag != TagInt {
		return 0, false
	}
	return t.i >> intShift, true
}

// AsObject returns the typed reference for PAIR/SYMBOL/OBJECT tags. ok
// is false for INT or the nil sentinel.
func (t TaggedPtr) AsObject() (ref heapimpl.Object, ok bool) {
	if t.tag == TagInt || t.ref == nil {
		return nil, false
	}
	return t.ref, true
}

// Equal implements the VM's Eq opcode: pointer equality for
// object-carrying tags, value equality for inline integers, and tag
// equality for the nil sentinel.
func Equal(a, b TaggedPtr) bool {
	if a.tag != b.tag {
		return false
	}
	if a.tag == TagInt {
		return a.i == b.i
	}
	return a.ref == b.ref
}

// FatPtr is the allocator-boundary representation: a tagged variant
// carrying a RawPtr<T> for each concrete pointer-bearing type. Go's type
// system cannot express "a RawPtr<T> where T varies by tag" without an
// interface, so FatPtr composes a Tag with a mutator.RawPtr[heapimpl.Object]
// — RawPtr already forbids a nil payload, giving the same "must name a
// real allocation" contract FatPtr exists for.
type FatPtr struct {
	Tag Tag
	Ptr mutator.RawPtr[heapimpl.Object]
}

// ToTaggedPtr encodes a FatPtr down to the at-rest representation.
func (f FatPtr) ToTaggedPtr() TaggedPtr {
	return TaggedPtr{tag: f.Tag, ref: *f.Ptr.Unsafe()}
}

// FromTaggedPtr decodes a TaggedPtr back into a FatPtr at the allocator
// boundary. It is "unsafe by convention" per the spec: for OBJECT it
// trusts the header's type tag rather than re-validating it.
func FromTaggedPtr(t TaggedPtr) (FatPtr, bool) {
	ref, ok := t.AsObject()
	if !ok {
		return FatPtr{}, false
	}
	return FatPtr{Tag: t.tag, Ptr: mutator.NewRawPtr(&ref)}, true
}

// Value is the in-use, guard-bound representation (what the spec calls
// Value / TaggedScopedPtr): a TaggedPtr that can only be produced by
// presenting a live *mutator.Guard, mirroring the discipline that
// dereferencing a heap-object-carrying value is legal only during a
// mutator task.
type Value struct {
	TaggedPtr
}

// NewValue lifts a TaggedPtr into the guard-bound Value representation.
func NewValue(_ *mutator.Guard, t TaggedPtr) Value {
	return Value{TaggedPtr: t}
}

// Rest demotes a Value back to the at-rest TaggedPtr, for storing into
// a TaggedCellPtr once the mutator task is about to return.
func (v Value) Rest() TaggedPtr { return v.TaggedPtr }

// TaggedCellPtr is the interior-mutable, at-rest container for a
// TaggedPtr inside a heap object (Pair.First/Second, Dict entries,
// Array slots).
type TaggedCellPtr struct {
	v TaggedPtr
}

// NewTaggedCellPtr constructs a cell already holding t.
func NewTaggedCellPtr(t TaggedPtr) TaggedCellPtr { return TaggedCellPtr{v: t} }

// Get reads the cell's current TaggedPtr.
func (c *TaggedCellPtr) Get() TaggedPtr { return c.v }

// Set overwrites the cell's TaggedPtr.
func (c *TaggedCellPtr) Set(t TaggedPtr) { c.v = t }

// GetValue reads the cell as a guard-bound Value.
func (c *TaggedCellPtr) GetValue(g *mutator.Guard) Value { return NewValue(g, c.v) }

// SetValue writes a Value back into the cell.
func (c *TaggedCellPtr) SetValue(v Value) { c.v = v.Rest() }
