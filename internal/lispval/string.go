package lispval

import (
	"unsafe"

	"stickylisp/internal/heapimpl"
	"stickylisp/internal/tagged"
)

// String is a heap-resident, immutable string value. Like Symbol it
// wraps an ordinary Go string (GC-visible, no manual byte management),
// but unlike Symbol it is not interned: two string literals with the
// same contents allocate two distinct objects, since stickylisp
// programs have no reason to depend on string identity the way the
// compiler depends on symbol identity.
type String struct {
	Hdr   heapimpl.Header
	Value string
}

func (s *String) HeapHeader() *heapimpl.Header { return &s.Hdr }

var stringSize = unsafe.Sizeof(String{})

// NewString allocates a fresh String holding value.
func NewString(h *heapimpl.Heap, value string) (*String, error) {
	return heapimpl.Alloc(h, heapimpl.TagString, stringSize+uintptr(len(value)), func() *String {
		return &String{Value: value}
	})
}

// AsString reports whether v refers to a heap-allocated String,
// returning it if so. Strings are carried under the generic OBJECT
// tag (tagged.TagObject) and distinguished by their header's type tag,
// the same way Function and Partial are.
func AsString(v tagged.TaggedPtr) (*String, bool) {
	ref, ok := v.AsObject()
	if !ok {
		return nil, false
	}
	s, ok := ref.(*String)
	return s, ok
}

// NewStringValue allocates a String and wraps it as a tagged.TaggedPtr.
func NewStringValue(h *heapimpl.Heap, value string) (tagged.TaggedPtr, error) {
	s, err := NewString(h, value)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	return tagged.NewObject(s), nil
}
