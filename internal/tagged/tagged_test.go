package tagged

import (
	"testing"

	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
)

type stubObj struct {
	Hdr heapimpl.Header
}

func (s *stubObj) HeapHeader() *heapimpl.Header { return &s.Hdr }

func TestNilIsDistinguishedSentinel(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatalf("expected the zero-value TaggedPtr to report nil")
	}
	var zero TaggedPtr
	if !zero.IsNil() {
		t.Fatalf("expected an unconstructed TaggedPtr to equal the nil sentinel")
	}
}

func TestIntRoundTrips(t *testing.T) {
	for _, v := range []int{0, 1, -1, maxInt, minInt, 12345, -98765} {
		tp, err := NewInt(v)
		if err != nil {
			t.Fatalf("NewInt(%d): %v", v, err)
		}
		got, ok := tp.AsInt()
		if !ok {
			t.Fatalf("expected AsInt to succeed for %d", v)
		}
		if got != v {
			t.Fatalf("round-trip mismatch: put %d, got %d", v, got)
		}
		if tp.TagOf() != TagInt {
			t.Fatalf("expected TagInt, got %s", tp.TagOf())
		}
	}
}

func TestIntOverflowRejected(t *testing.T) {
	_, err := NewInt(maxInt + 1)
	if !corerr.Is(err, corerr.ArithmeticOverflow) {
		t.Fatalf("expected ArithmeticOverflow, got %v", err)
	}
	_, err = NewInt(minInt - 1)
	if !corerr.Is(err, corerr.ArithmeticOverflow) {
		t.Fatalf("expected ArithmeticOverflow, got %v", err)
	}
}

func TestDecodeReencodeRoundTripsBitForBit(t *testing.T) {
	obj := &stubObj{}
	cases := []TaggedPtr{
		NewPair(obj),
		NewSymbol(obj),
		NewObject(obj),
	}
	for _, tp := range cases {
		ref, ok := tp.AsObject()
		if !ok {
			t.Fatalf("expected AsObject to succeed for tag %s", tp.TagOf())
		}
		reencoded := TaggedPtr{}
		switch tp.TagOf() {
		case TagPair:
			reencoded = NewPair(ref)
		case TagSymbol:
			reencoded = NewSymbol(ref)
		case TagObject:
			reencoded = NewObject(ref)
		}
		if reencoded != tp {
			t.Fatalf("decode-then-reencode did not round-trip for tag %s", tp.TagOf())
		}
	}
}

func TestEqualUsesPointerEqualityForObjects(t *testing.T) {
	a := &stubObj{}
	b := &stubObj{}
	pa := NewPair(a)
	pa2 := NewPair(a)
	pb := NewPair(b)

	if !Equal(pa, pa2) {
		t.Fatalf("expected two TaggedPtrs over the same object to be equal")
	}
	if Equal(pa, pb) {
		t.Fatalf("expected TaggedPtrs over distinct objects to differ")
	}
}

func TestEqualUsesValueEqualityForInts(t *testing.T) {
	a, _ := NewInt(5)
	b, _ := NewInt(5)
	c, _ := NewInt(6)
	if !Equal(a, b) {
		t.Fatalf("expected equal inline integers to compare equal")
	}
	if Equal(a, c) {
		t.Fatalf("expected distinct inline integers to compare unequal")
	}
}

func TestTaggedCellPtrGetSet(t *testing.T) {
	var cell TaggedCellPtr
	if !cell.Get().IsNil() {
		t.Fatalf("expected a zero-value cell to read as nil")
	}
	v, _ := NewInt(42)
	cell.Set(v)
	if got, _ := cell.Get().AsInt(); got != 42 {
		t.Fatalf("expected cell to round-trip 42, got %d", got)
	}
}
