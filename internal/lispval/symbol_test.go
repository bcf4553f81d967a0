package lispval

import (
	"testing"

	"stickylisp/internal/heapimpl"
)

func newTestHeap() *heapimpl.Heap {
	return heapimpl.NewHeap(heapimpl.DefaultConfig(), nil)
}

func TestSymbolArenaLookupIsIdempotent(t *testing.T) {
	a := NewSymbolArena(newTestHeap())
	first, err := a.Lookup("foo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	second, err := a.Lookup("foo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if first != second {
		t.Fatalf("interning the same name twice produced distinct symbols")
	}
	if a.Len() != 1 {
		t.Fatalf("expected one interned name, got %d", a.Len())
	}
}

func TestSymbolArenaDistinguishesNames(t *testing.T) {
	a := NewSymbolArena(newTestHeap())
	foo, _ := a.Lookup("foo")
	bar, _ := a.Lookup("bar")
	if foo == bar {
		t.Fatalf("distinct names interned to the same symbol")
	}
	if a.Len() != 2 {
		t.Fatalf("expected two interned names, got %d", a.Len())
	}
}
