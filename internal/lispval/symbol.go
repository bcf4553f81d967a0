// Package lispval implements the heap-resident value types from the
// data model: interned symbols, cons pairs, growable arrays/lists, and
// the open-addressed symbol-keyed dictionary.
package lispval

import (
	"unsafe"

	"stickylisp/internal/heapimpl"
)

// Symbol is an interned name. Equality is pointer equality; its backing
// bytes (an ordinary Go string, immutable and GC-visible) live for the
// lifetime of the interning arena below.
type Symbol struct {
	Hdr  heapimpl.Header
	Name string
}

func (s *Symbol) HeapHeader() *heapimpl.Header { return &s.Hdr }

var symbolSize = unsafe.Sizeof(Symbol{})

// SymbolArena is the process-wide, non-moving interning table: a host
// hash map from name to the unique *Symbol allocated for it. Lookup is
// idempotent: interning the same name twice returns the same pointer.
type SymbolArena struct {
	h     *heapimpl.Heap
	table map[string]*Symbol
}

// NewSymbolArena constructs an empty arena backed by h.
func NewSymbolArena(h *heapimpl.Heap) *SymbolArena {
	return &SymbolArena{h: h, table: make(map[string]*Symbol)}
}

// Lookup returns the unique Symbol for name, allocating and caching a
// fresh one on first sight.
func (a *SymbolArena) Lookup(name string) (*Symbol, error) {
	if sym, ok := a.table[name]; ok {
		return sym, nil
	}
	sym, err := heapimpl.Alloc(a.h, heapimpl.TagSymbol, symbolSize+uintptr(len(name)), func() *Symbol {
		return &Symbol{Name: name}
	})
	if err != nil {
		return nil, err
	}
	a.table[name] = sym
	return sym, nil
}

// Len reports how many distinct names have been interned so far.
func (a *SymbolArena) Len() int { return len(a.table) }
