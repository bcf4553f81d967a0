// Package block implements the lowest layer of the heap: fixed-size,
// power-of-two aligned memory blocks acquired from the host allocator.
// A Block's alignment lets the bump allocator recover a block's base
// address from any pointer into it with a single mask, the same trick
// the retrieved cznic/memory reference uses for its page headers (see
// roundup in that file) — but cznic/memory's own page granularity is
// tied to the OS page size, not to an arbitrary block size, so this
// package layers an over-allocate-then-align step on top of
// modernc.org/memory rather than handing out its pages directly.
package block

import (
	"unsafe"

	"modernc.org/memory"

	corerr "stickylisp/internal/errors"
)

// MinSize is the smallest block size this package will hand out; below
// this, line-granularity bookkeeping in bumpblock has no room to work
// with.
const MinSize = 1 << 12 // 4 KiB

// Block is one fixed-size, power-of-two aligned region of raw memory.
// Block does not know about lines, bump cursors, or objects — that
// bookkeeping belongs to package bumpblock. Block only guarantees
// acquisition, alignment, and release.
type Block struct {
	base    uintptr
	size    uintptr
	raw     unsafe.Pointer
	alloc   *memory.Allocator
	released bool
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// New acquires a new Block of exactly size bytes, aligned to size. size
// must be a power of two no smaller than MinSize.
func New(size int) (*Block, error) {
	if !isPowerOfTwo(size) {
		return nil, corerr.BadRequestf("block size %d is not a power of two", size)
	}
	if size < MinSize {
		return nil, corerr.BadRequestf("block size %d is smaller than the minimum %d", size, MinSize)
	}

	alloc := &memory.Allocator{}
	// Over-allocate by one extra block so an aligned sub-region of the
	// requested size is guaranteed to exist somewhere inside it, then
	// keep the raw pointer around so the whole buffer can be released
	// together later. This is the roundup-style trick the retrieved
	// cznic/memory page allocator uses internally, lifted one level up
	// since modernc.org/memory itself only guarantees OS-page alignment.
	rawSize := size * 2
	raw, err := alloc.UnsafeCalloc(rawSize)
	if err != nil {
		return nil, corerr.OutOfMemoryf("acquiring %d bytes for a %d-byte block: %v", rawSize, size, err)
	}

	base := uintptr(raw)
	mask := uintptr(size) - 1
	aligned := (base + mask) &^ mask

	return &Block{
		base:  aligned,
		size:  uintptr(size),
		raw:   raw,
		alloc: alloc,
	}, nil
}

// Base returns the block's aligned starting address.
func (b *Block) Base() uintptr { return b.base }

// Size returns the block's size in bytes.
func (b *Block) Size() uintptr { return b.size }

// Pointer returns an unsafe.Pointer to the first byte of the block.
func (b *Block) Pointer() unsafe.Pointer { return unsafe.Pointer(b.base) }

// Contains reports whether addr falls within [Base, Base+Size).
func (b *Block) Contains(addr uintptr) bool {
	return addr >= b.base && addr < b.base+b.size
}

// Release returns the block's backing memory to the host allocator. A
// released Block must not be used again; Contains/Base/Size remain
// well-defined but Pointer is no longer safe to dereference through.
func (b *Block) Release() error {
	if b.released {
		return nil
	}
	b.released = true
	if err := b.alloc.UnsafeFree(b.raw); err != nil {
		return corerr.OutOfMemoryf("releasing block at %#x: %v", b.base, err)
	}
	return nil
}

// BaseOf recovers the base address of the size-aligned block containing
// addr, given that block's known size. This is the single-mask
// computation every line-mark and header lookup in bumpblock/heapimpl
// relies on to go from an arbitrary object pointer back to its owning
// block without following a pointer chain.
func BaseOf(addr uintptr, size uintptr) uintptr {
	return addr &^ (size - 1)
}
