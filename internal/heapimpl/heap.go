// Package heapimpl implements the typed allocation layer above
// bumpblock: block-list/overflow routing (find_space), the object
// header, and the header<->object correspondence the raw allocator API
// promises.
//
// Go's memory model gives every struct's first field offset zero and
// its own tracing garbage collector follows typed pointers faithfully,
// so rather than overlay a Header onto a raw byte buffer with
// unsafe.Pointer arithmetic (unsound here: the concrete object types
// hold real Go pointers, e.g. Pair's cells, that only the Go GC can see
// if they stay behind typed fields), every heap object type embeds a
// Header value as its first field and records a back-reference to
// itself in that Header at construction time. get_header/get_object
// become field access and interface dispatch instead of pointer
// arithmetic, but the contract they implement is identical:
// get_object(get_header(p)) == p for every p returned by an allocation.
//
// The bump cursor/line-mark bookkeeping in package bumpblock still does
// real address arithmetic over real blocks acquired from the host
// allocator (package block) — Reserve below drives that machinery with
// genuine byte offsets so the block-list/overflow routing, hole
// finding, and size-class rules are exercised exactly as specified, even
// though the bytes it reserves are not where the Go object's real
// storage lives.
package heapimpl

import (
	"log"

	"stickylisp/internal/block"
	"stickylisp/internal/bumpblock"
	corerr "stickylisp/internal/errors"
)

// TypeTag is the closed type-tag enumeration from the external
// interfaces section.
type TypeTag uint8

const (
	TagNil TypeTag = iota
	TagPair
	TagSymbol
	TagInteger
	TagString
	TagArray
	TagByteArray
	TagDict
	TagFunction
	TagPartial
	TagUpvalue
	TagCallFrame
	TagBytecode
	TagInstructionStream
)

func (t TypeTag) String() string {
	switch t {
	case TagNil:
		return "Nil"
	case TagPair:
		return "Pair"
	case TagSymbol:
		return "Symbol"
	case TagInteger:
		return "Integer"
	case TagString:
		return "String"
	case TagArray:
		return "Array"
	case TagByteArray:
		return "ByteArray"
	case TagDict:
		return "Dict"
	case TagFunction:
		return "Function"
	case TagPartial:
		return "Partial"
	case TagUpvalue:
		return "Upvalue"
	case TagCallFrame:
		return "CallFrame"
	case TagBytecode:
		return "Bytecode"
	case TagInstructionStream:
		return "InstructionStream"
	default:
		return "Unknown"
	}
}

// SizeClass buckets an allocation request relative to the line and
// block sizes: small fits in a line, medium is bigger than a line but
// smaller than a block, large is rejected outright.
type SizeClass uint8

const (
	SizeSmall SizeClass = iota
	SizeMedium
	SizeLarge
)

// Object is implemented by every concrete heap object type by embedding
// a Header value as its first field and returning its address from
// HeapHeader.
type Object interface {
	HeapHeader() *Header
}

// Header is the per-object metadata the spec requires to sit immediately
// before every heap object. Size, SizeClass and Tag are fixed at
// construction; Mark flips during a (future) collector's trace.
type Header struct {
	size  uint32
	class SizeClass
	tag   TypeTag
	mark  bool
	addr  uintptr
	obj   Object
}

// NewHeader constructs a header for an object of the given size class,
// byte size and type tag, matching the object-header trait's `new`
// operation. The mark bit always starts clear.
func NewHeader(size uint32, class SizeClass, tag TypeTag) Header {
	return Header{size: size, class: class, tag: tag}
}

func (h *Header) Size() uint32      { return h.size }
func (h *Header) SizeClass() SizeClass { return h.class }
func (h *Header) Tag() TypeTag      { return h.tag }
func (h *Header) Mark()             { h.mark = true }
func (h *Header) Unmark()           { h.mark = false }
func (h *Header) IsMarked() bool    { return h.mark }

// Addr is the bookkeeping address this object's bytes were reserved at
// in the bump-block accounting; it has no Go-level storage behind it
// and exists purely so the allocator's routing and hole-finding
// invariants remain independently testable against real addresses.
func (h *Header) Addr() uintptr { return h.addr }

// GetHeader returns obj's header, the Go-idiomatic realization of
// "subtract header size from the object pointer".
func GetHeader(obj Object) *Header {
	return obj.HeapHeader()
}

// GetObject returns the object a header was constructed for, the
// Go-idiomatic realization of "add header size to the header pointer".
func GetObject(h *Header) Object {
	return h.obj
}

// Config collects the tuning constants from the external interfaces
// section into one struct passed to NewHeap, following the teacher's
// convention of small typed config structs over package-level globals.
type Config struct {
	BlockSize           int
	LineSize            uintptr
	ArrayInitialCapacity int
	DictInitialCapacity  int
	DictLoadFactor       float64
}

// DefaultConfig returns the tuning constants the spec recommends: 32 KiB
// blocks, 128 B lines, initial capacity 8 for arrays and dicts, and a
// 0.75 dict load factor.
func DefaultConfig() Config {
	return Config{
		BlockSize:            1 << 15,
		LineSize:             bumpblock.DefaultLineSize,
		ArrayInitialCapacity: 8,
		DictInitialCapacity:  8,
		DictLoadFactor:       0.75,
	}
}

// Heap routes allocations across a head block, an overflow block for
// medium objects, and a rest list of retired blocks, per find_space in
// the component design.
type Heap struct {
	cfg      Config
	head     *bumpblock.BumpBlock
	overflow *bumpblock.BumpBlock
	rest     []*bumpblock.BumpBlock
	logger   *log.Logger
}

// NewHeap constructs an empty Heap; the head and overflow blocks are
// allocated lazily on first use, matching "if no head block: allocate a
// new block, make it head".
func NewHeap(cfg Config, logger *log.Logger) *Heap {
	if logger == nil {
		logger = log.Default()
	}
	return &Heap{cfg: cfg, logger: logger}
}

// Config exposes the heap's tuning constants.
func (h *Heap) Config() Config { return h.cfg }

// classify applies the size-class rule: small fits in a line, medium
// is smaller than a block but does not fit in a line, large is a block
// or bigger.
func (h *Heap) classify(size uintptr) SizeClass {
	switch {
	case size <= h.cfg.LineSize:
		return SizeSmall
	case size < uintptr(h.cfg.BlockSize):
		return SizeMedium
	default:
		return SizeLarge
	}
}

func (h *Heap) newBlock() (*bumpblock.BumpBlock, error) {
	blk, err := block.New(h.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	h.logger.Printf("heap: acquired new %d-byte block at %#x", h.cfg.BlockSize, blk.Base())
	return bumpblock.New(blk, h.cfg.LineSize), nil
}

// bumpWithHoleSearch tries a plain bump allocation, then makes one hole
// search below the current limit; a hole it finds spans at least size
// bytes, so the single retried bump allocation fits in it.
func bumpWithHoleSearch(bb *bumpblock.BumpBlock, size uintptr) (uintptr, bool) {
	if addr, ok := bb.InnerAlloc(size); ok {
		return addr, true
	}
	cursor, limit, ok := bb.FindNextAvailableHole(bb.Offset(bb.Limit()), size)
	if !ok {
		return 0, false
	}
	bb.RecoverHole(cursor, limit)
	return bb.InnerAlloc(size)
}

// Reserve implements find_space(size, class): it returns a fresh Header
// whose Addr is a real, double-word-aligned address reserved from the bump
// allocator's bookkeeping. The caller (an object constructor) embeds the
// returned Header as the new Go object's first field.
func (h *Heap) Reserve(tag TypeTag, size uintptr) (Header, error) {
	class := h.classify(size)
	if class == SizeLarge {
		return Header{}, corerr.BadRequestf("object of size %d exceeds the block size %d; large objects are rejected", size, h.cfg.BlockSize)
	}

	if class == SizeMedium {
		if h.head != nil && size > h.head.CurrentHoleSize() {
			return h.reserveOverflow(tag, size)
		}
	}

	if h.head == nil {
		blk, err := h.newBlock()
		if err != nil {
			return Header{}, err
		}
		h.head = blk
	}

	for {
		if addr, ok := bumpWithHoleSearch(h.head, size); ok {
			return h.finishReserve(tag, size, addr), nil
		}
		h.logger.Printf("heap: retiring exhausted head block at %#x", h.head.Blk.Base())
		h.rest = append(h.rest, h.head)
		blk, err := h.newBlock()
		if err != nil {
			return Header{}, err
		}
		h.head = blk
	}
}

// reserveOverflow implements the overflow allocation algorithm for
// medium objects.
func (h *Heap) reserveOverflow(tag TypeTag, size uintptr) (Header, error) {
	if h.overflow == nil {
		blk, err := h.newBlock()
		if err != nil {
			return Header{}, err
		}
		h.overflow = blk
	}

	if addr, ok := bumpWithHoleSearch(h.overflow, size); ok {
		return h.finishReserve(tag, size, addr), nil
	}

	h.logger.Printf("heap: retiring exhausted overflow block at %#x", h.overflow.Blk.Base())
	h.rest = append(h.rest, h.overflow)
	blk, err := h.newBlock()
	if err != nil {
		return Header{}, err
	}
	h.overflow = blk

	addr, ok := bumpWithHoleSearch(h.overflow, size)
	if !ok {
		// A medium object is by definition smaller than a fresh block,
		// so this should be unreachable; surfacing it as OutOfMemory
		// rather than panicking respects the "no panics for anticipated
		// conditions" policy.
		return Header{}, corerr.OutOfMemoryf("medium object of size %d did not fit a fresh block", size)
	}
	return h.finishReserve(tag, size, addr), nil
}

func (h *Heap) finishReserve(tag TypeTag, size uintptr, addr uintptr) Header {
	class := h.classify(size)
	return Header{size: uint32(size), class: class, tag: tag, addr: addr}
}

// Stats summarizes block-list occupancy for the heapstats CLI
// subcommand.
type Stats struct {
	HeadBytesUsed     uintptr
	OverflowBytesUsed uintptr
	RestBlocks        int
	BlockSize         int
	LineSize          uintptr
}

// Stats reports the heap's current block-list shape.
func (h *Heap) Stats() Stats {
	s := Stats{BlockSize: h.cfg.BlockSize, LineSize: h.cfg.LineSize, RestBlocks: len(h.rest)}
	if h.head != nil {
		s.HeadBytesUsed = uintptr(h.cfg.BlockSize) - h.head.CurrentHoleSize()
	}
	if h.overflow != nil {
		s.OverflowBytesUsed = uintptr(h.cfg.BlockSize) - h.overflow.CurrentHoleSize()
	}
	return s
}
