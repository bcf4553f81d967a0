// Package bumpblock implements downward bump allocation within a single
// block.Block plus the conservative line-mark hole finder that lets a
// block be reused across many bump-allocation passes without ever
// moving an object (Sticky Immix: marking only, no evacuation).
package bumpblock

import (
	"unsafe"

	"stickylisp/internal/block"
)

// WordSize and DoubleWord are the alignment unit every bump allocation
// is rounded down to; the spec calls this "the object alignment (double
// word)".
const (
	WordSize   = unsafe.Sizeof(uintptr(0))
	DoubleWord = WordSize * 2
)

// DefaultLineSize is the recommended line size from the tuning constants
// table: 128 bytes, giving 256 lines inside a default 32 KiB block.
const DefaultLineSize = 128

// BumpBlock wraps a block.Block with a downward bump cursor, a
// current-hole lower limit, and a line-mark table. Invariant:
// cursor >= limit >= block.Base(); cursor is always DoubleWord-aligned.
type BumpBlock struct {
	Blk      *block.Block
	LineSize uintptr
	cursor   uintptr
	limit    uintptr
	marks    []bool
}

// New wraps blk for bump allocation with the given line size. The
// cursor starts at the top of the block and the limit at its base, so
// the entire block is initially one hole.
func New(blk *block.Block, lineSize uintptr) *BumpBlock {
	lineCount := blk.Size() / lineSize
	return &BumpBlock{
		Blk:      blk,
		LineSize: lineSize,
		cursor:   blk.Base() + blk.Size(),
		limit:    blk.Base(),
		marks:    make([]bool, lineCount),
	}
}

// Cursor and Limit expose the current hole boundaries, used by the heap
// to decide whether an allocation belongs in the head block or needs to
// fall through to overflow.
func (bb *BumpBlock) Cursor() uintptr { return bb.cursor }
func (bb *BumpBlock) Limit() uintptr  { return bb.limit }

// CurrentHoleSize is the number of bytes available without scanning for
// a new hole; the heap's medium-object overflow test compares against
// this.
func (bb *BumpBlock) CurrentHoleSize() uintptr { return bb.cursor - bb.limit }

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// InnerAlloc attempts a bump allocation of the given number of bytes
// within the current hole. It aligns the candidate address down to
// DoubleWord, as the spec requires, and fails (ok=false) without
// mutating the cursor if the candidate would fall below the limit.
func (bb *BumpBlock) InnerAlloc(numBytes uintptr) (addr uintptr, ok bool) {
	if numBytes > bb.cursor-bb.Blk.Base() {
		return 0, false
	}
	candidate := alignDown(bb.cursor-numBytes, DoubleWord)
	if candidate < bb.limit {
		return 0, false
	}
	bb.cursor = candidate
	return candidate, true
}

// Offset converts an absolute address inside this block into a byte
// offset from the block's base, the unit FindNextAvailableHole and the
// line-mark table operate in.
func (bb *BumpBlock) Offset(addr uintptr) uintptr {
	return addr - bb.Blk.Base()
}

// lineIndex converts a byte offset from the block base into a line
// index.
func (bb *BumpBlock) lineIndex(offsetFromBase uintptr) uintptr {
	return offsetFromBase / bb.LineSize
}

// MarkLine marks the line containing addr as live. Nothing in the heap
// calls it during allocation; marks are set only through MarkLine and
// MarkLinesForSpan by their callers.
func (bb *BumpBlock) MarkLine(addr uintptr) {
	idx := bb.lineIndex(addr - bb.Blk.Base())
	if idx < uintptr(len(bb.marks)) {
		bb.marks[idx] = true
	}
}

// MarkLinesForSpan marks every line touched by an object occupying
// [addr, addr+size).
func (bb *BumpBlock) MarkLinesForSpan(addr, size uintptr) {
	start := bb.lineIndex(addr - bb.Blk.Base())
	end := bb.lineIndex(addr + size - 1 - bb.Blk.Base())
	for i := start; i <= end && i < uintptr(len(bb.marks)); i++ {
		bb.marks[i] = true
	}
}

// IsLineMarked reports the mark state of the line at lineIndex, used by
// tests asserting the hole finder's invariant directly against the mark
// table.
func (bb *BumpBlock) IsLineMarked(lineIndex uintptr) bool {
	if lineIndex >= uintptr(len(bb.marks)) {
		return false
	}
	return bb.marks[lineIndex]
}

// ResetMarks clears every line mark; used between collection cycles in
// a future tracing collector, and directly by tests that want to probe
// the hole finder against a hand-built mark pattern.
func (bb *BumpBlock) ResetMarks() {
	for i := range bb.marks {
		bb.marks[i] = false
	}
}

// SetMarked sets the mark bit of lineIndex directly; exported for tests
// that construct a specific mark pattern to drive FindNextAvailableHole.
func (bb *BumpBlock) SetMarked(lineIndex uintptr, marked bool) {
	if lineIndex < uintptr(len(bb.marks)) {
		bb.marks[lineIndex] = marked
	}
}

// LineCount is the number of lines in the block.
func (bb *BumpBlock) LineCount() uintptr { return uintptr(len(bb.marks)) }

// FindNextAvailableHole scans downward from startingLine-1 for a run of
// unmarked lines long enough to hold neededBytes, applying the
// conservative marking rule: the line immediately after a run of marked
// lines is treated as implicitly marked too, since an object already
// placed there may straddle into the line below it.
//
// Returns the new (cursor, limit) byte offsets from the block base, or
// ok=false if no run is long enough.
func (bb *BumpBlock) FindNextAvailableHole(startingOffset, neededBytes uintptr) (newCursor, newLimit uintptr, ok bool) {
	startingLine := bb.lineIndex(startingOffset)
	linesNeeded := (neededBytes + bb.LineSize - 1) / bb.LineSize
	if linesNeeded == 0 {
		linesNeeded = 1
	}

	if startingLine == 0 {
		return 0, 0, false
	}

	count := uintptr(0)
	end := startingLine

	idx := startingLine - 1
	for {
		if !bb.IsLineMarked(idx) {
			count++
			if idx == 0 {
				if count >= linesNeeded {
					return end * bb.LineSize, 0, true
				}
				return 0, 0, false
			}
			idx--
			continue
		}

		// idx is marked: the run [idx+1, end) of unmarked lines just
		// ended. Apply the conservative rule: idx (the marked line)
		// plus one further line of margin must be excluded from the
		// returned hole, so the limit sits two lines above idx.
		if count > linesNeeded {
			limitLine := idx + 2
			return end * bb.LineSize, limitLine * bb.LineSize, true
		}

		// Run too short: restart counting from above this marked line.
		count = 0
		end = idx
		if idx == 0 {
			return 0, 0, false
		}
		idx--
	}
}

// Exhausted reports whether no hole of at least minBytes remains
// anywhere below startingOffset; the heap uses this to decide whether to
// retire the block to rest.
func (bb *BumpBlock) Exhausted(startingOffset, minBytes uintptr) bool {
	_, _, ok := bb.FindNextAvailableHole(startingOffset, minBytes)
	return !ok
}

// RecoverHole installs (cursor, limit) as found by FindNextAvailableHole
// as the block's active hole, absolute to the block's base address.
func (bb *BumpBlock) RecoverHole(cursorOffset, limitOffset uintptr) {
	bb.cursor = bb.Blk.Base() + cursorOffset
	bb.limit = bb.Blk.Base() + limitOffset
}
