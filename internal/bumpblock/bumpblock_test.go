package bumpblock

import (
	"testing"

	"stickylisp/internal/block"
)

func newTestBlock(t *testing.T) *block.Block {
	t.Helper()
	blk, err := block.New(1 << 15) // 32 KiB, the recommended default
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}
	t.Cleanup(func() { blk.Release() })
	return blk
}

func TestInnerAllocBumpsDownward(t *testing.T) {
	blk := newTestBlock(t)
	bb := New(blk, DefaultLineSize)

	top := bb.Cursor()
	addr, ok := bb.InnerAlloc(64)
	if !ok {
		t.Fatalf("expected allocation to succeed in an empty block")
	}
	if addr != top-64 {
		t.Fatalf("expected addr %#x, got %#x", top-64, addr)
	}
	if addr%DoubleWord != 0 {
		t.Fatalf("allocation %#x is not double-word aligned", addr)
	}
	if bb.Cursor() != addr {
		t.Fatalf("cursor should now sit at the allocation address")
	}
}

func TestInnerAllocFailsBelowLimit(t *testing.T) {
	blk := newTestBlock(t)
	bb := New(blk, DefaultLineSize)
	// Shrink the hole to nothing by recovering a zero-size hole at the
	// very top of the block.
	bb.RecoverHole(blk.Size(), blk.Size())

	if _, ok := bb.InnerAlloc(64); ok {
		t.Fatalf("expected allocation to fail when cursor == limit")
	}
}

func TestFindNextAvailableHoleWholeBlockUnmarked(t *testing.T) {
	blk := newTestBlock(t)
	bb := New(blk, DefaultLineSize)

	cursor, limit, ok := bb.FindNextAvailableHole(blk.Size(), DefaultLineSize)
	if !ok {
		t.Fatalf("expected a hole in a completely unmarked block")
	}
	if cursor != blk.Size() {
		t.Fatalf("expected cursor at top of block, got offset %d", cursor)
	}
	if limit != 0 {
		t.Fatalf("expected limit at block base, got offset %d", limit)
	}
}

func TestFindNextAvailableHoleSkipsMarkedRunWithMargin(t *testing.T) {
	blk := newTestBlock(t)
	bb := New(blk, DefaultLineSize)

	// Mark a single line somewhere in the middle of the block and
	// verify the conservative rule excludes it plus one extra line of
	// margin from any returned hole above it.
	markedLine := uintptr(10)
	bb.SetMarked(markedLine, true)

	startingLine := uintptr(20)
	cursor, limit, ok := bb.FindNextAvailableHole(startingLine*DefaultLineSize, DefaultLineSize)
	if !ok {
		t.Fatalf("expected a hole above the marked line")
	}
	if cursor != startingLine*DefaultLineSize {
		t.Fatalf("expected cursor at starting offset, got %d", cursor)
	}
	wantLimitLine := markedLine + 2
	if limit != wantLimitLine*DefaultLineSize {
		t.Fatalf("expected limit line %d, got offset %d (line %d)", wantLimitLine, limit, limit/DefaultLineSize)
	}

	// Every line in [limit/line_size, cursor/line_size) must be
	// unmarked, per the quantified invariant in the testable properties
	// list.
	for i := limit / DefaultLineSize; i < cursor/DefaultLineSize; i++ {
		if bb.IsLineMarked(i) {
			t.Fatalf("line %d inside the returned hole is marked", i)
		}
	}
}

func TestFindNextAvailableHoleReturnsFalseWhenNoRunLongEnough(t *testing.T) {
	blk := newTestBlock(t)
	bb := New(blk, DefaultLineSize)

	// Mark every other line so no run is ever long enough for a
	// multi-line object.
	for i := uintptr(0); i < bb.LineCount(); i += 2 {
		bb.SetMarked(i, true)
	}

	_, _, ok := bb.FindNextAvailableHole(bb.LineCount()*DefaultLineSize, DefaultLineSize*4)
	if ok {
		t.Fatalf("expected no hole long enough for 4 lines in an alternating mark pattern")
	}
}

func TestMarkLinesForSpanMarksAllTouchedLines(t *testing.T) {
	blk := newTestBlock(t)
	bb := New(blk, DefaultLineSize)

	addr := blk.Base() + 3*DefaultLineSize + 10
	size := uintptr(DefaultLineSize * 2)
	bb.MarkLinesForSpan(addr, size)

	for i := uintptr(3); i <= 5; i++ {
		if !bb.IsLineMarked(i) {
			t.Fatalf("expected line %d to be marked", i)
		}
	}
	if bb.IsLineMarked(2) || bb.IsLineMarked(6) {
		t.Fatalf("marking should not bleed into neighboring lines")
	}
}
