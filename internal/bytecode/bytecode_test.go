package bytecode

import (
	"testing"

	"stickylisp/internal/heapimpl"
	"stickylisp/internal/tagged"
)

func newTestHeap() *heapimpl.Heap {
	return heapimpl.NewHeap(heapimpl.DefaultConfig(), nil)
}

func TestInstructionEncodingRoundTripsABC(t *testing.T) {
	instr := CreateABC(OpAdd, 1, 2, 3)
	if instr.Op() != OpAdd || instr.A() != 1 || instr.B() != 2 || instr.C() != 3 {
		t.Fatalf("ABC round-trip failed: op=%s a=%d b=%d c=%d", instr.Op(), instr.A(), instr.B(), instr.C())
	}
}

func TestInstructionEncodingRoundTripsABx(t *testing.T) {
	instr := CreateABx(OpLoadLiteral, 7, 1000)
	if instr.Op() != OpLoadLiteral || instr.A() != 7 || instr.Bx() != 1000 {
		t.Fatalf("ABx round-trip failed: op=%s a=%d bx=%d", instr.Op(), instr.A(), instr.Bx())
	}
}

func TestInstructionEncodingRoundTripsSignedSBx(t *testing.T) {
	for _, offset := range []int32{0, 1, -1, 1000, -1000, maxSBx - 1, -(maxSBx - 1)} {
		instr := CreateAsBx(OpJump, 0, offset)
		if instr.SBx() != offset {
			t.Fatalf("sBx round-trip failed for %d: got %d", offset, instr.SBx())
		}
	}
}

func TestWithSBxPreservesOpAndA(t *testing.T) {
	instr := CreateAsBx(OpJumpIfTrue, 5, 10)
	patched := instr.WithSBx(-20)
	if patched.Op() != OpJumpIfTrue || patched.A() != 5 {
		t.Fatalf("WithSBx must preserve opcode and A")
	}
	if patched.SBx() != -20 {
		t.Fatalf("expected patched offset -20, got %d", patched.SBx())
	}
}

func TestBytecodePushAndUpdateJumpOffset(t *testing.T) {
	h := newTestHeap()
	bc, err := NewBytecode(h)
	if err != nil {
		t.Fatalf("NewBytecode: %v", err)
	}
	idx, err := bc.Push(CreateAsBx(OpJump, 0, 0))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := bc.UpdateJumpOffset(idx, 42); err != nil {
		t.Fatalf("UpdateJumpOffset: %v", err)
	}
	patched, err := bc.Code.Get(idx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if patched.SBx() != 42 {
		t.Fatalf("expected patched jump offset 42, got %d", patched.SBx())
	}
}

func TestBytecodePushLiteralAndLoadLiteral(t *testing.T) {
	h := newTestHeap()
	bc, _ := NewBytecode(h)
	lit, _ := tagged.NewInt(99)
	litID, err := bc.PushLiteral(lit)
	if err != nil {
		t.Fatalf("PushLiteral: %v", err)
	}
	if _, err := bc.PushLoadLiteral(3, litID); err != nil {
		t.Fatalf("PushLoadLiteral: %v", err)
	}
	got, err := bc.Literals.GetTagged(litID)
	if err != nil {
		t.Fatalf("GetTagged: %v", err)
	}
	if !tagged.Equal(got, lit) {
		t.Fatalf("expected the literal to round-trip through the pool")
	}
}

func TestInstructionStreamAdvancesAndSignalsEnd(t *testing.T) {
	h := newTestHeap()
	bc, _ := NewBytecode(h)
	_, _ = bc.Push(CreateABC(OpAdd, 0, 1, 2))
	_, _ = bc.Push(CreateABC(OpSub, 0, 1, 2))

	stream, err := NewInstructionStream(h, bc)
	if err != nil {
		t.Fatalf("NewInstructionStream: %v", err)
	}
	first, ok := stream.GetNextOpcode()
	if !ok || first.Op() != OpAdd {
		t.Fatalf("expected the first instruction to be Add")
	}
	second, ok := stream.GetNextOpcode()
	if !ok || second.Op() != OpSub {
		t.Fatalf("expected the second instruction to be Sub")
	}
	if _, ok := stream.GetNextOpcode(); ok {
		t.Fatalf("expected the stream to report exhaustion past the last instruction")
	}
}

func TestInstructionStreamSwitchFrameRepositions(t *testing.T) {
	h := newTestHeap()
	bcA, _ := NewBytecode(h)
	_, _ = bcA.Push(CreateABC(OpAdd, 0, 0, 0))
	bcB, _ := NewBytecode(h)
	_, _ = bcB.Push(CreateABC(OpMul, 0, 0, 0))
	_, _ = bcB.Push(CreateABC(OpDiv, 0, 0, 0))

	stream, _ := NewInstructionStream(h, bcA)
	stream.SwitchFrame(bcB, 1)
	instr, ok := stream.GetNextOpcode()
	if !ok || instr.Op() != OpDiv {
		t.Fatalf("expected SwitchFrame to reposition onto bcB at index 1")
	}
}

func TestUpvalueCloseIsIdempotent(t *testing.T) {
	h := newTestHeap()
	uv, err := NewUpvalue(h, 5)
	if err != nil {
		t.Fatalf("NewUpvalue: %v", err)
	}
	first, _ := tagged.NewInt(1)
	uv.Close(first)
	if !uv.Closed {
		t.Fatalf("expected Close to mark the upvalue closed")
	}
	second, _ := tagged.NewInt(2)
	uv.Close(second)
	if !tagged.Equal(uv.Captured, first) {
		t.Fatalf("expected closing an already-closed upvalue to be a no-op")
	}
}

func TestPartialRemainingTracksArityMinusUsed(t *testing.T) {
	h := newTestHeap()
	fn, err := NewFunction(h, "add3", []string{"a", "b", "c"}, nil, nil)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	p, err := NewPartial(h, fn)
	if err != nil {
		t.Fatalf("NewPartial: %v", err)
	}
	if p.Remaining() != 3 {
		t.Fatalf("expected 3 remaining on a fresh Partial, got %d", p.Remaining())
	}
	p.Used = 2
	if p.Remaining() != 1 {
		t.Fatalf("expected 1 remaining after applying 2 of 3, got %d", p.Remaining())
	}
}
