package compiler

import (
	"testing"

	"stickylisp/internal/bytecode"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lispval"
	"stickylisp/internal/tagged"
)

func newTestHeap() *heapimpl.Heap {
	return heapimpl.NewHeap(heapimpl.DefaultConfig(), nil)
}

// sym builds a symbol TaggedPtr from an arena.
func sym(t *testing.T, arena *lispval.SymbolArena, name string) tagged.TaggedPtr {
	t.Helper()
	s, err := arena.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	return tagged.NewSymbol(s)
}

func list(t *testing.T, h *heapimpl.Heap, items ...tagged.TaggedPtr) tagged.TaggedPtr {
	t.Helper()
	v, err := lispval.NewList(h, items)
	if err != nil {
		t.Fatalf("NewList: %v", err)
	}
	return v
}

func intLit(t *testing.T, v int) tagged.TaggedPtr {
	t.Helper()
	p, err := tagged.NewInt(v)
	if err != nil {
		t.Fatalf("NewInt: %v", err)
	}
	return p
}

// TestCompileSimpleArithmeticEmitsAddAndReturn builds (+ 1 2) and
// checks the emitted bytecode ends with an Add followed by Return.
func TestCompileSimpleArithmeticEmitsAddAndReturn(t *testing.T) {
	h := newTestHeap()
	arena := lispval.NewSymbolArena(h)

	form := list(t, h, sym(t, arena, "+"), intLit(t, 1), intLit(t, 2))
	fn, err := CompileProgram(h, arena, []tagged.TaggedPtr{form})
	if err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}

	sawAdd := false
	for i := 0; i < fn.Code.Len(); i++ {
		instr, err := fn.Code.Code.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if instr.Op() == bytecode.OpAdd {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Fatalf("expected an Add instruction in the compiled program")
	}
	last, err := fn.Code.Code.Get(fn.Code.Len() - 1)
	if err != nil {
		t.Fatalf("Get last: %v", err)
	}
	if last.Op() != bytecode.OpReturn {
		t.Fatalf("expected the program to end with Return, got %s", last.Op())
	}
}

// TestCompileDefThenCallEmitsStoreGlobalAndCall mirrors the worked
// scenario (def mul (x y) (* x y)) (mul 3 4): def emits StoreGlobal,
// the subsequent call emits Call.
func TestCompileDefThenCallEmitsStoreGlobalAndCall(t *testing.T) {
	h := newTestHeap()
	arena := lispval.NewSymbolArena(h)

	params := list(t, h, sym(t, arena, "x"), sym(t, arena, "y"))
	mulBody := list(t, h, sym(t, arena, "*"), sym(t, arena, "x"), sym(t, arena, "y"))
	defForm := list(t, h, sym(t, arena, "def"), sym(t, arena, "mul"), params, mulBody)
	callForm := list(t, h, sym(t, arena, "mul"), intLit(t, 3), intLit(t, 4))

	fn, err := CompileProgram(h, arena, []tagged.TaggedPtr{defForm, callForm})
	if err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}

	var sawStoreGlobal, sawCall bool
	for i := 0; i < fn.Code.Len(); i++ {
		instr, err := fn.Code.Code.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		switch instr.Op() {
		case bytecode.OpStoreGlobal:
			sawStoreGlobal = true
		case bytecode.OpCall:
			sawCall = true
		}
	}
	if !sawStoreGlobal {
		t.Fatalf("expected def to emit StoreGlobal")
	}
	if !sawCall {
		t.Fatalf("expected the subsequent call to emit Call")
	}
}

// TestCompileClosureEmitsMakeClosureAndUpvalueOps mirrors the worked
// closure scenario: a lambda referencing its enclosing function's
// parameter must compile to MakeClosure at the capture site and
// GetUpvalue inside the captured function's body.
func TestCompileClosureEmitsMakeClosureAndUpvalueOps(t *testing.T) {
	h := newTestHeap()
	arena := lispval.NewSymbolArena(h)

	innerParams := list(t, h, sym(t, arena, "x"))
	innerBody := list(t, h, sym(t, arena, "+"), sym(t, arena, "x"), sym(t, arena, "n"))
	lambdaForm := list(t, h, sym(t, arena, "lambda"), innerParams, innerBody)

	outerParams := list(t, h, sym(t, arena, "n"))
	defForm := list(t, h, sym(t, arena, "def"), sym(t, arena, "make_adder"), outerParams, lambdaForm)

	fn, err := CompileProgram(h, arena, []tagged.TaggedPtr{defForm})
	if err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}

	makeAdder := functionLiteral(t, fn.Code, "make_adder")
	if makeAdder == nil {
		t.Fatalf("expected make_adder's compiled Function among the program's literals")
	}
	if !emitsOp(t, makeAdder.Code, bytecode.OpMakeClosure) {
		t.Fatalf("expected materializing make_adder's body to emit MakeClosure")
	}
	lambda := functionLiteral(t, makeAdder.Code, "")
	if lambda == nil {
		t.Fatalf("expected the lambda's compiled Function among make_adder's literals")
	}
	if !emitsOp(t, lambda.Code, bytecode.OpGetUpvalue) {
		t.Fatalf("expected the lambda's body to read n through GetUpvalue")
	}
}

// functionLiteral returns the compiled Function named name from code's
// literal pool, or nil if there is none.
func functionLiteral(t *testing.T, code *bytecode.Bytecode, name string) *bytecode.Function {
	t.Helper()
	for i := 0; i < code.Literals.Length(); i++ {
		lit, err := code.Literals.GetTagged(i)
		if err != nil {
			t.Fatalf("GetTagged(%d): %v", i, err)
		}
		ref, ok := lit.AsObject()
		if !ok {
			continue
		}
		if f, ok := ref.(*bytecode.Function); ok && f.Name == name {
			return f
		}
	}
	return nil
}

// emitsOp reports whether code contains at least one instruction with
// opcode op.
func emitsOp(t *testing.T, code *bytecode.Bytecode, op bytecode.Opcode) bool {
	t.Helper()
	for i := 0; i < code.Len(); i++ {
		instr, err := code.Code.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if instr.Op() == op {
			return true
		}
	}
	return false
}

func TestCompileIfEmitsConditionalJumps(t *testing.T) {
	h := newTestHeap()
	arena := lispval.NewSymbolArena(h)

	ifForm := list(t, h, sym(t, arena, "if"), sym(t, arena, "nil"), intLit(t, 1), intLit(t, 2))
	fn, err := CompileProgram(h, arena, []tagged.TaggedPtr{ifForm})
	if err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}

	var sawJumpIfFalse, sawJump bool
	for i := 0; i < fn.Code.Len(); i++ {
		instr, err := fn.Code.Code.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		switch instr.Op() {
		case bytecode.OpJumpIfFalse:
			sawJumpIfFalse = true
		case bytecode.OpJump:
			sawJump = true
		}
	}
	if !sawJumpIfFalse || !sawJump {
		t.Fatalf("expected if to emit both JumpIfFalse and a closing Jump, got jif=%v j=%v", sawJumpIfFalse, sawJump)
	}
}

func TestCompileQuoteEmitsLiteralLoadWithoutEvaluating(t *testing.T) {
	h := newTestHeap()
	arena := lispval.NewSymbolArena(h)

	quoted := list(t, h, sym(t, arena, "+"), intLit(t, 1), intLit(t, 2))
	quoteForm := list(t, h, sym(t, arena, "quote"), quoted)

	fn, err := CompileProgram(h, arena, []tagged.TaggedPtr{quoteForm})
	if err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}

	for i := 0; i < fn.Code.Len(); i++ {
		instr, err := fn.Code.Code.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if instr.Op() == bytecode.OpAdd {
			t.Fatalf("expected quote to suppress evaluation of its argument")
		}
	}
}
