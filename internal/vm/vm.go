// Package vm executes compiled bytecode.Function values: the shared
// register stack, the call-frame stack, and the big opcode-dispatch
// loop that interprets one Instruction at a time.
package vm

import (
	corerr "stickylisp/internal/errors"
	"stickylisp/internal/bytecode"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lispval"
	"stickylisp/internal/tagged"

	"modernc.org/mathutil"
)

// registerWindow is how many registers a fresh call frame reserves
// past its base; register operands are 8-bit, so 256 always covers
// every register a function's compiler could have acquired.
const registerWindow = 256

// Thread is one execution context: a shared register stack windowed
// per call frame, the frame stack itself, the instruction cursor
// following whichever frame is on top, and the global bindings every
// frame's LoadGlobal/StoreGlobal reach through.
type Thread struct {
	heap      *heapimpl.Heap
	registers *lispval.List
	globals   *lispval.Dict
	symbols   *lispval.SymbolArena
	stream    *bytecode.InstructionStream
	frames    []*bytecode.CallFrame
}

// NewThread builds a thread sharing the given heap, global bindings
// table and symbol arena (the same ones the compiler that produced the
// program's functions used).
func NewThread(h *heapimpl.Heap, globals *lispval.Dict, symbols *lispval.SymbolArena) (*Thread, error) {
	registers, err := lispval.NewListValue(h, registerWindow)
	if err != nil {
		return nil, err
	}
	if err := registers.GrowTo(registerWindow); err != nil {
		return nil, err
	}
	return &Thread{heap: h, registers: registers, globals: globals, symbols: symbols}, nil
}

// Run executes fn as a fresh top-level call (register window starting
// at absolute 0) to completion, returning the value its top-level
// Return instruction produced.
func (t *Thread) Run(fn *bytecode.Function) (tagged.TaggedPtr, error) {
	stream, err := bytecode.NewInstructionStream(t.heap, fn.Code)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	frame, err := bytecode.NewCallFrame(t.heap, fn, -1, 0)
	if err != nil {
		return tagged.TaggedPtr{}, err
	}
	frame.SavedTop = t.registers.Length()
	t.stream = stream
	t.frames = append(t.frames, frame)
	return t.run()
}

func (t *Thread) current() *bytecode.CallFrame { return t.frames[len(t.frames)-1] }

func (t *Thread) abs(reg uint8) int { return t.current().StackBase + int(reg) }

func (t *Thread) getReg(reg uint8) (tagged.TaggedPtr, error) {
	return t.registers.GetTagged(t.abs(reg))
}

func (t *Thread) setReg(reg uint8, v tagged.TaggedPtr) error {
	return t.registers.SetTagged(t.abs(reg), v)
}

// run is the main dispatch loop: read the next instruction off the
// active stream, act on it, repeat until the top-level frame returns.
func (t *Thread) run() (tagged.TaggedPtr, error) {
	for {
		instr, ok := t.stream.GetNextOpcode()
		if !ok {
			return tagged.TaggedPtr{}, corerr.BadRequestf("instruction stream ran past the end of its function without a Return")
		}

		switch instr.Op() {
		case bytecode.OpMove:
			v, err := t.getReg(instr.B())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.setReg(instr.A(), v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpLoadNil:
			if err := t.setReg(instr.A(), tagged.Nil); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpLoadLiteral:
			v, err := t.current().Fn.Code.Literals.GetTagged(int(instr.Bx()))
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.setReg(instr.A(), v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpLoadInteger:
			v, err := tagged.NewInt(int(instr.SBx()))
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.setReg(instr.A(), v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpLoadGlobal:
			name, err := t.getReg(instr.B())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			v, found, err := t.globals.Lookup(name)
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if !found {
				return tagged.TaggedPtr{}, corerr.UnboundNamef("unbound global %s", symbolLabel(name))
			}
			if err := t.setReg(instr.A(), v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpStoreGlobal:
			name, err := t.getReg(instr.A())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			v, err := t.getReg(instr.B())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.globals.Insert(name, v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpGetUpvalue:
			v, err := t.readUpvalue(int(instr.B()))
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.setReg(instr.A(), v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpSetUpvalue:
			v, err := t.getReg(instr.B())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.writeUpvalue(int(instr.A()), v); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpCloseUpvalues:
			if err := t.closeUpvaluesFrom(instr.A()); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpCall:
			if err := t.call(instr.A(), int(instr.B())); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpReturn:
			done, value, err := t.doReturn()
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if done {
				return value, nil
			}

		case bytecode.OpMakeClosure:
			if err := t.makeClosure(instr.A(), instr.B()); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpJump:
			t.jumpBy(instr.SBx())

		case bytecode.OpJumpIfTrue:
			cond, err := t.getReg(instr.A())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if truthy(cond) {
				t.jumpBy(instr.SBx())
			}

		case bytecode.OpJumpIfFalse:
			cond, err := t.getReg(instr.A())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if !truthy(cond) {
				t.jumpBy(instr.SBx())
			}

		case bytecode.OpIsNil:
			v, err := t.getReg(instr.B())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.setReg(instr.A(), boolValue(v.IsNil())); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpEq:
			a, err := t.getReg(instr.B())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			b, err := t.getReg(instr.C())
			if err != nil {
				return tagged.TaggedPtr{}, err
			}
			if err := t.setReg(instr.A(), boolValue(tagged.Equal(a, b))); err != nil {
				return tagged.TaggedPtr{}, err
			}

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			if err := t.arithmetic(instr); err != nil {
				return tagged.TaggedPtr{}, err
			}

		default:
			return tagged.TaggedPtr{}, corerr.BadRequestf("unimplemented opcode %s", instr.Op())
		}
	}
}

// jumpBy advances the instruction stream by offset relative to the
// instruction immediately following the jump, matching how
// UpdateJumpOffset computed it at compile time.
func (t *Thread) jumpBy(offset int32) {
	t.stream.SwitchFrame(t.stream.Bytecode, t.stream.NextIndex()+int(offset))
}

func truthy(v tagged.TaggedPtr) bool { return !v.IsNil() }

// boolValue realizes the language's booleans without a dedicated tag:
// true is the inline integer 1 (truthy), false is Nil (falsy) so the
// Jump* opcodes and nil? need no special-casing of a Bool type.
func boolValue(b bool) tagged.TaggedPtr {
	if !b {
		return tagged.Nil
	}
	v, _ := tagged.NewInt(1)
	return v
}

func symbolLabel(name tagged.TaggedPtr) string {
	ref, ok := name.AsObject()
	if !ok {
		return "?"
	}
	sym, ok := ref.(*lispval.Symbol)
	if !ok {
		return "?"
	}
	return sym.Name
}

// arithmetic implements Add/Sub/Mul/Div: both operands must be tagged
// INT, and the result is checked for overflow both in native int
// arithmetic and in the inline-integer range NewInt enforces.
func (t *Thread) arithmetic(instr bytecode.Instruction) error {
	left, err := t.getReg(instr.B())
	if err != nil {
		return err
	}
	right, err := t.getReg(instr.C())
	if err != nil {
		return err
	}
	a, ok := left.AsInt()
	if !ok {
		return corerr.TypeMismatchf("arithmetic operand must be an integer, got %s", left.TagOf())
	}
	b, ok := right.AsInt()
	if !ok {
		return corerr.TypeMismatchf("arithmetic operand must be an integer, got %s", right.TagOf())
	}

	var result int
	switch instr.Op() {
	case bytecode.OpAdd:
		result = a + b
		if (b > 0 && result < a) || (b < 0 && result > a) {
			return corerr.ArithmeticOverflowf("integer overflow computing %d + %d", a, b)
		}
	case bytecode.OpSub:
		result = a - b
		if (b < 0 && result < a) || (b > 0 && result > a) {
			return corerr.ArithmeticOverflowf("integer overflow computing %d - %d", a, b)
		}
	case bytecode.OpMul:
		result = a * b
		if a != 0 && result/a != b {
			return corerr.ArithmeticOverflowf("integer overflow computing %d * %d", a, b)
		}
	case bytecode.OpDiv:
		if b == 0 {
			return corerr.ArithmeticOverflowf("division by zero computing %d / %d", a, b)
		}
		result = a / b
	}

	v, err := tagged.NewInt(result)
	if err != nil {
		return err
	}
	return t.setReg(instr.A(), v)
}

// readUpvalue reads the value an open or closed upvalue currently
// holds, consulting the active frame's captured environment rather
// than a tagged register (see Partial.Env / CallFrame.Env).
func (t *Thread) readUpvalue(idx int) (tagged.TaggedPtr, error) {
	env := t.current().Env
	if idx < 0 || idx >= len(env) {
		return tagged.TaggedPtr{}, corerr.IndexOutOfBoundsf("upvalue index %d out of bounds [0,%d)", idx, len(env))
	}
	uv := env[idx]
	if uv.Closed {
		return uv.Captured, nil
	}
	return t.registers.GetTagged(uv.Location)
}

func (t *Thread) writeUpvalue(idx int, v tagged.TaggedPtr) error {
	env := t.current().Env
	if idx < 0 || idx >= len(env) {
		return corerr.IndexOutOfBoundsf("upvalue index %d out of bounds [0,%d)", idx, len(env))
	}
	uv := env[idx]
	if uv.Closed {
		uv.Captured = v
		return nil
	}
	return t.registers.SetTagged(uv.Location, v)
}

// closeUpvaluesFrom closes whichever open upvalue in the current
// frame's side table aliases register reg, copying its current stack
// value into its own captured slot. Idempotent: a register with no
// outstanding upvalue is a no-op, matching compileLet/compileFunction
// emitting one CloseUpvalues per closed-over binding regardless of
// whether anything ever captured it.
func (t *Thread) closeUpvaluesFrom(reg uint8) error {
	frame := t.current()
	loc := t.abs(reg)
	for _, uv := range frame.Upvalues {
		if uv.Closed || uv.Location != loc {
			continue
		}
		v, err := t.registers.GetTagged(uv.Location)
		if err != nil {
			return err
		}
		uv.Close(v)
	}
	return nil
}

// findOrMakeUpvalue returns the existing open upvalue in frame's side
// table for absolute location loc, allocating and registering a fresh
// one if none exists yet — the sharing rule that lets two closures
// capturing the same binding observe each other's writes.
func (t *Thread) findOrMakeUpvalue(frame *bytecode.CallFrame, loc int) (*bytecode.Upvalue, error) {
	for _, uv := range frame.Upvalues {
		if !uv.Closed && uv.Location == loc {
			return uv, nil
		}
	}
	uv, err := bytecode.NewUpvalue(t.heap, loc)
	if err != nil {
		return nil, err
	}
	frame.Upvalues = append(frame.Upvalues, uv)
	return uv, nil
}

// makeClosure builds a Partial wrapping the Function literal sitting
// in funcReg, resolving each of its non-local references against the
// currently executing frame (the single supported capture depth) and
// storing the result in dest.
func (t *Thread) makeClosure(dest, funcReg uint8) error {
	fnVal, err := t.getReg(funcReg)
	if err != nil {
		return err
	}
	ref, ok := fnVal.AsObject()
	if !ok {
		return corerr.TypeMismatchf("MakeClosure operand must be a compiled function literal")
	}
	fn, ok := ref.(*bytecode.Function)
	if !ok {
		return corerr.TypeMismatchf("MakeClosure operand must be a compiled function literal")
	}

	frame := t.current()
	env := make([]*bytecode.Upvalue, len(fn.NonLocals))
	for i, nl := range fn.NonLocals {
		loc := frame.StackBase + nl.RegisterIndex
		uv, err := t.findOrMakeUpvalue(frame, loc)
		if err != nil {
			return err
		}
		env[i] = uv
	}

	partial, err := bytecode.NewPartial(t.heap, fn)
	if err != nil {
		return err
	}
	partial.Env = env
	return t.setReg(dest, tagged.NewObject(partial))
}

// collectArgs reads numArgs consecutive tagged values starting at
// absolute position base (the call's env-slot register plus one, i.e.
// the first argument register).
func (t *Thread) collectArgs(base, numArgs int) ([]tagged.TaggedPtr, error) {
	args := make([]tagged.TaggedPtr, numArgs)
	for i := 0; i < numArgs; i++ {
		v, err := t.registers.GetTagged(base + i)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func listElements(l *lispval.List) ([]tagged.TaggedPtr, error) {
	items := make([]tagged.TaggedPtr, l.Length())
	for i := range items {
		v, err := l.GetTagged(i)
		if err != nil {
			return nil, err
		}
		items[i] = v
	}
	return items, nil
}

// call dispatches OpCall: funcReg names both the callee register and
// (per the window formula below) the register the result eventually
// lands in. The env slot at funcReg+1 is reserved layout only — the
// active closure environment travels via CallFrame.Env, never through
// a tagged register — and arguments occupy funcReg+2 onward.
func (t *Thread) call(funcReg uint8, numArgs int) error {
	calleeAbs := t.abs(funcReg)
	callee, err := t.registers.GetTagged(calleeAbs)
	if err != nil {
		return err
	}
	argsBase := calleeAbs + 2
	ref, ok := callee.AsObject()
	if !ok {
		return corerr.NotCallablef("value of type %s is not callable", callee.TagOf())
	}

	switch obj := ref.(type) {
	case *bytecode.Function:
		return t.callFunction(obj, nil, 0, nil, calleeAbs, argsBase, numArgs)
	case *bytecode.Partial:
		return t.callPartial(obj, calleeAbs, argsBase, numArgs)
	default:
		return corerr.NotCallablef("value of type %s is not callable", callee.TagOf())
	}
}

// callFunction handles a direct Function value: exact arity enters it,
// under-application builds a fresh Partial instead of pushing a frame,
// over-application is an arity error.
func (t *Thread) callFunction(fn *bytecode.Function, priorArgs []tagged.TaggedPtr, used int, env []*bytecode.Upvalue, calleeAbs, argsBase, numArgs int) error {
	newArgs, err := t.collectArgs(argsBase, numArgs)
	if err != nil {
		return err
	}
	total := used + numArgs

	switch {
	case total == fn.Arity:
		args := append(append([]tagged.TaggedPtr{}, priorArgs...), newArgs...)
		return t.enterFunction(fn, args, env, calleeAbs)
	case total < fn.Arity:
		partial, err := bytecode.NewPartial(t.heap, fn)
		if err != nil {
			return err
		}
		for _, a := range priorArgs {
			if err := partial.Args.PushTagged(a); err != nil {
				return err
			}
		}
		for _, a := range newArgs {
			if err := partial.Args.PushTagged(a); err != nil {
				return err
			}
		}
		partial.Used = total
		partial.Env = env
		return t.registers.SetTagged(calleeAbs, tagged.NewObject(partial))
	default:
		return corerr.ArityMismatchf("%s expects %d arguments, got %d", fn.Name, fn.Arity, total)
	}
}

// callPartial handles calling a Partial: completing it enters its
// function with the combined argument list, continuing it produces a
// further Partial, and over-application is an arity error.
func (t *Thread) callPartial(p *bytecode.Partial, calleeAbs, argsBase, numArgs int) error {
	remaining := p.Remaining()
	if numArgs > remaining {
		return corerr.ArityMismatchf("%s expects %d more argument(s), got %d", p.Fn.Name, remaining, numArgs)
	}
	priorArgs, err := listElements(p.Args)
	if err != nil {
		return err
	}
	return t.callFunction(p.Fn, priorArgs, p.Used, p.Env, calleeAbs, argsBase, numArgs)
}

// enterFunction pushes a fresh call frame for fn at calleeAbs (so the
// new frame's register 0 aliases the caller's funcReg, per the
// windowing rule), copies args into the argument registers, and
// switches the instruction stream onto fn's code.
func (t *Thread) enterFunction(fn *bytecode.Function, args []tagged.TaggedPtr, env []*bytecode.Upvalue, calleeAbs int) error {
	savedTop := t.registers.Length()
	returnIP := t.stream.NextIndex()

	frame, err := bytecode.NewCallFrame(t.heap, fn, returnIP, calleeAbs)
	if err != nil {
		return err
	}
	frame.SavedTop = savedTop
	frame.Env = env

	if err := t.registers.GrowTo(mathutil.Max(savedTop, calleeAbs+registerWindow)); err != nil {
		return err
	}
	for i, a := range args {
		if err := t.registers.SetTagged(calleeAbs+2+i, a); err != nil {
			return err
		}
	}

	t.frames = append(t.frames, frame)
	t.stream.SwitchFrame(fn.Code, 0)
	return nil
}

// doReturn pops the active call frame, delivering its register-0
// result into the caller's funcReg slot and restoring the caller's
// register-stack length and instruction stream. done is true once the
// top-level frame (the one Run pushed) has returned.
func (t *Thread) doReturn() (done bool, value tagged.TaggedPtr, err error) {
	frame := t.current()
	result, err := t.registers.GetTagged(frame.StackBase)
	if err != nil {
		return false, tagged.TaggedPtr{}, err
	}

	t.frames = t.frames[:len(t.frames)-1]
	if len(t.frames) == 0 {
		return true, result, nil
	}

	if err := t.registers.Truncate(frame.SavedTop); err != nil {
		return false, tagged.TaggedPtr{}, err
	}
	if err := t.registers.SetTagged(frame.StackBase, result); err != nil {
		return false, tagged.TaggedPtr{}, err
	}

	caller := t.current()
	t.stream.SwitchFrame(caller.Fn.Code, frame.ReturnIP)
	return false, tagged.TaggedPtr{}, nil
}
