// Package bytecode implements the register-based instruction format,
// the bytecode buffer and literal pool, the per-thread instruction
// stream, and the function/closure/call-frame value types the
// compiler emits and the VM executes.
package bytecode

import (
	corerr "stickylisp/internal/errors"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lispval"
	"stickylisp/internal/tagged"
)

// Opcode is the closed instruction enumeration. Every opcode packs
// into a 32-bit Instruction alongside up to three 8-bit register
// operands, or one register and a 16-bit literal/offset.
type Opcode uint8

const (
	OpMove Opcode = iota
	OpLoadNil
	OpLoadLiteral
	OpLoadInteger
	OpLoadGlobal
	OpStoreGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpCloseUpvalues
	OpCall
	OpReturn
	OpMakeClosure
	OpJump
	OpJumpIfTrue
	OpJumpIfFalse
	OpIsNil
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpEq
)

func (op Opcode) String() string {
	switch op {
	case OpMove:
		return "Move"
	case OpLoadNil:
		return "LoadNil"
	case OpLoadLiteral:
		return "LoadLiteral"
	case OpLoadInteger:
		return "LoadInteger"
	case OpLoadGlobal:
		return "LoadGlobal"
	case OpStoreGlobal:
		return "StoreGlobal"
	case OpGetUpvalue:
		return "GetUpvalue"
	case OpSetUpvalue:
		return "SetUpvalue"
	case OpCloseUpvalues:
		return "CloseUpvalues"
	case OpCall:
		return "Call"
	case OpReturn:
		return "Return"
	case OpMakeClosure:
		return "MakeClosure"
	case OpJump:
		return "Jump"
	case OpJumpIfTrue:
		return "JumpIfTrue"
	case OpJumpIfFalse:
		return "JumpIfFalse"
	case OpIsNil:
		return "IsNil"
	case OpAdd:
		return "Add"
	case OpSub:
		return "Sub"
	case OpMul:
		return "Mul"
	case OpDiv:
		return "Div"
	case OpEq:
		return "Eq"
	default:
		return "Unknown"
	}
}

// Instruction is a fixed 32-bit encoding: 8-bit opcode followed by
// either three 8-bit register fields (A, B, C) or one 8-bit register
// field plus a 16-bit Bx/sBx field, mirroring the Lua-style iABC/iABx/
// iAsBx layout.
type Instruction uint32

const (
	posOp = 0
	posA  = 8
	posB  = 16
	posC  = 24

	maskByte = 0xff
	maskBx   = 0xffff

	maxSBx = maskBx >> 1
)

// CreateABC encodes a three-register instruction.
func CreateABC(op Opcode, a, b, c uint8) Instruction {
	return Instruction(op) | Instruction(a)<<posA | Instruction(b)<<posB | Instruction(c)<<posC
}

// CreateABx encodes a register plus a 16-bit unsigned operand (a
// literal index or upvalue slot count).
func CreateABx(op Opcode, a uint8, bx uint16) Instruction {
	return Instruction(op) | Instruction(a)<<posA | Instruction(bx)<<posB
}

// CreateAsBx encodes a register plus a signed 16-bit operand (a jump
// offset), bias-stored the same way Lua stores its signed Bx.
func CreateAsBx(op Opcode, a uint8, sbx int32) Instruction {
	return CreateABx(op, a, uint16(sbx+maxSBx))
}

func (i Instruction) Op() Opcode { return Opcode(i >> posOp & maskByte) }
func (i Instruction) A() uint8   { return uint8(i >> posA & maskByte) }
func (i Instruction) B() uint8   { return uint8(i >> posB & maskByte) }
func (i Instruction) C() uint8   { return uint8(i >> posC & maskByte) }
func (i Instruction) Bx() uint16 { return uint16(i >> posB & maskBx) }
func (i Instruction) SBx() int32 { return int32(i.Bx()) - maxSBx }

// WithSBx re-encodes i with a new signed Bx operand, preserving its
// opcode and A field. Used by UpdateJumpOffset to patch a jump whose
// target is only known after the intervening code has been emitted.
func (i Instruction) WithSBx(sbx int32) Instruction {
	return CreateAsBx(i.Op(), i.A(), sbx)
}

// Bytecode is an opcode buffer plus the literal pool it indexes into
// for any value too wide to fit inline (strings, symbols, nested
// compiled functions).
type Bytecode struct {
	Hdr      heapimpl.Header
	Code     *lispval.Array[Instruction]
	Literals *lispval.List
}

func (b *Bytecode) HeapHeader() *heapimpl.Header { return &b.Hdr }

// NewBytecode allocates an empty instruction buffer and literal pool.
func NewBytecode(h *heapimpl.Heap) (*Bytecode, error) {
	code, err := lispval.NewArray[Instruction](h, 16)
	if err != nil {
		return nil, err
	}
	literals, err := lispval.NewListValue(h, 4)
	if err != nil {
		return nil, err
	}
	return &Bytecode{Code: code, Literals: literals}, nil
}

// Push appends an instruction, returning its index for later patching
// by UpdateJumpOffset.
func (b *Bytecode) Push(instr Instruction) (int, error) {
	idx := b.Code.Length()
	if err := b.Code.Push(instr); err != nil {
		return 0, err
	}
	return idx, nil
}

// PushLiteral appends value to the literal pool, returning its index.
// Unlike symbol interning, literals are not deduplicated: each call
// reserves a fresh slot.
func (b *Bytecode) PushLiteral(value tagged.TaggedPtr) (int, error) {
	idx := b.Literals.Length()
	if idx > int(maskBx) {
		return 0, corerr.BadRequestf("literal pool exhausted: index %d exceeds 16-bit range", idx)
	}
	if err := b.Literals.PushTagged(value); err != nil {
		return 0, err
	}
	return idx, nil
}

// PushLoadLiteral emits a LoadLiteral instruction loading literalID
// into dest.
func (b *Bytecode) PushLoadLiteral(dest uint8, literalID int) (int, error) {
	return b.Push(CreateABx(OpLoadLiteral, dest, uint16(literalID)))
}

// UpdateJumpOffset rewrites the signed-offset operand of the jump
// instruction at instrIndex, for forward jumps whose target is only
// discovered once the intervening code has been emitted.
func (b *Bytecode) UpdateJumpOffset(instrIndex int, offset int32) error {
	instr, err := b.Code.Get(instrIndex)
	if err != nil {
		return err
	}
	return b.Code.Set(instrIndex, instr.WithSBx(offset))
}

// Len reports the number of instructions emitted so far.
func (b *Bytecode) Len() int { return b.Code.Length() }

// InstructionStream is the mutable read cursor a single thread walks
// over a Bytecode buffer. The VM keeps exactly one of these pointed at
// the bytecode of the currently executing call frame.
type InstructionStream struct {
	Hdr      heapimpl.Header
	Bytecode *Bytecode
	next     int
}

func (s *InstructionStream) HeapHeader() *heapimpl.Header { return &s.Hdr }

// NewInstructionStream allocates a stream positioned at the start of
// code.
func NewInstructionStream(h *heapimpl.Heap, code *Bytecode) (*InstructionStream, error) {
	return heapimpl.Alloc(h, heapimpl.TagInstructionStream, instructionStreamSize, func() *InstructionStream {
		return &InstructionStream{Bytecode: code}
	})
}

var instructionStreamSize = uintptr(32)

// SwitchFrame repoints the stream at a different bytecode buffer and
// instruction index, used on Call and Return to follow the active
// call frame.
func (s *InstructionStream) SwitchFrame(code *Bytecode, ip int) {
	s.Bytecode = code
	s.next = ip
}

// NextIndex reports the index of the instruction GetNextOpcode would
// return next, used by Call to record the caller's resumption point.
func (s *InstructionStream) NextIndex() int { return s.next }

// GetNextOpcode reads the instruction at the cursor and advances it.
// ok is false once the stream has run past the end of its bytecode.
func (s *InstructionStream) GetNextOpcode() (instr Instruction, ok bool) {
	if s.next >= s.Bytecode.Len() {
		return 0, false
	}
	instr, err := s.Bytecode.Code.Get(s.next)
	if err != nil {
		return 0, false
	}
	s.next++
	return instr, true
}

// NonLocalRef names a variable captured from an enclosing function:
// how many call frames up it lives, and at which register within that
// frame.
type NonLocalRef struct {
	RelativeFrameDepth int
	RegisterIndex      int
}

// Function is a compiled, callable unit: its bytecode plus the
// metadata the VM needs to set up and tear down a call frame for it.
type Function struct {
	Hdr       heapimpl.Header
	Name      string
	Params    []string
	Arity     int
	Code      *Bytecode
	NonLocals []NonLocalRef
}

func (f *Function) HeapHeader() *heapimpl.Header { return &f.Hdr }

var functionSize = uintptr(96)

// NewFunction allocates a Function value.
func NewFunction(h *heapimpl.Heap, name string, params []string, code *Bytecode, nonLocals []NonLocalRef) (*Function, error) {
	return heapimpl.Alloc(h, heapimpl.TagFunction, functionSize, func() *Function {
		return &Function{Name: name, Params: params, Arity: len(params), Code: code, NonLocals: nonLocals}
	})
}

// Upvalue is a captured-variable handle: open upvalues redirect reads
// and writes through an absolute stack location; once closed, they
// carry their own value independent of any stack frame.
type Upvalue struct {
	Hdr      heapimpl.Header
	Location int
	Closed   bool
	Captured tagged.TaggedPtr
}

func (u *Upvalue) HeapHeader() *heapimpl.Header { return &u.Hdr }

var upvalueSize = uintptr(40)

// NewUpvalue allocates an open upvalue referencing the given absolute
// stack location.
func NewUpvalue(h *heapimpl.Heap, location int) (*Upvalue, error) {
	return heapimpl.Alloc(h, heapimpl.TagUpvalue, upvalueSize, func() *Upvalue {
		return &Upvalue{Location: location}
	})
}

// Close copies currentValue into the upvalue's captured slot and
// marks it closed. A no-op if already closed, matching the
// CloseUpvalues idempotence requirement.
func (u *Upvalue) Close(currentValue tagged.TaggedPtr) {
	if u.Closed {
		return
	}
	u.Captured = currentValue
	u.Closed = true
}

// Partial represents a callable value that is under-applied, a
// closure, or both: Function/Partial are unified under the same
// runtime shape so Call's dispatch logic treats them uniformly.
type Partial struct {
	Hdr   heapimpl.Header
	Fn    *Function
	Arity int
	Used  int
	Args  *lispval.List
	Env   []*Upvalue
}

func (p *Partial) HeapHeader() *heapimpl.Header { return &p.Hdr }

var partialSize = uintptr(64)

// NewPartial allocates a Partial over fn with no arguments yet applied
// and no captured environment.
func NewPartial(h *heapimpl.Heap, fn *Function) (*Partial, error) {
	args, err := lispval.NewListValue(h, fn.Arity)
	if err != nil {
		return nil, err
	}
	return heapimpl.Alloc(h, heapimpl.TagPartial, partialSize, func() *Partial {
		return &Partial{Fn: fn, Arity: fn.Arity, Args: args}
	})
}

// Remaining reports how many more arguments must be supplied before
// Partial is fully applied.
func (p *Partial) Remaining() int { return p.Arity - p.Used }

// CallFrame is pushed on Call and popped on Return, recording where
// execution resumes in the caller and where the callee's register
// window begins in the shared register stack. Upvalues is the side
// table of upvalues referencing slots within this frame, consulted and
// pruned by CloseUpvalues; Env is the active closure's captured
// environment (if this frame was entered through a Partial), consulted
// by GetUpvalue/SetUpvalue in place of threading it through a tagged
// register. SavedTop is the caller's register-stack length at call
// time, restored on Return so the shared register stack unwinds
// exactly as it grew.
type CallFrame struct {
	Hdr       heapimpl.Header
	Fn        *Function
	ReturnIP  int
	StackBase int
	SavedTop  int
	Upvalues  []*Upvalue
	Env       []*Upvalue
}

func (c *CallFrame) HeapHeader() *heapimpl.Header { return &c.Hdr }

var callFrameSize = uintptr(48)

// NewCallFrame allocates a frame for fn, resuming the caller at
// returnIP, with its register window starting at stackBase.
func NewCallFrame(h *heapimpl.Heap, fn *Function, returnIP, stackBase int) (*CallFrame, error) {
	return heapimpl.Alloc(h, heapimpl.TagCallFrame, callFrameSize, func() *CallFrame {
		return &CallFrame{Fn: fn, ReturnIP: returnIP, StackBase: stackBase}
	})
}
