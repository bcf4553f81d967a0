// Package compiler turns a parsed Pair/Symbol AST into bytecode.Function
// values: scope-tracked register allocation, variable resolution across
// enclosing functions, and the special forms (let, lambda/def, if,
// begin, quote) plus builtin and user function calls.
package compiler

import (
	corerr "stickylisp/internal/errors"
	"stickylisp/internal/bytecode"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lispval"
	"stickylisp/internal/tagged"
)

// Variable is a scope entry: the register it lives in, and whether any
// nested function has captured it (set lazily, the moment a descendant
// resolves it as an upvalue).
type Variable struct {
	Register   uint8
	ClosedOver bool
}

// scope is one lexical level: the outermost scope of a function binds
// its parameters, each nested `let` pushes another.
type scope struct {
	parent *scope
	vars   map[string]*Variable
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, vars: make(map[string]*Variable)}
}

// registerAllocator is the LIFO register stack described in the
// register-allocation invariant: registers 2..255 are acquired and
// released strictly in stack order as variables and temporaries enter
// and leave scope. 0 is the return slot, 1 the closure-env slot, and
// are never handed out here.
type registerAllocator struct {
	next uint8
}

func newRegisterAllocator() *registerAllocator {
	return &registerAllocator{next: 2}
}

func (ra *registerAllocator) acquire() (uint8, error) {
	if ra.next == 0 {
		return 0, corerr.ArityMismatchf("register window exhausted: a function may use at most 256 registers")
	}
	reg := ra.next
	ra.next++
	return reg, nil
}

// release pops the most recently acquired register. Since allocation
// is strictly LIFO, callers always release in the reverse order they
// acquired.
func (ra *registerAllocator) release() {
	ra.next--
}

// bindingKind classifies where resolve found a name.
type bindingKind uint8

const (
	bindLocal bindingKind = iota
	bindUpvalue
	bindGlobal
)

type binding struct {
	kind     bindingKind
	register uint8
	upvalIdx int
}

// Compiler holds one function's compilation state: its scope stack,
// register allocator, the bytecode being emitted, and the table of
// variables it references from an enclosing function.
type Compiler struct {
	parent  *Compiler
	heap    *heapimpl.Heap
	symbols *lispval.SymbolArena

	scope     *scope
	allocator *registerAllocator
	code      *bytecode.Bytecode

	nonLocals     []bytecode.NonLocalRef
	nonLocalIndex map[string]int
}

// New starts a fresh top-level compiler (no parent, no parameters).
func New(h *heapimpl.Heap, symbols *lispval.SymbolArena) (*Compiler, error) {
	code, err := bytecode.NewBytecode(h)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		heap:          h,
		symbols:       symbols,
		scope:         newScope(nil),
		allocator:     newRegisterAllocator(),
		code:          code,
		nonLocalIndex: make(map[string]int),
	}, nil
}

func newChild(parent *Compiler) (*Compiler, error) {
	code, err := bytecode.NewBytecode(parent.heap)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		parent:        parent,
		heap:          parent.heap,
		symbols:       parent.symbols,
		scope:         newScope(nil),
		allocator:     newRegisterAllocator(),
		code:          code,
		nonLocalIndex: make(map[string]int),
	}, nil
}

func (c *Compiler) pushScope() { c.scope = newScope(c.scope) }

func (c *Compiler) popScope() {
	for range c.scope.vars {
		c.allocator.release()
	}
	c.scope = c.scope.parent
}

func (c *Compiler) define(name string, reg uint8) {
	c.scope.vars[name] = &Variable{Register: reg}
}

func (c *Compiler) resolveLocal(name string) (*Variable, bool) {
	for s := c.scope; s != nil; s = s.parent {
		if v, ok := s.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// resolve implements Binding resolution: local, then a single level of
// enclosing-function upvalue, then global. Capturing through more than
// one function boundary is not supported — a documented simplification,
// since the worked closure example only ever captures from its
// immediate enclosing function.
func (c *Compiler) resolve(name string) binding {
	if v, ok := c.resolveLocal(name); ok {
		return binding{kind: bindLocal, register: v.Register}
	}
	if c.parent != nil {
		if v, ok := c.parent.resolveLocal(name); ok {
			v.ClosedOver = true
			if idx, already := c.nonLocalIndex[name]; already {
				return binding{kind: bindUpvalue, upvalIdx: idx}
			}
			idx := len(c.nonLocals)
			c.nonLocals = append(c.nonLocals, bytecode.NonLocalRef{RelativeFrameDepth: 1, RegisterIndex: int(v.Register)})
			c.nonLocalIndex[name] = idx
			return binding{kind: bindUpvalue, upvalIdx: idx}
		}
	}
	return binding{kind: bindGlobal}
}

func symbolName(v tagged.TaggedPtr) (string, bool) {
	if v.TagOf() != tagged.TagSymbol {
		return "", false
	}
	ref, _ := v.AsObject()
	sym, ok := ref.(*lispval.Symbol)
	if !ok {
		return "", false
	}
	return sym.Name, true
}

// loadBindingInto resolves name and emits whatever instruction puts its
// value into dest: a Move for a local in some other register, a
// GetUpvalue, or a LoadGlobal keyed on a literal symbol.
func (c *Compiler) loadBindingInto(dest uint8, name string) error {
	b := c.resolve(name)
	switch b.kind {
	case bindLocal:
		if b.register == dest {
			return nil
		}
		_, err := c.code.Push(bytecode.CreateABC(bytecode.OpMove, dest, b.register, 0))
		return err
	case bindUpvalue:
		_, err := c.code.Push(bytecode.CreateABC(bytecode.OpGetUpvalue, dest, uint8(b.upvalIdx), 0))
		return err
	default:
		sym, err := c.symbols.Lookup(name)
		if err != nil {
			return err
		}
		litID, err := c.code.PushLiteral(tagged.NewSymbol(sym))
		if err != nil {
			return err
		}
		nameReg, err := c.allocator.acquire()
		if err != nil {
			return err
		}
		if _, err := c.code.PushLoadLiteral(nameReg, litID); err != nil {
			return err
		}
		if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpLoadGlobal, dest, nameReg, 0)); err != nil {
			return err
		}
		c.allocator.release() // nameReg
		return nil
	}
}

func (c *Compiler) storeGlobal(name string, srcReg uint8) error {
	sym, err := c.symbols.Lookup(name)
	if err != nil {
		return err
	}
	litID, err := c.code.PushLiteral(tagged.NewSymbol(sym))
	if err != nil {
		return err
	}
	nameReg, err := c.allocator.acquire()
	if err != nil {
		return err
	}
	if _, err := c.code.PushLoadLiteral(nameReg, litID); err != nil {
		return err
	}
	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpStoreGlobal, nameReg, srcReg, 0)); err != nil {
		return err
	}
	c.allocator.release()
	return nil
}

var binaryOps = map[string]bytecode.Opcode{
	"+":   bytecode.OpAdd,
	"-":   bytecode.OpSub,
	"*":   bytecode.OpMul,
	"/":   bytecode.OpDiv,
	"eq?": bytecode.OpEq,
	"=":   bytecode.OpEq,
}

var specialForms = map[string]bool{
	"let": true, "lambda": true, "def": true, "if": true,
	"begin": true, "do": true, "quote": true,
}

// eval compiles a single AST node, returning the register holding its
// result. The caller is responsible for releasing that register once
// done with it (except for the reserved return-slot / literal-pool
// cases noted inline).
func (c *Compiler) eval(node tagged.TaggedPtr) (uint8, error) {
	switch node.TagOf() {
	case tagged.TagInt:
		v, _ := node.AsInt()
		dest, err := c.allocator.acquire()
		if err != nil {
			return 0, err
		}
		if v >= -32767 && v <= 32767 {
			if _, err := c.code.Push(bytecode.CreateAsBx(bytecode.OpLoadInteger, dest, int32(v))); err != nil {
				return 0, err
			}
			return dest, nil
		}
		litID, err := c.code.PushLiteral(node)
		if err != nil {
			return 0, err
		}
		if _, err := c.code.PushLoadLiteral(dest, litID); err != nil {
			return 0, err
		}
		return dest, nil

	case tagged.TagSymbol:
		name, _ := symbolName(node)
		if name == "nil" {
			return c.evalNil()
		}
		dest, err := c.allocator.acquire()
		if err != nil {
			return 0, err
		}
		if err := c.loadBindingInto(dest, name); err != nil {
			return 0, err
		}
		return dest, nil

	case tagged.TagPair:
		items, ok := lispval.Elements(node)
		if !ok {
			return 0, corerr.TypeMismatchf("cannot evaluate an improper list")
		}
		if len(items) == 0 {
			return c.evalNil()
		}
		head := items[0]
		args := items[1:]
		if headName, isSym := symbolName(head); isSym {
			return c.apply(headName, args)
		}
		return 0, corerr.NotCallablef("call target must be a symbol")

	default:
		if node.IsNil() {
			return c.evalNil()
		}
		dest, err := c.allocator.acquire()
		if err != nil {
			return 0, err
		}
		litID, err := c.code.PushLiteral(node)
		if err != nil {
			return 0, err
		}
		_, err = c.code.PushLoadLiteral(dest, litID)
		return dest, err
	}
}

func (c *Compiler) evalNil() (uint8, error) {
	dest, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	_, err = c.code.Push(bytecode.CreateABC(bytecode.OpLoadNil, dest, 0, 0))
	return dest, err
}

// evalSequence compiles body in order, releasing every register but
// the last expression's, which is left acquired as the sequence's
// result (matching compile_function's "eval the last expression into
// the result slot" and let's "last expression is the let's result").
func (c *Compiler) evalSequence(body []tagged.TaggedPtr) (uint8, error) {
	if len(body) == 0 {
		return c.evalNil()
	}
	for _, expr := range body[:len(body)-1] {
		if _, err := c.eval(expr); err != nil {
			return 0, err
		}
		c.allocator.release()
	}
	return c.eval(body[len(body)-1])
}

// apply dispatches a call form on its head symbol: a special form, a
// builtin, or a user function/closure call.
func (c *Compiler) apply(head string, args []tagged.TaggedPtr) (uint8, error) {
	if specialForms[head] {
		return c.applySpecialForm(head, args)
	}
	if op, ok := binaryOps[head]; ok {
		return c.applyBinary(op, args)
	}
	if head == "nil?" {
		return c.applyUnaryPredicate(args)
	}
	return c.applyCall(head, args)
}

func (c *Compiler) applyBinary(op bytecode.Opcode, args []tagged.TaggedPtr) (uint8, error) {
	if len(args) != 2 {
		return 0, corerr.ArityMismatchf("binary operator expects 2 arguments, got %d", len(args))
	}
	a, err := c.eval(args[0])
	if err != nil {
		return 0, err
	}
	b, err := c.eval(args[1])
	if err != nil {
		return 0, err
	}
	c.allocator.release() // b
	c.allocator.release() // a
	dest, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	_, err = c.code.Push(bytecode.CreateABC(op, dest, a, b))
	return dest, err
}

func (c *Compiler) applyUnaryPredicate(args []tagged.TaggedPtr) (uint8, error) {
	if len(args) != 1 {
		return 0, corerr.ArityMismatchf("unary predicate expects 1 argument, got %d", len(args))
	}
	arg, err := c.eval(args[0])
	if err != nil {
		return 0, err
	}
	c.allocator.release()
	dest, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	_, err = c.code.Push(bytecode.CreateABC(bytecode.OpIsNil, dest, arg, 0))
	return dest, err
}

// applyCall compiles a user function call. The callee is loaded into
// funcReg; per the VM's windowing rule (new_stack_base = current base
// + func_reg), that same register doubles as the callee's result slot,
// so no separate result register is acquired. The env slot and
// arguments follow in the registers immediately after, matching the
// layout the callee's window expects.
func (c *Compiler) applyCall(name string, args []tagged.TaggedPtr) (uint8, error) {
	funcReg, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	if err := c.loadBindingInto(funcReg, name); err != nil {
		return 0, err
	}

	envSlot, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpLoadNil, envSlot, 0, 0)); err != nil {
		return 0, err
	}

	for _, arg := range args {
		if _, err := c.eval(arg); err != nil {
			return 0, err
		}
	}

	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpCall, funcReg, uint8(len(args)), 0)); err != nil {
		return 0, err
	}

	for range args {
		c.allocator.release()
	}
	c.allocator.release() // envSlot
	return funcReg, nil
}

func (c *Compiler) applySpecialForm(head string, args []tagged.TaggedPtr) (uint8, error) {
	switch head {
	case "quote":
		if len(args) != 1 {
			return 0, corerr.ArityMismatchf("quote expects exactly 1 argument")
		}
		dest, err := c.allocator.acquire()
		if err != nil {
			return 0, err
		}
		litID, err := c.code.PushLiteral(args[0])
		if err != nil {
			return 0, err
		}
		_, err = c.code.PushLoadLiteral(dest, litID)
		return dest, err

	case "if":
		return c.compileIf(args)

	case "begin", "do":
		c.pushScope()
		reg, err := c.evalSequence(args)
		c.popScope()
		return reg, err

	case "let":
		return c.compileLet(args)

	case "lambda":
		return c.compileLambdaExpr("", args)

	case "def":
		return c.compileDef(args)
	}
	return 0, corerr.BadRequestf("unknown special form %q", head)
}

func (c *Compiler) compileIf(args []tagged.TaggedPtr) (uint8, error) {
	if len(args) < 2 || len(args) > 3 {
		return 0, corerr.ArityMismatchf("if expects (cond then [else]), got %d arguments", len(args))
	}
	condReg, err := c.eval(args[0])
	if err != nil {
		return 0, err
	}

	jumpFalseIdx, err := c.code.Push(bytecode.CreateAsBx(bytecode.OpJumpIfFalse, condReg, 0))
	if err != nil {
		return 0, err
	}
	c.allocator.release() // condReg

	result, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}

	thenReg, err := c.eval(args[1])
	if err != nil {
		return 0, err
	}
	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpMove, result, thenReg, 0)); err != nil {
		return 0, err
	}
	c.allocator.release() // thenReg

	jumpEndIdx, err := c.code.Push(bytecode.CreateAsBx(bytecode.OpJump, 0, 0))
	if err != nil {
		return 0, err
	}

	elseStart := c.code.Len()
	if err := c.code.UpdateJumpOffset(jumpFalseIdx, int32(elseStart-jumpFalseIdx-1)); err != nil {
		return 0, err
	}

	if len(args) == 3 {
		elseReg, err := c.eval(args[2])
		if err != nil {
			return 0, err
		}
		if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpMove, result, elseReg, 0)); err != nil {
			return 0, err
		}
		c.allocator.release() // elseReg
	} else {
		if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpLoadNil, result, 0, 0)); err != nil {
			return 0, err
		}
	}

	endIdx := c.code.Len()
	if err := c.code.UpdateJumpOffset(jumpEndIdx, int32(endIdx-jumpEndIdx-1)); err != nil {
		return 0, err
	}
	return result, nil
}

// compileLet evaluates each binding's initializer into a fresh
// register, binds its name, then evaluates the body, closing any
// captured bindings before popping the scope.
func (c *Compiler) compileLet(args []tagged.TaggedPtr) (uint8, error) {
	if len(args) < 1 {
		return 0, corerr.ArityMismatchf("let expects at least a binding list")
	}
	bindings, ok := lispval.Elements(args[0])
	if !ok {
		return 0, corerr.TypeMismatchf("let bindings must be a proper list")
	}

	c.pushScope()
	bound := make([]*Variable, 0, len(bindings))
	for _, b := range bindings {
		pair, ok := lispval.Elements(b)
		if !ok || len(pair) != 2 {
			return 0, corerr.TypeMismatchf("each let binding must be (name init)")
		}
		name, ok := symbolName(pair[0])
		if !ok {
			return 0, corerr.TypeMismatchf("let binding name must be a symbol")
		}
		reg, err := c.eval(pair[1])
		if err != nil {
			return 0, err
		}
		c.define(name, reg)
		bound = append(bound, c.scope.vars[name])
	}

	result, err := c.evalSequence(args[1:])
	if err != nil {
		return 0, err
	}

	for _, v := range bound {
		if v.ClosedOver {
			if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpCloseUpvalues, v.Register, 1, 0)); err != nil {
				return 0, err
			}
		}
	}
	c.popScope()
	return result, nil
}

// compileLambdaExpr compiles (lambda (params...) body...) into a child
// compiler, materializes the resulting Function as a literal, and —
// when the function captured anything from this compiler — emits
// MakeClosure so the VM builds the Partial/env at runtime.
func (c *Compiler) compileLambdaExpr(name string, args []tagged.TaggedPtr) (uint8, error) {
	if len(args) < 1 {
		return 0, corerr.ArityMismatchf("lambda expects a parameter list")
	}
	paramNodes, ok := lispval.Elements(args[0])
	if !ok {
		return 0, corerr.TypeMismatchf("lambda parameter list must be a proper list")
	}
	params := make([]string, 0, len(paramNodes))
	for _, p := range paramNodes {
		pname, ok := symbolName(p)
		if !ok {
			return 0, corerr.TypeMismatchf("lambda parameters must be symbols")
		}
		params = append(params, pname)
	}

	fn, nonLocals, err := c.compileFunction(name, params, args[1:])
	if err != nil {
		return 0, err
	}

	funcReg, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	if err := c.materializeFunctionLiteral(funcReg, fn); err != nil {
		return 0, err
	}
	if len(nonLocals) == 0 {
		return funcReg, nil
	}

	dest, err := c.allocator.acquire()
	if err != nil {
		return 0, err
	}
	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpMakeClosure, dest, funcReg, 0)); err != nil {
		return 0, err
	}
	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpMove, funcReg, dest, 0)); err != nil {
		return 0, err
	}
	c.allocator.release() // dest
	return funcReg, nil
}

func (c *Compiler) materializeFunctionLiteral(dest uint8, fn *bytecode.Function) error {
	litID, err := c.code.PushLiteral(tagged.NewObject(fn))
	if err != nil {
		return err
	}
	_, err = c.code.PushLoadLiteral(dest, litID)
	return err
}

// compileFunction builds a Function from a fresh child compiler per
// the per-function compilation state described in the component
// design: parameters bound to registers 2.., body compiled with the
// last expression landing in register 0, then Return 0.
func (c *Compiler) compileFunction(name string, params []string, body []tagged.TaggedPtr) (*bytecode.Function, []bytecode.NonLocalRef, error) {
	child, err := newChild(c)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range params {
		reg, err := child.allocator.acquire()
		if err != nil {
			return nil, nil, err
		}
		child.define(p, reg)
	}

	resultReg, err := child.evalSequence(body)
	if err != nil {
		return nil, nil, err
	}
	if resultReg != 0 {
		if _, err := child.code.Push(bytecode.CreateABC(bytecode.OpMove, 0, resultReg, 0)); err != nil {
			return nil, nil, err
		}
	}

	for _, v := range child.scope.vars {
		if v.ClosedOver {
			if _, err := child.code.Push(bytecode.CreateABC(bytecode.OpCloseUpvalues, v.Register, 1, 0)); err != nil {
				return nil, nil, err
			}
		}
	}
	if _, err := child.code.Push(bytecode.CreateABC(bytecode.OpReturn, 0, 0, 0)); err != nil {
		return nil, nil, err
	}

	fn, err := bytecode.NewFunction(child.heap, name, params, child.code, child.nonLocals)
	if err != nil {
		return nil, nil, err
	}
	return fn, child.nonLocals, nil
}

// compileDef compiles (def name (params...) body...): a named
// function bound as a global, the form used throughout the worked
// examples in place of (def name (lambda ...)).
func (c *Compiler) compileDef(args []tagged.TaggedPtr) (uint8, error) {
	if len(args) < 2 {
		return 0, corerr.ArityMismatchf("def expects (name (params...) body...)")
	}
	name, ok := symbolName(args[0])
	if !ok {
		return 0, corerr.TypeMismatchf("def name must be a symbol")
	}
	reg, err := c.compileLambdaExpr(name, args[1:])
	if err != nil {
		return 0, err
	}
	if err := c.storeGlobal(name, reg); err != nil {
		return 0, err
	}
	return reg, nil
}

// CompileProgram compiles a sequence of top-level forms into a single
// zero-argument Function whose body is their implicit `begin`.
func CompileProgram(h *heapimpl.Heap, symbols *lispval.SymbolArena, forms []tagged.TaggedPtr) (*bytecode.Function, error) {
	c, err := New(h, symbols)
	if err != nil {
		return nil, err
	}
	resultReg, err := c.evalSequence(forms)
	if err != nil {
		return nil, err
	}
	if resultReg != 0 {
		if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpMove, 0, resultReg, 0)); err != nil {
			return nil, err
		}
	}
	if _, err := c.code.Push(bytecode.CreateABC(bytecode.OpReturn, 0, 0, 0)); err != nil {
		return nil, err
	}
	return bytecode.NewFunction(h, "", nil, c.code, c.nonLocals)
}
