package proc

import (
	"errors"
	"fmt"
	"go/constant"
	"go/token"

	"github.com/go-delve/inferior/pkg/proc/evalop"
	"github.com/go-delve/inferior/pkg/symbols"
)

// EvalScope is the scope for variable evaluation. Contains the thread,
// current frame, memory and binary information.
type EvalScope struct {
	Frame        *Stackframe
	Mem          MemoryReadWriter
	BinInfo      *BinaryInfo
	MaxStringLen int
}

// LookupLocal implements evalLookup.
func (scope *EvalScope) LookupLocal(name string) (*symbols.Type, bool) {
	if scope.Frame == nil || scope.Frame.Current.Fn == nil {
		return nil, false
	}
	v, ok := scope.Frame.Current.Fn.Lookup(name)
	return v.Type, ok
}

// LookupGlobal implements evalLookup.
func (scope *EvalScope) LookupGlobal(name string) (*symbols.Type, bool) {
	g := scope.BinInfo.Image.LookupGlobal(name)
	if g == nil {
		return nil, false
	}
	return g.Type, true
}

// LookupFunc implements evalLookup.
func (scope *EvalScope) LookupFunc(name string) *symbols.Function {
	fn := scope.BinInfo.Image.LookupFunc(name)
	if fn == nil || fn.NoFrame {
		return nil
	}
	return fn
}

// LookupType implements evalLookup.
func (scope *EvalScope) LookupType(name string) *symbols.Type {
	return scope.BinInfo.Image.LookupType(name)
}

// evalStack is the state of the stack machine executing a compiled
// expression. When it reaches a CallInjection instruction it suspends,
// the caller injects the call and resumes the machine with the return
// value once the call returns.
type evalStack struct {
	scope *EvalScope
	ops   []evalop.Op
	pc    int
	stack []*Variable
	err   error

	// call is the call the machine is suspended on and callArgs its
	// arguments.
	call     *evalop.CallInjection
	callArgs []*Variable
}

func newEvalStack(scope *EvalScope, ops []evalop.Op) *evalStack {
	return &evalStack{scope: scope, ops: ops}
}

func (stack *evalStack) push(v *Variable) {
	stack.stack = append(stack.stack, v)
}

func (stack *evalStack) pop() *Variable {
	v := stack.stack[len(stack.stack)-1]
	stack.stack = stack.stack[:len(stack.stack)-1]
	return v
}

func (stack *evalStack) peek() *Variable {
	return stack.stack[len(stack.stack)-1]
}

// run executes instructions until the program ends, an error occurs or a
// call must be injected.
func (stack *evalStack) run() {
	for stack.pc < len(stack.ops) && stack.err == nil && stack.call == nil {
		op := stack.ops[stack.pc]
		stack.pc++
		stack.err = stack.executeOp(op)
	}
}

// suspended returns true if the machine is waiting for an injected call.
func (stack *evalStack) suspended() bool {
	return stack.call != nil && stack.err == nil
}

// resume pushes the return value of the injected call and continues
// execution.
func (stack *evalStack) resume(ret *Variable) {
	stack.call = nil
	stack.callArgs = nil
	stack.push(ret)
	stack.run()
}

func (stack *evalStack) result() (*Variable, error) {
	if stack.err != nil {
		return nil, stack.err
	}
	if len(stack.stack) != 1 {
		return nil, errors.New("internal debugger error: wrong stack size at end")
	}
	return stack.stack[0], nil
}

func (stack *evalStack) executeOp(op evalop.Op) error {
	scope := stack.scope
	switch op := op.(type) {
	case *evalop.PushConst:
		stack.push(newConstant(op.Value, op.Type, scope.Mem))

	case *evalop.PushLocal:
		v, ok := scope.Frame.Current.Fn.Lookup(op.Name)
		if !ok {
			return fmt.Errorf("could not find symbol value for %s", op.Name)
		}
		vv := scope.Frame.variable(scope.Frame.thread.Process(), v, scope.MaxStringLen)
		if vv.Unreadable != nil {
			return vv.Unreadable
		}
		stack.push(vv)

	case *evalop.PushGlobal:
		g := scope.BinInfo.Image.LookupGlobal(op.Name)
		if g == nil {
			return fmt.Errorf("could not find symbol value for %s", op.Name)
		}
		stack.push(newVariable(g.Name, g.Addr, g.Type, scope.Mem, scope.MaxStringLen))

	case *evalop.PushFunc:
		stack.push(newRegisterVariable(op.Fn.Name, op.Fn.Entry, symbols.FuncType, scope.Mem, scope.MaxStringLen))

	case *evalop.Select:
		x := stack.pop()
		f := x.Field(op.Name)
		if f == nil {
			return fmt.Errorf("%s has no member %s", x.Name, op.Name)
		}
		stack.push(f)

	case *evalop.Deref:
		x := stack.pop()
		if x.Base == 0 {
			return fmt.Errorf("nil pointer dereference")
		}
		v := newVariable("*"+x.Name, x.Base, x.Type.Elem, scope.Mem, scope.MaxStringLen)
		if v.Unreadable != nil {
			return v.Unreadable
		}
		stack.push(v)

	case *evalop.AddrOf:
		x := stack.pop()
		if x.Addr == 0 {
			return fmt.Errorf("can not take address of %s", x.Name)
		}
		stack.push(newRegisterVariable("&"+x.Name, x.Addr, symbols.PointerTo(x.Type), scope.Mem, scope.MaxStringLen))

	case *evalop.Unary:
		x := stack.pop()
		var prec uint
		if op.Node.Op == token.XOR {
			prec = 64
		}
		r := constant.UnaryOp(op.Node.Op, x.Value, prec)
		if op.Node.Op == token.XOR {
			r = truncInt64(r)
		}
		stack.push(newConstant(r, x.Type, scope.Mem))

	case *evalop.Binary:
		y := stack.pop()
		x := stack.pop()
		v, err := binaryOp(op.Node.Op, x, y)
		if err != nil {
			return err
		}
		stack.push(v)

	case *evalop.Convert:
		x := stack.pop()
		n, ok := x.Int64()
		if !ok {
			return fmt.Errorf("can not convert %s to %s", x.TypeString(), op.Type)
		}
		var val constant.Value
		switch op.Type.Kind {
		case symbols.Bool:
			val = constant.MakeBool(n != 0)
		default:
			val = constant.MakeInt64(n)
		}
		stack.push(newConstant(val, op.Type, scope.Mem))

	case *evalop.Jump:
		x := stack.peek()
		if x.Value == nil || x.Value.Kind() != constant.Bool {
			return errors.New("internal debugger error: expected boolean")
		}
		if constant.BoolVal(x.Value) == (op.When == evalop.JumpIfTrue) {
			stack.pc = op.Target
		}
		if op.Pop {
			stack.pop()
		}

	case *evalop.BoolToConst:
		x := stack.pop()
		stack.push(newConstant(x.Value, symbols.BoolType, scope.Mem))

	case *evalop.CallInjection:
		args := make([]*Variable, op.NumArgs)
		for i := op.NumArgs - 1; i >= 0; i-- {
			args[i] = stack.pop()
		}
		stack.call = op
		stack.callArgs = args

	case *evalop.SetValue:
		lhv := stack.pop()
		rhv := stack.pop()
		if err := lhv.write(rhv); err != nil {
			return err
		}
		stack.push(newVariable(lhv.Name, lhv.Addr, lhv.Type, scope.Mem, scope.MaxStringLen))

	default:
		return fmt.Errorf("internal debugger error: unknown eval opcode: %#v", op)
	}
	return nil
}

func truncInt64(v constant.Value) constant.Value {
	if _, exact := constant.Int64Val(v); exact {
		return v
	}
	u, _ := constant.Uint64Val(constant.BinaryOp(v, token.AND, constant.MakeUint64(^uint64(0))))
	return constant.MakeInt64(int64(u))
}

func binaryOp(op token.Token, x, y *Variable) (*Variable, error) {
	switch op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		xn, ok1 := x.Int64()
		yn, ok2 := y.Int64()
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("can not compare %s and %s", x.TypeString(), y.TypeString())
		}
		return newConstant(constant.MakeBool(constant.Compare(constant.MakeInt64(xn), op, constant.MakeInt64(yn))), symbols.BoolType, x.mem), nil
	case token.LAND, token.LOR:
		return newConstant(constant.BinaryOp(x.Value, op, y.Value), symbols.BoolType, x.mem), nil
	case token.SHL, token.SHR:
		s, ok := y.Int64()
		if !ok || s < 0 {
			return nil, fmt.Errorf("invalid shift count %s", y.SinglelineString())
		}
		if s >= 64 {
			s = 64
		}
		return newConstant(truncInt64(constant.Shift(x.Value, op, uint(s))), x.Type, x.mem), nil
	case token.QUO, token.REM:
		if yn, _ := y.Int64(); yn == 0 {
			return nil, errors.New("integer divide by zero")
		}
		if op == token.QUO {
			// integer division
			op = token.QUO_ASSIGN
		}
	}
	return newConstant(truncInt64(constant.BinaryOp(x.Value, op, y.Value)), x.Type, x.mem), nil
}
