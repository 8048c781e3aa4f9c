package evalop

import (
	"go/ast"
	"go/constant"

	"github.com/go-delve/inferior/pkg/symbols"
)

// Op is a stack machine opcode
type Op interface {
	depthCheck() (npop, npush int)
}

// PushConst pushes a constant on the stack.
type PushConst struct {
	Value constant.Value
	Type  *symbols.Type
}

func (*PushConst) depthCheck() (npop, npush int) { return 0, 1 }

// PushLocal pushes the parameter or local variable with the given name of
// the current frame on the stack.
type PushLocal struct {
	Name string
}

func (*PushLocal) depthCheck() (npop, npush int) { return 0, 1 }

// PushGlobal pushes the global variable with the given name on the stack.
type PushGlobal struct {
	Name string
}

func (*PushGlobal) depthCheck() (npop, npush int) { return 0, 1 }

// PushFunc pushes the entry point of a function on the stack.
type PushFunc struct {
	Fn *symbols.Function
}

func (*PushFunc) depthCheck() (npop, npush int) { return 0, 1 }

// Select replaces the topmost stack variable v with v.Name.
type Select struct {
	Name string
}

func (*Select) depthCheck() (npop, npush int) { return 1, 1 }

// Deref replaces the topmost stack variable, which must be a pointer, with
// the value it points to.
type Deref struct {
	Node *ast.StarExpr
}

func (*Deref) depthCheck() (npop, npush int) { return 1, 1 }

// AddrOf replaces the topmost stack variable with a pointer to it.
type AddrOf struct {
	Node *ast.UnaryExpr
}

func (*AddrOf) depthCheck() (npop, npush int) { return 1, 1 }

// Unary applies the given unary operator to the topmost stack variable.
type Unary struct {
	Node *ast.UnaryExpr
}

func (*Unary) depthCheck() (npop, npush int) { return 1, 1 }

// Binary pops two variables from the stack, applies the specified binary
// operator to them and pushes the result back on the stack.
type Binary struct {
	Node *ast.BinaryExpr
}

func (*Binary) depthCheck() (npop, npush int) { return 2, 1 }

// Convert replaces the topmost stack variable v with Type(v).
type Convert struct {
	Type *symbols.Type
}

func (*Convert) depthCheck() (npop, npush int) { return 1, 1 }

// Jump looks at the topmost stack variable and if it satisfies the
// condition specified by When it jumps to the stack machine instruction at
// Target+1.
// If Pop is set the topmost stack variable is also popped.
type Jump struct {
	When   JumpCond
	Pop    bool
	Target int
	Node   ast.Expr
}

func (jmpif *Jump) depthCheck() (npop, npush int) {
	if jmpif.Pop {
		return 1, 0
	}
	return 0, 0
}

// JumpCond specifies a condition for the Jump instruction.
type JumpCond uint8

const (
	JumpIfFalse JumpCond = iota
	JumpIfTrue
)

// BoolToConst pops the topmost variable from the stack, which must be a
// boolean variable, and converts it to a constant.
type BoolToConst struct {
}

func (*BoolToConst) depthCheck() (npop, npush int) { return 1, 1 }

// CallInjection pops NumArgs arguments from the stack, calls Fn in the
// inferior with them and pushes the return value on the stack.
// Executing this instruction suspends the stack machine until the
// injected call returns.
type CallInjection struct {
	Fn      *symbols.Function
	NumArgs int
	Node    *ast.CallExpr
}

func (op *CallInjection) depthCheck() (npop, npush int) { return op.NumArgs, 1 }

// SetValue pops two variables from the stack, the topmost one is the
// destination, and writes the value of the second into it. The updated
// destination is pushed back on the stack.
type SetValue struct {
	lhe, Rhe ast.Expr
}

func (*SetValue) depthCheck() (npop, npush int) { return 2, 1 }
