package evalop

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/printer"
	"go/scanner"
	"go/token"
	"strings"

	"github.com/go-delve/inferior/pkg/symbols"
)

var (
	ErrFuncCallNotAllowed = errors.New("function calls not allowed in this context")
)

// Flags modifies the behavior of Compile.
type Flags uint8

const (
	// CanSet accepts assignments like "x = y".
	CanSet Flags = 1 << iota
	// AllowCalls accepts function calls, which are executed by injecting a
	// call into the inferior.
	AllowCalls
)

type compileCtx struct {
	evalLookup
	ops        []Op
	types      []operand
	allowCalls bool
}

// operand is the static type of a stack slot.
type operand struct {
	typ         *symbols.Type
	addressable bool
}

type evalLookup interface {
	LookupLocal(name string) (*symbols.Type, bool)
	LookupGlobal(name string) (*symbols.Type, bool)
	LookupFunc(name string) *symbols.Function
	LookupType(name string) *symbols.Type
}

// CompileAST compiles the expression t into a list of instructions.
func CompileAST(lookup evalLookup, t ast.Expr, flags Flags) ([]Op, error) {
	ctx := &compileCtx{evalLookup: lookup, allowCalls: flags&AllowCalls != 0}
	err := ctx.compileAST(t)
	if err != nil {
		return nil, err
	}

	err = ctx.depthCheck(1)
	if err != nil {
		return ctx.ops, err
	}
	return ctx.ops, nil
}

// Compile compiles the expression expr into a list of instructions.
// If flags contains CanSet expressions like "x = y" are also accepted.
func Compile(lookup evalLookup, expr string, flags Flags) ([]Op, error) {
	t, err := parser.ParseExpr(expr)
	if err != nil {
		if flags&CanSet != 0 {
			eqOff, isAs := isAssignment(expr)
			if isAs {
				return CompileSet(lookup, expr[:eqOff], expr[eqOff+1:], flags)
			}
		}
		return nil, err
	}
	return CompileAST(lookup, t, flags)
}

// isAssignment returns the offset of the first top level '=' in expr.
func isAssignment(expr string) (int, bool) {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(expr))
	var s scanner.Scanner
	s.Init(file, []byte(expr), nil, 0)
	depth := 0
	for {
		pos, tok, _ := s.Scan()
		switch tok {
		case token.EOF:
			return 0, false
		case token.LPAREN:
			depth++
		case token.RPAREN:
			depth--
		case token.ASSIGN:
			if depth == 0 {
				return file.Offset(pos), true
			}
		}
	}
}

// CompileSet compiles the expression setting lhexpr to rhexpr into a list of
// instructions.
func CompileSet(lookup evalLookup, lhexpr, rhexpr string, flags Flags) ([]Op, error) {
	lhe, err := parser.ParseExpr(lhexpr)
	if err != nil {
		return nil, err
	}
	rhe, err := parser.ParseExpr(rhexpr)
	if err != nil {
		return nil, err
	}

	ctx := &compileCtx{evalLookup: lookup, allowCalls: flags&AllowCalls != 0}
	err = ctx.compileAST(rhe)
	if err != nil {
		return nil, err
	}

	err = ctx.compileAST(lhe)
	if err != nil {
		return nil, err
	}

	lhs, rhs := ctx.types[len(ctx.types)-1], ctx.types[len(ctx.types)-2]
	if !lhs.addressable {
		return nil, fmt.Errorf("can not assign to %s: not addressable", exprToString(lhe))
	}
	if !assignable(lhs.typ, rhs.typ) {
		return nil, fmt.Errorf("can not assign %s to %s (type %s)", rhs.typ, exprToString(lhe), lhs.typ)
	}

	ctx.pushOp(&SetValue{lhe: lhe, Rhe: rhe})

	err = ctx.depthCheck(1)
	if err != nil {
		return ctx.ops, err
	}
	return ctx.ops, nil
}

func assignable(dst, src *symbols.Type) bool {
	if !dst.IsScalar() || !src.IsScalar() {
		return false
	}
	if dst.Kind == src.Kind {
		return true
	}
	switch dst.Kind {
	case symbols.Pointer, symbols.CString, symbols.Func:
		return src.Kind == symbols.Int || src.Kind == symbols.Pointer
	}
	return false
}

func (ctx *compileCtx) pushOp(op Op) {
	ctx.ops = append(ctx.ops, op)
}

func (ctx *compileCtx) push(typ *symbols.Type, addressable bool) {
	ctx.types = append(ctx.types, operand{typ, addressable})
}

func (ctx *compileCtx) pop() operand {
	r := ctx.types[len(ctx.types)-1]
	ctx.types = ctx.types[:len(ctx.types)-1]
	return r
}

func (ctx *compileCtx) top() operand {
	return ctx.types[len(ctx.types)-1]
}

// depthCheck validates the list of instructions produced by Compile and
// CompileSet by performing a stack depth check.
// It calculates the depth of the stack at every instruction in ctx.ops and
// checks that they have enough arguments to execute. For instructions that
// can be reached through multiple paths (because of a jump) it checks that
// all paths reach the instruction with the same stack depth.
// Finally it checks that the stack depth after all instructions have
// executed is equal to endDepth.
func (ctx *compileCtx) depthCheck(endDepth int) error {
	depth := make([]int, len(ctx.ops)+1) // depth[i] is the depth of the stack before i-th instruction
	for i := range depth {
		depth[i] = -1
	}
	depth[0] = 0

	var err error
	checkAndSet := func(j, d int) { // sets depth[j] to d after checking that we can
		if depth[j] < 0 {
			depth[j] = d
		}
		if d != depth[j] {
			err = fmt.Errorf("internal debugger error: depth check error at instruction %d: expected depth %d have %d (jump target)\n%s", j, d, depth[j], Listing(depth, ctx.ops))
		}
	}

	for i, op := range ctx.ops {
		npop, npush := op.depthCheck()
		if depth[i] < npop {
			return fmt.Errorf("internal debugger error: depth check error at instruction %d: expected at least %d have %d\n%s", i, npop, depth[i], Listing(depth, ctx.ops))
		}
		d := depth[i] - npop + npush
		checkAndSet(i+1, d)
		if jmp, _ := op.(*Jump); jmp != nil {
			checkAndSet(jmp.Target, d)
		}
		if err != nil {
			return err
		}
	}

	if depth[len(ctx.ops)] != endDepth {
		return fmt.Errorf("internal debugger error: depth check failed: depth at the end is not %d (got %d)\n%s", endDepth, depth[len(ctx.ops)], Listing(depth, ctx.ops))
	}
	return nil
}

func (ctx *compileCtx) compileAST(t ast.Expr) error {
	switch node := t.(type) {
	case *ast.CallExpr:
		return ctx.compileTypeCastOrFuncCall(node)

	case *ast.Ident:
		return ctx.compileIdent(node)

	case *ast.ParenExpr:
		// otherwise just eval recursively
		return ctx.compileAST(node.X)

	case *ast.SelectorExpr:
		return ctx.compileSelector(node)

	case *ast.StarExpr:
		if err := ctx.compileAST(node.X); err != nil {
			return err
		}
		return ctx.compileDeref(node)

	case *ast.UnaryExpr:
		return ctx.compileUnary(node)

	case *ast.BinaryExpr:
		// short circuits logical operators
		var sop *Jump
		switch node.Op {
		case token.LAND:
			sop = &Jump{When: JumpIfFalse, Node: node.X}
		case token.LOR:
			sop = &Jump{When: JumpIfTrue, Node: node.X}
		}
		err := ctx.compileBinary(node.X, node.Y, sop, &Binary{node})
		if err != nil {
			return err
		}
		if sop != nil {
			sop.Target = len(ctx.ops)
			ctx.pushOp(&BoolToConst{})
		}

	case *ast.BasicLit:
		return ctx.compileBasicLit(node)

	default:
		return fmt.Errorf("expression %T not implemented", t)
	}
	return nil
}

func (ctx *compileCtx) compileTypeCastOrFuncCall(node *ast.CallExpr) error {
	if id, _ := removeParen(node.Fun).(*ast.Ident); id != nil && len(node.Args) == 1 {
		if typ := ctx.LookupType(id.Name); typ != nil {
			return ctx.compileTypeCast(node, typ)
		}
	}
	return ctx.compileFunctionCall(node)
}

func (ctx *compileCtx) compileTypeCast(node *ast.CallExpr, typ *symbols.Type) error {
	err := ctx.compileAST(node.Args[0])
	if err != nil {
		return err
	}
	src := ctx.pop()
	switch typ.Kind {
	case symbols.Int, symbols.Bool:
	default:
		return fmt.Errorf("can not convert to %s", typ)
	}
	if !src.typ.IsScalar() {
		return fmt.Errorf("can not convert %s to %s", src.typ, typ)
	}
	ctx.pushOp(&Convert{Type: typ})
	ctx.push(typ, false)
	return nil
}

func (ctx *compileCtx) compileFunctionCall(node *ast.CallExpr) error {
	id, _ := removeParen(node.Fun).(*ast.Ident)
	if id == nil {
		return fmt.Errorf("can not call %s: only calls to named functions are supported", exprToString(node.Fun))
	}
	fn := ctx.LookupFunc(id.Name)
	if fn == nil {
		return fmt.Errorf("could not find function %s", id.Name)
	}
	if !ctx.allowCalls {
		return ErrFuncCallNotAllowed
	}
	if len(node.Args) != len(fn.Params) {
		if len(node.Args) < len(fn.Params) {
			return fmt.Errorf("not enough arguments in call to %s", fn.Name)
		}
		return fmt.Errorf("too many arguments in call to %s", fn.Name)
	}
	for i, arg := range node.Args {
		if err := ctx.compileAST(arg); err != nil {
			return err
		}
		if argtyp := ctx.top().typ; !assignable(fn.Params[i].Type, argtyp) {
			return fmt.Errorf("can not use %s (type %s) as argument %s in call to %s", exprToString(arg), argtyp, fn.Params[i].Name, fn.Name)
		}
	}
	for range node.Args {
		ctx.pop()
	}
	ctx.pushOp(&CallInjection{Fn: fn, NumArgs: len(node.Args), Node: node})
	ret := fn.Ret
	if ret == nil {
		ret = symbols.VoidType
	}
	ctx.push(ret, false)
	return nil
}

func (ctx *compileCtx) compileIdent(node *ast.Ident) error {
	if typ, ok := ctx.LookupLocal(node.Name); ok {
		ctx.pushOp(&PushLocal{Name: node.Name})
		ctx.push(typ, true)
		return nil
	}
	if typ, ok := ctx.LookupGlobal(node.Name); ok {
		ctx.pushOp(&PushGlobal{Name: node.Name})
		ctx.push(typ, true)
		return nil
	}
	if fn := ctx.LookupFunc(node.Name); fn != nil {
		ctx.pushOp(&PushFunc{Fn: fn})
		ctx.push(symbols.FuncType, false)
		return nil
	}
	switch node.Name {
	case "true", "false":
		ctx.pushOp(&PushConst{Value: constant.MakeBool(node.Name == "true"), Type: symbols.BoolType})
		ctx.push(symbols.BoolType, false)
	case "nil":
		typ := symbols.PointerTo(symbols.VoidType)
		ctx.pushOp(&PushConst{Value: constant.MakeInt64(0), Type: typ})
		ctx.push(typ, false)
	default:
		return fmt.Errorf("could not find symbol value for %s", node.Name)
	}
	return nil
}

func (ctx *compileCtx) compileSelector(node *ast.SelectorExpr) error {
	err := ctx.compileAST(node.X)
	if err != nil {
		return err
	}
	x := ctx.top()
	if x.typ.Kind == symbols.Pointer && x.typ.Elem != nil && x.typ.Elem.Kind == symbols.Struct {
		if err := ctx.compileDeref(nil); err != nil {
			return err
		}
		x = ctx.top()
	}
	if x.typ.Kind != symbols.Struct {
		return fmt.Errorf("%s (type %s) is not a struct", exprToString(node.X), x.typ)
	}
	f := x.typ.Field(node.Sel.Name)
	if f == nil {
		return fmt.Errorf("%s has no member %s", exprToString(node.X), node.Sel.Name)
	}
	ctx.pop()
	ctx.pushOp(&Select{Name: node.Sel.Name})
	ctx.push(f.Type, x.addressable)
	return nil
}

func (ctx *compileCtx) compileDeref(node *ast.StarExpr) error {
	x := ctx.pop()
	if x.typ.Kind != symbols.Pointer || x.typ.Elem == nil || x.typ.Elem.Kind == symbols.Void {
		return fmt.Errorf("expression of type %s can not be dereferenced", x.typ)
	}
	ctx.pushOp(&Deref{Node: node})
	ctx.push(x.typ.Elem, true)
	return nil
}

func (ctx *compileCtx) compileUnary(node *ast.UnaryExpr) error {
	err := ctx.compileAST(node.X)
	if err != nil {
		return err
	}
	x := ctx.pop()
	switch node.Op {
	case token.AND:
		if !x.addressable {
			return fmt.Errorf("can not take address of %s", exprToString(node.X))
		}
		ctx.pushOp(&AddrOf{Node: node})
		ctx.push(symbols.PointerTo(x.typ), false)
		return nil
	case token.NOT:
		if x.typ.Kind != symbols.Bool {
			return fmt.Errorf("operator ! not defined on %s (type %s)", exprToString(node.X), x.typ)
		}
	case token.SUB, token.ADD, token.XOR:
		if x.typ.Kind != symbols.Int {
			return fmt.Errorf("operator %s not defined on %s (type %s)", node.Op, exprToString(node.X), x.typ)
		}
	default:
		return fmt.Errorf("operator %s not supported", node.Op)
	}
	ctx.pushOp(&Unary{node})
	ctx.push(x.typ, false)
	return nil
}

func (ctx *compileCtx) compileBinary(a, b ast.Expr, sop *Jump, op *Binary) error {
	err := ctx.compileAST(a)
	if err != nil {
		return err
	}
	if sop != nil {
		ctx.pushOp(sop)
	}
	err = ctx.compileAST(b)
	if err != nil {
		return err
	}
	y, x := ctx.pop(), ctx.pop()
	restyp, err := binaryType(op.Node.Op, x.typ, y.typ)
	if err != nil {
		return fmt.Errorf("invalid operation %s: %v", exprToString(op.Node), err)
	}
	ctx.pushOp(op)
	ctx.push(restyp, false)
	return nil
}

func binaryType(op token.Token, x, y *symbols.Type) (*symbols.Type, error) {
	switch op {
	case token.ADD, token.SUB, token.MUL, token.QUO, token.REM, token.AND, token.OR, token.XOR, token.AND_NOT, token.SHL, token.SHR:
		if x.Kind != symbols.Int || y.Kind != symbols.Int {
			return nil, fmt.Errorf("operator %s not defined on %s and %s", op, x, y)
		}
		return x, nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		if x.Kind != symbols.Int || y.Kind != symbols.Int {
			return nil, fmt.Errorf("operator %s not defined on %s and %s", op, x, y)
		}
		return symbols.BoolType, nil
	case token.EQL, token.NEQ:
		if !x.IsScalar() || !y.IsScalar() {
			return nil, fmt.Errorf("operator %s not defined on %s and %s", op, x, y)
		}
		if x.Kind != y.Kind && !assignable(x, y) && !assignable(y, x) {
			return nil, fmt.Errorf("mismatched types %s and %s", x, y)
		}
		return symbols.BoolType, nil
	case token.LAND, token.LOR:
		if x.Kind != symbols.Bool || y.Kind != symbols.Bool {
			return nil, fmt.Errorf("operator %s not defined on %s and %s", op, x, y)
		}
		return symbols.BoolType, nil
	}
	return nil, fmt.Errorf("operator %s not supported", op)
}

func (ctx *compileCtx) compileBasicLit(node *ast.BasicLit) error {
	switch node.Kind {
	case token.INT, token.CHAR:
		v := constant.MakeFromLiteral(node.Value, node.Kind, 0)
		if v.Kind() == constant.Unknown {
			return fmt.Errorf("malformed literal %s", node.Value)
		}
		if _, exact := constant.Int64Val(v); !exact {
			return fmt.Errorf("constant %s overflows int", node.Value)
		}
		ctx.pushOp(&PushConst{Value: constant.ToInt(v), Type: symbols.IntType})
		ctx.push(symbols.IntType, false)
		return nil
	}
	return fmt.Errorf("%s literals are not supported", strings.ToLower(node.Kind.String()))
}

func Listing(depth []int, ops []Op) string {
	if depth == nil {
		depth = make([]int, len(ops)+1)
	}
	buf := new(strings.Builder)
	for i, op := range ops {
		fmt.Fprintf(buf, " %3d  (%2d->%2d) %s\n", i, depth[i], depth[i+1], opString(op))
	}
	return buf.String()
}

func opString(op Op) string {
	switch op := op.(type) {
	case *PushConst:
		return fmt.Sprintf("PushConst %s %s", op.Type, op.Value)
	case *PushLocal:
		return "PushLocal " + op.Name
	case *PushGlobal:
		return "PushGlobal " + op.Name
	case *PushFunc:
		return "PushFunc " + op.Fn.Name
	case *Select:
		return "Select " + op.Name
	case *Unary:
		return "Unary " + op.Node.Op.String()
	case *Binary:
		return "Binary " + op.Node.Op.String()
	case *Convert:
		return "Convert " + op.Type.String()
	case *Jump:
		return fmt.Sprintf("Jump %d %d", op.When, op.Target)
	case *CallInjection:
		return fmt.Sprintf("CallInjection %s %d", op.Fn.Name, op.NumArgs)
	case *SetValue:
		return "SetValue " + exprToString(op.lhe)
	}
	return fmt.Sprintf("%T", op)
}

func removeParen(n ast.Expr) ast.Expr {
	for {
		p, ok := n.(*ast.ParenExpr)
		if !ok {
			break
		}
		n = p.X
	}
	return n
}

func exprToString(t ast.Expr) string {
	var buf bytes.Buffer
	printer.Fprint(&buf, token.NewFileSet(), t)
	return buf.String()
}
