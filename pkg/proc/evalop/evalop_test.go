package evalop

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/go-delve/inferior/pkg/symbols"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

func TestEvalSwitchExhaustiveness(t *testing.T) {
	// Checks that the switch statement in (*evalStack).executeOp of
	// pkg/proc/eval.go exhaustively covers all implementations of the
	// evalop.Op interface.

	ops := make(map[string]bool)

	var fset, fset2 token.FileSet
	f, err := parser.ParseFile(&fset, "ops.go", nil, 0)
	assertNoError(err, t, "ParseFile")
	for _, decl := range f.Decls {
		decl, _ := decl.(*ast.FuncDecl)
		if decl == nil {
			continue
		}
		if decl.Name.Name != "depthCheck" {
			continue
		}
		ops[decl.Recv.List[0].Type.(*ast.StarExpr).X.(*ast.Ident).Name] = false
	}

	f, err = parser.ParseFile(&fset2, "../eval.go", nil, 0)
	assertNoError(err, t, "ParseFile")
	for _, decl := range f.Decls {
		decl, _ := decl.(*ast.FuncDecl)
		if decl == nil {
			continue
		}
		if decl.Name.Name != "executeOp" {
			continue
		}
		ast.Inspect(decl, func(n ast.Node) bool {
			sw, _ := n.(*ast.TypeSwitchStmt)
			if sw == nil {
				return true
			}

			for _, c := range sw.Body.List {
				if len(c.(*ast.CaseClause).List) == 0 {
					// default clause
					continue
				}
				sel := c.(*ast.CaseClause).List[0].(*ast.StarExpr).X.(*ast.SelectorExpr)
				if sel.X.(*ast.Ident).Name != "evalop" {
					t.Fatalf("wrong case statement at: %v", fset2.Position(sel.Pos()))
				}

				ops[sel.Sel.Name] = true
			}
			return false
		})
	}

	for op := range ops {
		if !ops[op] {
			t.Errorf("evalop.Op %s not used in executeOp", op)
		}
	}
}

type fakeLookup struct {
	locals  map[string]*symbols.Type
	globals map[string]*symbols.Type
	funcs   map[string]*symbols.Function
	types   map[string]*symbols.Type
}

func (l *fakeLookup) LookupLocal(name string) (*symbols.Type, bool) {
	t, ok := l.locals[name]
	return t, ok
}

func (l *fakeLookup) LookupGlobal(name string) (*symbols.Type, bool) {
	t, ok := l.globals[name]
	return t, ok
}

func (l *fakeLookup) LookupFunc(name string) *symbols.Function { return l.funcs[name] }

func (l *fakeLookup) LookupType(name string) *symbols.Type {
	switch name {
	case "int":
		return symbols.IntType
	case "bool":
		return symbols.BoolType
	}
	return l.types[name]
}

func newFakeLookup() *fakeLookup {
	five := symbols.NewStruct("Five", []string{"number", "name"}, []*symbols.Type{symbols.IntType, symbols.CStringType})
	return &fakeLookup{
		locals:  map[string]*symbols.Type{"argc": symbols.IntType, "f": five},
		globals: map[string]*symbols.Type{"release_flag": symbols.IntType, "fp": symbols.PointerTo(five)},
		funcs: map[string]*symbols.Function{
			"getpid":      {Name: "getpid", Ret: symbols.IntType},
			"returnsFive": {Name: "returnsFive", Ret: five},
			"add":         {Name: "add", Ret: symbols.IntType, Params: []symbols.Variable{{Name: "a", Type: symbols.IntType}, {Name: "b", Type: symbols.IntType}}},
			"doNothing":   {Name: "doNothing", Ret: symbols.VoidType},
		},
		types: map[string]*symbols.Type{"Five": five},
	}
}

func TestCompile(t *testing.T) {
	lookup := newFakeLookup()
	for _, tc := range []struct {
		expr  string
		flags Flags
		ops   []string
	}{
		{"1 + 2", 0, []string{"PushConst", "PushConst", "Binary +"}},
		{"argc", 0, []string{"PushLocal argc"}},
		{"release_flag == 0", 0, []string{"PushGlobal release_flag", "PushConst", "Binary =="}},
		{"f.name", 0, []string{"PushLocal f", "Select name"}},
		{"fp.number", 0, []string{"PushGlobal fp", "*evalop.Deref", "Select number"}},
		{"int(getpid())", AllowCalls, []string{"CallInjection getpid 0", "Convert int"}},
		{"add(argc, 2)", AllowCalls, []string{"PushLocal argc", "PushConst", "CallInjection add 2"}},
		{"returnsFive().number", AllowCalls, []string{"CallInjection returnsFive 0", "Select number"}},
		{"release_flag = 1", CanSet, []string{"PushConst", "PushGlobal release_flag", "SetValue release_flag"}},
		{"argc > 1 && release_flag != 0", 0, []string{"PushLocal argc", "PushConst", "Binary >", "Jump 0 8", "PushGlobal release_flag", "PushConst", "Binary !=", "Binary &&", "*evalop.BoolToConst"}},
	} {
		ops, err := Compile(lookup, tc.expr, tc.flags)
		assertNoError(err, t, tc.expr)
		if len(ops) != len(tc.ops) {
			t.Errorf("%q: wrong number of instructions\n%s", tc.expr, Listing(nil, ops))
			continue
		}
		for i := range ops {
			if s := opString(ops[i]); !strings.HasPrefix(s, tc.ops[i]) {
				t.Errorf("%q: instruction %d is %q, expected %q", tc.expr, i, s, tc.ops[i])
			}
		}
	}
}

func TestCompileErrors(t *testing.T) {
	lookup := newFakeLookup()
	for _, tc := range []struct {
		expr  string
		flags Flags
		err   string
	}{
		{"nosuchvar", 0, "could not find symbol value for nosuchvar"},
		{"getpid()", 0, ErrFuncCallNotAllowed.Error()},
		{"add(1)", AllowCalls, "not enough arguments in call to add"},
		{"f.nosuchfield", 0, "f has no member nosuchfield"},
		{"argc + true", 0, "operator + not defined"},
		{"\"hello\"", 0, "string literals are not supported"},
		{"1 = 2", CanSet, "not addressable"},
		{"release_flag = 1", 0, "expected"},
		{"doNothing() + 1", AllowCalls, "operator + not defined"},
		{"argc.x", 0, "is not a struct"},
	} {
		_, err := Compile(lookup, tc.expr, tc.flags)
		if err == nil {
			t.Errorf("%q: expected error", tc.expr)
			continue
		}
		if !strings.Contains(err.Error(), tc.err) {
			t.Errorf("%q: wrong error %q, expected %q", tc.expr, err.Error(), tc.err)
		}
	}
}

func TestIsAssignment(t *testing.T) {
	for _, tc := range []struct {
		expr string
		off  int
		ok   bool
	}{
		{"a = 1", 2, true},
		{"a == 1", 0, false},
		{"a <= 1", 0, false},
		{"a.b = c(1)", 4, true},
		{"(a = 1)", 0, false},
	} {
		off, ok := isAssignment(tc.expr)
		if ok != tc.ok || (ok && off != tc.off) {
			t.Errorf("%q: got %d %v, expected %d %v", tc.expr, off, ok, tc.off, tc.ok)
		}
	}
}
