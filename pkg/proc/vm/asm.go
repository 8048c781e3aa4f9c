package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-delve/inferior/pkg/symbols"
)

// The assembly language is line oriented, every line holds a directive,
// a label or an instruction. Comments start with //.
//
//	.type Five number:int name:cstring
//	.global counter int 0
//	.string greeting "hello\n"
//	.func main int argc:int argv:int
//	.local i int
//	loop:
//	    ld r0, [i]
//	    add r0, 1
//	    st [i], r0
//	    ret
//
// Immediate operands are numbers, character literals, signal names
// (SIGSEGV) or symbols.
//
// The source of the program is the assembly file itself: every
// instruction is mapped to the line it is written on, the .loc directive
// maps the following instruction to a different line.
//
// Functions get a standard prologue (push fp; mov fp, sp) followed by the
// allocation of their frame and the spill of their register parameters.
// Parameters and locals live at negative offsets from fp, ret tears the
// frame down before returning.

// Program is an assembled image.
type Program struct {
	Image *symbols.Image
	// Mem is the initial content of memory starting at TextStart.
	Mem []byte

	sigreturn  uint64
	threadExit uint64
}

// AsmError is an assembly error at a line of the source.
type AsmError struct {
	File string
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// AssembleFile assembles the program at path.
func AssembleFile(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Assemble(abs, src)
}

type stmt struct {
	line  int
	label string
	op    string
	args  []string
	// loc forces a line table entry for this instruction at line.
	loc bool
}

type funcDef struct {
	name   string
	line   int
	ret    *symbols.Type
	params []symbols.Variable
	locals []symbols.Variable
	frame  int64
	body   []stmt
	entry  uint64
}

type globalDef struct {
	name string
	line int
	typ  *symbols.Type
	init []string
	addr uint64
}

type stringDef struct {
	name string
	text string
	addr uint64
}

type assembler struct {
	path    string
	types   map[string]*symbols.Type
	funcs   []*funcDef
	globals []*globalDef
	strs    []*stringDef
	// symbols maps labels, functions, globals and strings to addresses.
	symbols map[string]uint64

	lines []symbols.LineEntry
	mem   []byte
}

// Assemble assembles src, the content of the file at path.
func Assemble(path string, src []byte) (*Program, error) {
	asm := &assembler{path: path, types: make(map[string]*symbols.Type), symbols: make(map[string]uint64)}
	text := strings.Split(strings.ReplaceAll(string(src), "\r\n", "\n"), "\n")
	if err := asm.parse(text); err != nil {
		return nil, err
	}
	if err := asm.layout(); err != nil {
		return nil, err
	}
	prog, err := asm.encode()
	if err != nil {
		return nil, err
	}
	prog.Image.Sources = map[string][]string{path: text}
	prog.Image.Sort()
	return prog, nil
}

func (asm *assembler) errorf(line int, format string, args ...interface{}) error {
	return &AsmError{File: filepath.Base(asm.path), Line: line, Msg: fmt.Sprintf(format, args...)}
}

// stripComment removes a // comment that is not inside a string literal.
func stripComment(s string) string {
	inString := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inString:
			i++
		case s[i] == '"':
			inString = !inString
		case !inString && strings.HasPrefix(s[i:], "//"):
			return s[:i]
		}
	}
	return s
}

// fields splits a directive in fields, quoted strings are one field.
func fields(s string) ([]string, error) {
	var r []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return r, nil
		}
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("malformed string literal")
			}
			r = append(r, q)
			s = s[len(q):]
			continue
		}
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			i = len(s)
		}
		r = append(r, s[:i])
		s = s[i:]
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if !(c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func (asm *assembler) parseType(s string) (*symbols.Type, error) {
	if strings.HasPrefix(s, "*") {
		elem, err := asm.parseType(s[1:])
		if err != nil {
			return nil, err
		}
		return symbols.PointerTo(elem), nil
	}
	switch s {
	case "int":
		return symbols.IntType, nil
	case "bool":
		return symbols.BoolType, nil
	case "cstring":
		return symbols.CStringType, nil
	case "void":
		return symbols.VoidType, nil
	case "func":
		return symbols.FuncType, nil
	}
	if t := asm.types[s]; t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("unknown type %s", s)
}

func (asm *assembler) parseVar(s string) (symbols.Variable, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return symbols.Variable{}, fmt.Errorf("malformed variable %q, expected name:type", s)
	}
	typ, err := asm.parseType(s[i+1:])
	if err != nil {
		return symbols.Variable{}, err
	}
	if !isIdent(s[:i]) {
		return symbols.Variable{}, fmt.Errorf("invalid name %q", s[:i])
	}
	return symbols.Variable{Name: s[:i], Type: typ}, nil
}

// parse collects types, data and functions.
func (asm *assembler) parse(text []string) error {
	var fn *funcDef
	nextLoc := 0
	for i, l := range text {
		line := i + 1
		l = strings.TrimSpace(stripComment(l))
		if l == "" {
			continue
		}
		if j := strings.Index(l, ":"); j > 0 && isIdent(l[:j]) && !strings.HasPrefix(l, ".") {
			if fn == nil {
				return asm.errorf(line, "label %s outside of function", l[:j])
			}
			fn.body = append(fn.body, stmt{line: line, label: l[:j]})
			l = strings.TrimSpace(l[j+1:])
			if l == "" {
				continue
			}
		}
		f, err := fields(l)
		if err != nil {
			return asm.errorf(line, "%v", err)
		}
		switch f[0] {
		case ".type":
			if len(f) < 3 {
				return asm.errorf(line, ".type needs a name and at least one field")
			}
			var names []string
			var types []*symbols.Type
			for _, fld := range f[2:] {
				v, err := asm.parseVar(fld)
				if err != nil {
					return asm.errorf(line, "%v", err)
				}
				names = append(names, v.Name)
				types = append(types, v.Type)
			}
			asm.types[f[1]] = symbols.NewStruct(f[1], names, types)

		case ".global":
			if len(f) < 3 {
				return asm.errorf(line, ".global needs a name and a type")
			}
			typ, err := asm.parseType(f[2])
			if err != nil {
				return asm.errorf(line, "%v", err)
			}
			asm.globals = append(asm.globals, &globalDef{name: f[1], line: line, typ: typ, init: f[3:]})

		case ".string":
			if len(f) != 3 {
				return asm.errorf(line, ".string needs a name and a string literal")
			}
			s, err := strconv.Unquote(f[2])
			if err != nil {
				return asm.errorf(line, "malformed string literal")
			}
			asm.strs = append(asm.strs, &stringDef{name: f[1], text: s})

		case ".func":
			if len(f) < 3 {
				return asm.errorf(line, ".func needs a name and a return type")
			}
			ret, err := asm.parseType(f[2])
			if err != nil {
				return asm.errorf(line, "%v", err)
			}
			fn = &funcDef{name: f[1], line: line, ret: ret}
			for _, p := range f[3:] {
				v, err := asm.parseVar(p)
				if err != nil {
					return asm.errorf(line, "%v", err)
				}
				fn.params = append(fn.params, v)
			}
			if len(fn.params) > NumArgs {
				return asm.errorf(line, "too many parameters")
			}
			asm.funcs = append(asm.funcs, fn)

		case ".local":
			if fn == nil {
				return asm.errorf(line, ".local outside of function")
			}
			if len(f) != 3 {
				return asm.errorf(line, ".local needs a name and a type")
			}
			typ, err := asm.parseType(f[2])
			if err != nil {
				return asm.errorf(line, "%v", err)
			}
			fn.locals = append(fn.locals, symbols.Variable{Name: f[1], Type: typ})

		case ".loc":
			if len(f) != 2 {
				return asm.errorf(line, ".loc needs a line number")
			}
			n, err := strconv.Atoi(f[1])
			if err != nil || n <= 0 {
				return asm.errorf(line, "invalid line number %q", f[1])
			}
			nextLoc = n

		default:
			if strings.HasPrefix(f[0], ".") {
				return asm.errorf(line, "unknown directive %s", f[0])
			}
			if fn == nil {
				return asm.errorf(line, "instruction outside of function")
			}
			op, rest := l, ""
			if j := strings.IndexAny(l, " \t"); j >= 0 {
				op, rest = l[:j], l[j+1:]
			}
			st := stmt{line: line, op: strings.ToLower(op)}
			if nextLoc != 0 {
				st.line, st.loc = nextLoc, true
				nextLoc = 0
			}
			for _, a := range strings.Split(rest, ",") {
				if a = strings.TrimSpace(a); a != "" {
					st.args = append(st.args, a)
				}
			}
			fn.body = append(fn.body, st)
		}
	}
	return nil
}

func roundWord(n int64) int64 {
	return (n + 7) &^ 7
}

func (fn *funcDef) prologueLen() int {
	n := 2 + len(fn.params)
	if fn.frame > 0 {
		n++
	}
	return n
}

func (asm *assembler) define(line int, name string, addr uint64) error {
	if _, dup := asm.symbols[name]; dup {
		return asm.errorf(line, "%s redefined", name)
	}
	asm.symbols[name] = addr
	return nil
}

// stub functions synthesized in front of the program.
const (
	startName      = "_start"
	sigreturnName  = "_sigreturn"
	threadExitName = "_thread_exit"
	startLen       = 2
)

// layout assigns addresses to functions, labels and data.
func (asm *assembler) layout() error {
	addr := uint64(TextStart) + (startLen+2)*InstrSize
	for _, fn := range asm.funcs {
		for i := range fn.params {
			fn.frame += roundWord(fn.params[i].Type.Size)
			fn.params[i].FPOffset = -fn.frame
		}
		for i := range fn.locals {
			fn.frame += roundWord(fn.locals[i].Type.Size)
			fn.locals[i].FPOffset = -fn.frame
		}
		fn.entry = addr
		if err := asm.define(fn.line, fn.name, addr); err != nil {
			return err
		}
		addr += uint64(fn.prologueLen()) * InstrSize
		for _, st := range fn.body {
			switch {
			case st.label != "":
				if err := asm.define(st.line, st.label, addr); err != nil {
					return err
				}
			case st.op == "ret":
				addr += 2 * InstrSize
			default:
				addr += InstrSize
			}
		}
	}
	asm.symbols[".textend"] = addr

	for _, g := range asm.globals {
		g.addr = addr
		if err := asm.define(g.line, g.name, addr); err != nil {
			return err
		}
		addr += uint64(roundWord(g.typ.Size))
		if g.typ.Kind == symbols.Void {
			return asm.errorf(g.line, "global %s has type void", g.name)
		}
	}
	for _, s := range asm.strs {
		s.addr = addr
		if err := asm.define(0, s.name, addr); err != nil {
			return err
		}
		addr += uint64(roundWord(int64(len(s.text) + 1)))
	}
	// string literals used to initialize globals
	for _, g := range asm.globals {
		for _, init := range g.init {
			if strings.HasPrefix(init, `"`) {
				text, err := strconv.Unquote(init)
				if err != nil {
					return asm.errorf(g.line, "malformed string literal")
				}
				asm.strs = append(asm.strs, &stringDef{name: init, text: text, addr: addr})
				addr += uint64(roundWord(int64(len(text) + 1)))
			}
		}
	}
	if addr > programLimit {
		return asm.errorf(1, "program too large (%d bytes)", addr-TextStart)
	}
	asm.mem = make([]byte, addr-TextStart)
	return nil
}

func (asm *assembler) emit(addr uint64, ins instruction) {
	ins.encode(asm.mem[addr-TextStart:])
}

func (asm *assembler) encode() (*Program, error) {
	textEnd := asm.symbols[".textend"]
	delete(asm.symbols, ".textend")
	mainAddr, ok := asm.symbols["main"]
	if !ok {
		return nil, asm.errorf(1, "no main function")
	}
	start := uint64(TextStart)
	asm.emit(start, instruction{op: opCall, imm: int32(mainAddr)})
	asm.emit(start+InstrSize, instruction{op: opSyscall, imm: sysExit})
	sigreturn := start + startLen*InstrSize
	asm.emit(sigreturn, instruction{op: opSyscall, imm: sysSigreturn})
	threadExit := sigreturn + InstrSize
	asm.emit(threadExit, instruction{op: opSyscall, imm: sysThreadExit})

	img := &symbols.Image{
		Path:      asm.path,
		Arch:      Arch,
		Entry:     start,
		TextStart: TextStart,
		TextEnd:   textEnd,
		Types:     asm.types,
	}
	img.Functions = append(img.Functions,
		&symbols.Function{Name: startName, Entry: start, End: sigreturn, Ret: symbols.VoidType, NoFrame: true},
		&symbols.Function{Name: sigreturnName, Entry: sigreturn, End: threadExit, Ret: symbols.VoidType, NoFrame: true},
		&symbols.Function{Name: threadExitName, Entry: threadExit, End: threadExit + InstrSize, Ret: symbols.VoidType, NoFrame: true})

	for _, fn := range asm.funcs {
		sfn, err := asm.encodeFunc(fn)
		if err != nil {
			return nil, err
		}
		img.Functions = append(img.Functions, sfn)
	}
	for i, fn := range img.Functions[3:] {
		if i+4 < len(img.Functions) {
			fn.End = img.Functions[i+4].Entry
		} else {
			fn.End = textEnd
		}
	}
	img.Lines = asm.lines

	for _, g := range asm.globals {
		if err := asm.initGlobal(g); err != nil {
			return nil, err
		}
		img.Globals = append(img.Globals, &symbols.Global{Name: g.name, Addr: g.addr, Type: g.typ})
	}
	for _, s := range asm.strs {
		copy(asm.mem[s.addr-TextStart:], s.text)
	}
	return &Program{Image: img, Mem: asm.mem, sigreturn: sigreturn, threadExit: threadExit}, nil
}

func (asm *assembler) encodeFunc(fn *funcDef) (*symbols.Function, error) {
	sfn := &symbols.Function{Name: fn.name, Entry: fn.entry, Ret: fn.ret, Params: fn.params, Locals: fn.locals}
	addr := fn.entry
	lastLine := -1
	put := func(line int, force bool, ins instruction) {
		if line != lastLine || force {
			asm.lines = append(asm.lines, symbols.LineEntry{Addr: addr, File: asm.path, Line: line})
			lastLine = line
		}
		asm.emit(addr, ins)
		addr += InstrSize
	}

	put(fn.line, false, instruction{op: opPush, a: regFP})
	put(fn.line, false, instruction{op: opMov, a: regFP, b: regSP})
	if fn.frame > 0 {
		put(fn.line, false, instruction{op: opAddi, a: regSP, imm: int32(-fn.frame)})
	}
	for i, p := range fn.params {
		put(fn.line, false, instruction{op: opSt, a: byte(i), b: regFP, imm: int32(p.FPOffset)})
	}
	sfn.PrologueEnd = addr

	for _, st := range fn.body {
		if st.label != "" {
			continue
		}
		if st.op == "ret" {
			if len(st.args) != 0 {
				return nil, asm.errorf(st.line, "ret takes no operands")
			}
			put(st.line, st.loc, instruction{op: opLeave})
			sfn.Returns = append(sfn.Returns, addr)
			put(st.line, false, instruction{op: opRet})
			continue
		}
		ins, err := asm.instruction(fn, st)
		if err != nil {
			return nil, err
		}
		put(st.line, st.loc, ins)
	}
	return sfn, nil
}

func parseReg(s string) (byte, bool) {
	switch s {
	case "sp":
		return regSP, true
	case "fp":
		return regFP, true
	}
	if len(s) == 2 && s[0] == 'r' && s[1] >= '0' && s[1] <= '7' {
		return s[1] - '0', true
	}
	return 0, false
}

// value evaluates an immediate operand: a number, a character or a symbol.
func (asm *assembler) value(s string) (int64, error) {
	if strings.HasPrefix(s, "'") {
		r, _, tail, err := strconv.UnquoteChar(strings.TrimSuffix(s[1:], "'"), '\'')
		if err != nil || tail != "" {
			return 0, fmt.Errorf("malformed character literal %s", s)
		}
		return int64(r), nil
	}
	switch s {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n, nil
	}
	if strings.HasPrefix(s, "SIG") {
		if n, err := signalTable.NumberFromName(s); err == nil {
			return int64(n), nil
		}
	}
	if addr, ok := asm.symbols[s]; ok {
		return int64(addr), nil
	}
	return 0, fmt.Errorf("undefined: %s", s)
}

// memOperand parses [reg], [reg+N], [name] and [name+N]. Names refer to
// parameters and locals of fn or to global data.
func (asm *assembler) memOperand(fn *funcDef, s string) (byte, int64, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, 0, fmt.Errorf("expected memory operand, got %s", s)
	}
	s = strings.TrimSpace(s[1 : len(s)-1])
	base, off := s, int64(0)
	if i := strings.IndexAny(s, "+-"); i > 0 {
		base = strings.TrimSpace(s[:i])
		n, err := strconv.ParseInt(strings.ReplaceAll(s[i:], " ", ""), 0, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset in %s", s)
		}
		off = n
	}
	if r, ok := parseReg(base); ok {
		return r, off, nil
	}
	for _, vars := range [][]symbols.Variable{fn.params, fn.locals} {
		for _, v := range vars {
			if v.Name == base {
				return regFP, v.FPOffset + off, nil
			}
		}
	}
	if addr, ok := asm.symbols[base]; ok {
		return regNone, int64(addr) + off, nil
	}
	return 0, 0, fmt.Errorf("undefined: %s", base)
}

func (asm *assembler) instruction(fn *funcDef, st stmt) (instruction, error) {
	fail := func(format string, args ...interface{}) (instruction, error) {
		return instruction{}, asm.errorf(st.line, format, args...)
	}
	nargs := func(n int) bool { return len(st.args) == n }
	reg := func(i int) (byte, bool) { return parseReg(st.args[i]) }

	switch st.op {
	case "nop", "trap", "ud":
		if !nargs(0) {
			return fail("%s takes no operands", st.op)
		}
		switch st.op {
		case "nop":
			return instruction{op: opNop}, nil
		case "trap":
			return instruction{op: opTrap}, nil
		}
		return instruction{op: opInvalid}, nil

	case "mov", "mul", "slt", "seq", "add", "sub", "li", "la":
		if !nargs(2) {
			return fail("%s needs two operands", st.op)
		}
		a, ok := reg(0)
		if !ok {
			return fail("%s: invalid register %s", st.op, st.args[0])
		}
		if b, ok := reg(1); ok && st.op != "li" && st.op != "la" {
			op := map[string]byte{"mov": opMov, "mul": opMul, "slt": opSlt, "seq": opSeq, "add": opAdd, "sub": opSub}[st.op]
			return instruction{op: op, a: a, b: b}, nil
		}
		n, err := asm.value(st.args[1])
		if err != nil {
			return fail("%v", err)
		}
		switch st.op {
		case "li", "la":
			return instruction{op: opLi, a: a, imm: int32(n)}, nil
		case "add":
			return instruction{op: opAddi, a: a, imm: int32(n)}, nil
		case "sub":
			return instruction{op: opAddi, a: a, imm: int32(-n)}, nil
		}
		return fail("%s: invalid register %s", st.op, st.args[1])

	case "ld", "st":
		if !nargs(2) {
			return fail("%s needs two operands", st.op)
		}
		regArg, memArg, op := st.args[0], st.args[1], byte(opLd)
		if st.op == "st" {
			regArg, memArg, op = st.args[1], st.args[0], opSt
		}
		a, ok := parseReg(regArg)
		if !ok {
			return fail("%s: invalid register %s", st.op, regArg)
		}
		b, off, err := asm.memOperand(fn, memArg)
		if err != nil {
			return fail("%v", err)
		}
		return instruction{op: op, a: a, b: b, imm: int32(off)}, nil

	case "push", "pop":
		if !nargs(1) {
			return fail("%s needs one operand", st.op)
		}
		a, ok := reg(0)
		if !ok {
			return fail("%s: invalid register %s", st.op, st.args[0])
		}
		if st.op == "push" {
			return instruction{op: opPush, a: a}, nil
		}
		return instruction{op: opPop, a: a}, nil

	case "jmp", "call":
		if !nargs(1) {
			return fail("%s needs one operand", st.op)
		}
		if a, ok := reg(0); ok && st.op == "call" {
			return instruction{op: opCallr, a: a}, nil
		}
		n, err := asm.value(st.args[0])
		if err != nil {
			return fail("%v", err)
		}
		if st.op == "jmp" {
			return instruction{op: opJmp, imm: int32(n)}, nil
		}
		return instruction{op: opCall, imm: int32(n)}, nil

	case "jz", "jnz":
		if !nargs(2) {
			return fail("%s needs two operands", st.op)
		}
		a, ok := reg(0)
		if !ok {
			return fail("%s: invalid register %s", st.op, st.args[0])
		}
		n, err := asm.value(st.args[1])
		if err != nil {
			return fail("%v", err)
		}
		if st.op == "jz" {
			return instruction{op: opJz, a: a, imm: int32(n)}, nil
		}
		return instruction{op: opJnz, a: a, imm: int32(n)}, nil

	case "syscall":
		if !nargs(1) {
			return fail("syscall needs one operand")
		}
		if n, ok := syscallNames[st.args[0]]; ok {
			return instruction{op: opSyscall, imm: n}, nil
		}
		n, err := strconv.ParseInt(st.args[0], 0, 32)
		if err != nil {
			return fail("unknown syscall %s", st.args[0])
		}
		return instruction{op: opSyscall, imm: int32(n)}, nil
	}
	return fail("unknown instruction %s", st.op)
}

// initGlobal writes the initial value of g.
func (asm *assembler) initGlobal(g *globalDef) error {
	if len(g.init) == 0 {
		return nil
	}
	type slot struct {
		off int64
		typ *symbols.Type
	}
	slots := []slot{{0, g.typ}}
	if g.typ.Kind == symbols.Struct {
		slots = slots[:0]
		for _, f := range g.typ.Fields {
			slots = append(slots, slot{f.Offset, f.Type})
		}
	}
	if len(g.init) != len(slots) {
		return asm.errorf(g.line, "global %s needs %d initializers", g.name, len(slots))
	}
	for i, init := range g.init {
		var n int64
		if strings.HasPrefix(init, `"`) {
			if slots[i].typ.Kind != symbols.CString {
				return asm.errorf(g.line, "string literal used for %s", slots[i].typ)
			}
			for _, s := range asm.strs {
				if s.name == init {
					n = int64(s.addr)
				}
			}
		} else {
			var err error
			n, err = asm.value(init)
			if err != nil {
				return asm.errorf(g.line, "%v", err)
			}
		}
		if !slots[i].typ.IsScalar() {
			return asm.errorf(g.line, "can not initialize field of type %s", slots[i].typ)
		}
		off := g.addr + uint64(slots[i].off) - TextStart
		sz := slots[i].typ.Size
		for j := int64(0); j < sz; j++ {
			asm.mem[off+uint64(j)] = byte(uint64(n) >> (8 * j))
		}
	}
	return nil
}
