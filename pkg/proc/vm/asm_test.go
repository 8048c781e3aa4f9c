package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-delve/inferior/pkg/symbols"
)

func assemble(t *testing.T, src string) *Program {
	t.Helper()
	prog, err := Assemble("/src/test.s", []byte(src))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return prog
}

func TestAssembleLayout(t *testing.T) {
	prog := assemble(t, `
.func main int
	li r0, 0
	ret
`)
	img := prog.Image
	if img.Entry != TextStart {
		t.Errorf("entry %#x", img.Entry)
	}
	for _, name := range []string{"_start", "_sigreturn", "_thread_exit"} {
		fn := img.LookupFunc(name)
		if fn == nil || !fn.NoFrame {
			t.Errorf("missing stub %s", name)
		}
	}
	fn := img.LookupFunc("main")
	if fn == nil {
		t.Fatal("main not found")
	}
	if fn.Entry != TextStart+4*InstrSize {
		t.Errorf("main entry %#x", fn.Entry)
	}
	if fn.PrologueEnd != fn.Entry+2*InstrSize {
		t.Errorf("prologue end %#x (entry %#x)", fn.PrologueEnd, fn.Entry)
	}
	if len(fn.Returns) != 1 || fn.Returns[0] != fn.PrologueEnd+2*InstrSize {
		t.Errorf("returns %#x", fn.Returns)
	}
	if fn.End != img.TextEnd {
		t.Errorf("end %#x text end %#x", fn.End, img.TextEnd)
	}

	if pcs := img.LineToPCs("test.s", 3); len(pcs) != 1 || pcs[0] != fn.PrologueEnd {
		t.Errorf("line 3: %#x", pcs)
	}
	if pcs := img.LineToPCs("test.s", 2); len(pcs) != 1 || pcs[0] != fn.Entry {
		t.Errorf("line 2: %#x", pcs)
	}
	if len(img.Sources["/src/test.s"]) != 5 {
		t.Errorf("source lines %d", len(img.Sources["/src/test.s"]))
	}

	// _start calls main
	ins := decode(prog.Mem[img.Entry-TextStart:])
	if ins.op != opCall || uint64(ins.imm) != fn.Entry {
		t.Errorf("_start: %s", ins)
	}
}

func TestAssembleFrame(t *testing.T) {
	prog := assemble(t, `
.type Pair a:int b:cstring
.func f int x:int y:*Pair
.local z int
.local pr Pair
	ld r0, [x]
	ld r1, [pr+8]
	ret
.func main int
	call f
	ret
`)
	fn := prog.Image.LookupFunc("f")
	want := map[string]int64{"x": -8, "y": -16, "z": -24, "pr": -40}
	for name, off := range want {
		v, ok := fn.Lookup(name)
		if !ok {
			t.Errorf("%s not found", name)
			continue
		}
		if v.FPOffset != off {
			t.Errorf("%s at %d, expected %d", name, v.FPOffset, off)
		}
	}
	if y, _ := fn.Lookup("y"); y.Type.Kind != symbols.Pointer || y.Type.Elem.Name != "Pair" {
		t.Errorf("type of y: %s", y.Type)
	}
	// push, mov, frame allocation and two spills
	if fn.PrologueEnd != fn.Entry+5*InstrSize {
		t.Errorf("prologue end %#x (entry %#x)", fn.PrologueEnd, fn.Entry)
	}
	ins := decode(prog.Mem[fn.Entry+2*InstrSize-TextStart:])
	if ins.op != opAddi || ins.a != regSP || ins.imm != -40 {
		t.Errorf("frame allocation: %s", ins)
	}
	ins = decode(prog.Mem[fn.PrologueEnd+InstrSize-TextStart:])
	if ins.String() != "ld r1, [fp-32]" {
		t.Errorf("load of field: %s", ins)
	}
}

func TestAssembleData(t *testing.T) {
	prog := assemble(t, `
.type Five number:int name:cstring
.global five Five 5 "five"
.global counter int 0x10
.string msg "hi"
.func main int
	ld r0, [counter]
	li r1, msg
	ret
`)
	img := prog.Image
	g := img.LookupGlobal("five")
	if g == nil || g.Type.Name != "Five" || g.Type.Size != 16 {
		t.Fatalf("five: %#v", g)
	}
	if g.Addr < img.TextEnd || g.Addr%8 != 0 {
		t.Errorf("five at %#x, text end %#x", g.Addr, img.TextEnd)
	}
	word := func(addr uint64) uint64 {
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(prog.Mem[addr-TextStart+uint64(i)])
		}
		return v
	}
	if word(g.Addr) != 5 {
		t.Errorf("five.number = %d", word(g.Addr))
	}
	name := word(g.Addr + 8)
	if s := string(prog.Mem[name-TextStart : name-TextStart+5]); s != "five\x00" {
		t.Errorf("five.name = %q", s)
	}
	if c := img.LookupGlobal("counter"); word(c.Addr) != 0x10 {
		t.Errorf("counter = %d", word(c.Addr))
	}
}

func TestAssembleLoc(t *testing.T) {
	prog := assemble(t, `
.func main int
	li r0, 1
.loc 3
	li r0, 2
	ret
`)
	pcs := prog.Image.LineToPCs("test.s", 3)
	if len(pcs) != 2 || pcs[1] != pcs[0]+InstrSize {
		t.Errorf("line 3 addresses: %#x", pcs)
	}
}

func TestAssembleErrors(t *testing.T) {
	for _, tc := range []struct {
		src  string
		line int
		msg  string
	}{
		{".func main int\n\tjmp nowhere\n", 2, "undefined: nowhere"},
		{".func main int\n\tfrob r0\n", 2, "unknown instruction frob"},
		{".func f int\n\tret\n", 1, "no main function"},
		{"\tnop\n", 1, "instruction outside of function"},
		{".func main int\n\tli r9, 1\n", 2, "invalid register r9"},
		{".func main int\nx:\nx:\n\tret\n", 3, "x redefined"},
		{".global g Unknown\n.func main int\n\tret\n", 1, "unknown type Unknown"},
	} {
		_, err := Assemble("/src/bad.s", []byte(tc.src))
		var aerr *AsmError
		if !errors.As(err, &aerr) {
			t.Errorf("%q: expected assembly error, got %v", tc.src, err)
			continue
		}
		if aerr.Line != tc.line || !strings.Contains(aerr.Msg, tc.msg) {
			t.Errorf("%q: got %v", tc.src, err)
		}
	}
}
