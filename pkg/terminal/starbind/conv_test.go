package starbind

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"

	"go.starlark.net/starlark"
)

type bufferEchoWriter struct {
	bytes.Buffer
}

func (w *bufferEchoWriter) Echo(string) {}
func (w *bufferEchoWriter) Flush()      {}

func TestConv(t *testing.T) {
	script := `
# A list global that we'll unmarshal into a slice.
x = ["one", "two"]
`
	globals, err := starlark.ExecFile(&starlark.Thread{}, "test.star", script, nil)
	if err != nil {
		t.Fatal(err)
	}
	starlarkVal, ok := globals["x"]
	if !ok {
		t.Fatal("missing global 'x'")
	}
	var x []string
	err = unmarshalStarlarkValue(starlarkVal, &x, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(x) != 2 || x[0] != "one" || x[1] != "two" {
		t.Fatalf("expected [one two], got: %v", x)
	}
}

func TestUnmarshalArgs(t *testing.T) {
	names := []string{"File", "Line", "Cond"}
	var file, cond string
	var line int
	args := starlark.Tuple{starlark.String("callstop.s")}
	kwargs := []starlark.Tuple{
		{starlark.String("Line"), starlark.MakeInt(28)},
		{starlark.String("Cond"), starlark.String("argc == 1")},
	}
	if err := unmarshalArgs(args, kwargs, names, &file, &line, &cond); err != nil {
		t.Fatal(err)
	}
	if file != "callstop.s" || line != 28 || cond != "argc == 1" {
		t.Fatalf("got %q %d %q", file, line, cond)
	}

	if err := unmarshalArgs(starlark.Tuple{starlark.String("a"), starlark.MakeInt(1), starlark.String("c"), starlark.None}, nil, names, &file, &line, &cond); err == nil {
		t.Error("too many arguments accepted")
	}
	if err := unmarshalArgs(nil, []starlark.Tuple{{starlark.String("Nope"), starlark.MakeInt(1)}}, names, &file, &line, &cond); err == nil {
		t.Error("unknown keyword argument accepted")
	}
	if err := unmarshalArgs(starlark.Tuple{starlark.MakeInt(1)}, nil, names, &file, &line, &cond); err == nil {
		t.Error("integer accepted as a file name")
	}
}

func TestStructConversion(t *testing.T) {
	env := &Env{}
	v := env.interfaceToStarlarkValue(Breakpoint{ID: 1, Kind: "line", NumLocations: 1, HitCount: 2, Enabled: true})
	bp, ok := v.(starlark.HasAttrs)
	if !ok {
		t.Fatalf("breakpoint converted to %T", v)
	}
	hc, err := bp.Attr("HitCount")
	if err != nil {
		t.Fatal(err)
	}
	if hc.String() != "2" {
		t.Errorf("HitCount %s", hc)
	}
	enabled, _ := bp.Attr("Enabled")
	if enabled != starlark.True {
		t.Errorf("Enabled %s", enabled)
	}
	if _, err := bp.Attr("Nope"); err == nil {
		t.Error("missing field returned no error")
	}

	frames := env.interfaceToStarlarkValue([]Frame{{Index: 0, Line: 8}, {Index: 1, Line: 31}})
	seq, ok := frames.(starlark.Indexable)
	if !ok || seq.Len() != 2 {
		t.Fatalf("frames converted to %v", frames)
	}
	line, _ := seq.Index(1).(starlark.HasAttrs).Attr("Line")
	if line.String() != "31" {
		t.Errorf("Line %s", line)
	}
}

func TestWriteFile(t *testing.T) {
	env := New(nil, &bufferEchoWriter{})
	dir := t.TempDir()
	for _, tc := range []struct {
		arg, tgt string
	}{
		{`"exited 0"`, "exited 0"},
		{`"def f():\n    pass\n"`, "def f():\n    pass\n"},
		{`42`, "42"},
	} {
		path := filepath.Join(dir, "out.txt")
		_, err := env.Execute("<stdin>", fmt.Sprintf("write_file(%q, %s)", path, tc.arg), "", nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.arg, err)
		}
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf) != tc.tgt {
			t.Errorf("%s: file content %q, expected %q", tc.arg, buf, tc.tgt)
		}
	}
}
