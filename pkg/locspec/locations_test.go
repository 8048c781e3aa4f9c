package locspec

import (
	"strings"
	"testing"

	"github.com/go-delve/inferior/pkg/proc"
	protest "github.com/go-delve/inferior/pkg/proc/test"
	"github.com/go-delve/inferior/pkg/proc/vm"
)

func parseLocationSpecNoError(t *testing.T, locstr string) LocationSpec {
	spec, err := Parse(locstr)
	if err != nil {
		t.Fatalf("Error parsing %q: %v", locstr, err)
	}
	return spec
}

func assertNormalLocationSpec(t *testing.T, locstr string, tgt NormalLocationSpec) {
	spec := parseLocationSpecNoError(t, locstr)

	nls, ok := spec.(*NormalLocationSpec)
	if !ok {
		t.Fatalf("Location %q: expected NormalLocationSpec got %#v", locstr, spec)
	}

	if *nls != tgt {
		t.Fatalf("Location %q: expected %#v got %#v", locstr, tgt, *nls)
	}
}

func TestLocationParsing(t *testing.T) {
	assertNormalLocationSpec(t, "main", NormalLocationSpec{"main", -1})
	assertNormalLocationSpec(t, "main:10", NormalLocationSpec{"main", 10})
	assertNormalLocationSpec(t, "callstop.s:28", NormalLocationSpec{"callstop.s", 28})
	assertNormalLocationSpec(t, "/src/prog/callstop.s:28", NormalLocationSpec{"/src/prog/callstop.s", 28})
	assertNormalLocationSpec(t, "/src/prog/callstop.s", NormalLocationSpec{"/src/prog/callstop.s", -1})
	assertNormalLocationSpec(t, `C:\src\callstop.s:28`, NormalLocationSpec{`C:\src\callstop.s`, 28})

	if spec := parseLocationSpecNoError(t, "12").(*LineLocationSpec); spec.Line != 12 {
		t.Errorf("line spec %#v", spec)
	}
	if spec := parseLocationSpecNoError(t, "-3").(*OffsetLocationSpec); spec.Offset != -3 {
		t.Errorf("offset spec %#v", spec)
	}
	if spec := parseLocationSpecNoError(t, "*0x1020").(*AddrLocationSpec); spec.AddrExpr != "0x1020" {
		t.Errorf("address spec %#v", spec)
	}
	if spec := parseLocationSpecNoError(t, `/Stop here\/in main/`).(*RegexLocationSpec); spec.SourceRegex != "Stop here/in main" {
		t.Errorf("regex spec %#v", spec)
	}
}

func TestLocationParsingErrors(t *testing.T) {
	for _, locstr := range []string{"", "+x", `/unterminated\/`, "/re/x/", "//", "*", "main:-1", "main:x"} {
		if _, err := Parse(locstr); err == nil {
			t.Errorf("%q: expected error", locstr)
		} else if !strings.HasPrefix(err.Error(), "Malformed breakpoint location") {
			t.Errorf("%q: unexpected error %v", locstr, err)
		}
	}
}

func TestSetBreakpoint(t *testing.T) {
	fixture := protest.BuildFixture("callstop")
	sess := proc.NewSession(vm.NewHost(), proc.SessionConfig{})
	target, err := sess.CreateTarget(fixture.Path)
	if err != nil {
		t.Fatal(err)
	}
	bi := target.BinInfo()
	bt := target.Breakpoints()
	fn := bi.Image.LookupFunc("returnsFive")
	cur := &proc.Location{PC: fn.Entry, File: fixture.Source, Line: 7, Fn: fn}

	for _, tc := range []struct {
		locstr string
		cur    *proc.Location
		line   int
	}{
		{"returnsFive", nil, 8},
		{"main:28", nil, 28},
		{"callstop.s:16", nil, 16},
		{fixture.Source + ":16", nil, 16},
		{"18", nil, 18},
		{"+1", cur, 8},
		{"/Stop here in main/", nil, 28},
		{"*returnsFive", nil, 7},
	} {
		spec := parseLocationSpecNoError(t, tc.locstr)
		bp, err := spec.SetBreakpoint(bt, bi, tc.cur)
		if err != nil {
			t.Errorf("%q: %v", tc.locstr, err)
			continue
		}
		locs := bp.Locations()
		if len(locs) != 1 || locs[0].Line != tc.line {
			t.Errorf("%q: locations %v, expected line %d", tc.locstr, locs, tc.line)
		}
	}

	if _, err := parseLocationSpecNoError(t, "+1").SetBreakpoint(bt, bi, nil); err == nil {
		t.Error("relative location without a current location")
	}
	if _, err := parseLocationSpecNoError(t, "*nosuchfunc").SetBreakpoint(bt, bi, nil); err == nil {
		t.Error("address of a missing function")
	}
}
