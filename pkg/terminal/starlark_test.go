package terminal

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/inferior/pkg/proc"
)

func TestStarlarkBreakAndEval(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`
def main():
    bp = break_line("callstop.s", 28)
    print(bp.ID, bp.NumLocations, bp.Kind)
    s = launch([], False)
    print(s.State)
    r = eval("argc")
    print(r.State, r.Int, r.Value)
    print(eval("add(40, 2)").Int)
`)
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		if len(lines) != 4 {
			t.Fatalf("wrong number of output lines %q", out)
		}
		if !strings.HasPrefix(lines[0], "1 1 ") {
			t.Errorf("breakpoint line %q", lines[0])
		}
		if lines[1] != "stopped" {
			t.Errorf("state line %q", lines[1])
		}
		if !strings.HasPrefix(lines[2], "completed 1 ") {
			t.Errorf("eval line %q", lines[2])
		}
		if lines[3] != "42" {
			t.Errorf("call line %q", lines[3])
		}
	})
}

func TestStarlarkInterruptedCall(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`
def main():
    break_line("callstop.s", 28)
    launch([], False)
    break_line("callstop.s", 8)
    r = eval("returnsFive()", False)
    print(r.State)
    print(cont().State)
    s = cont()
    print(s.State, stacktrace(5)[0].Line)
    destroy()
`)
		if out != "interrupted\nstopped\nstopped 8\n" {
			t.Errorf("output mismatch %q", out)
		}
	})
}

func TestStarlarkThreadsAndBreakpoints(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`
def main():
    break_line("callstop.s", 28, "argc == 1")
    launch([], False)
    for th in threads():
        if th.StopReason == "breakpoint":
            print(th.Line, th.Function)
    for bp in breakpoints():
        print(bp.ID, bp.HitCount, bp.Enabled, bp.Condition)
    destroy()
    print(state().State)
`)
		if out != "28 main\n1 1 True argc == 1\nexited\n" {
			t.Errorf("output mismatch %q", out)
		}
	})
}

func TestStarlarkCommands(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.MustExecStarlark(`
def command_double(args):
    "Prints twice its argument."
    print(int(args) * 2)

def command_sum(a, b):
    print(a + b)
`)
		term.AssertExec("double 21", "42\n")
		term.AssertExec("sum 1, 2", "3\n")
		term.AssertExec("help double", "Prints twice its argument.\n")
		term.AssertExec("help sum", "user defined\n")

		out := term.MustExecStarlark(`idb_command("break main:28")`)
		if !strings.Contains(out, "Breakpoint 1: ") {
			t.Errorf("idb_command output %q", out)
		}
		if _, err := term.ExecStarlark(`idb_command("nosuchcommand")`); err == nil {
			t.Error("unknown command did not fail")
		}
	})
}

func TestStarlarkSource(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "script.star")
		term.MustExecStarlark(fmt.Sprintf(`write_file(%q, "def command_hello(args):\n    print('hello ' + args)\n")`, path))
		term.MustExec("source " + path)
		term.AssertExec("hello world", "hello world\n")
		out := term.MustExecStarlark(fmt.Sprintf(`print(len(read_file(%q)) > 0)`, path))
		if out != "True\n" {
			t.Errorf("read_file output %q", out)
		}
	})
}

func TestStarlarkSignalNumber(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`print(signal_number("SIGUSR1"))`)
		if out != fmt.Sprintf("%d\n", proc.SIGUSR1) {
			t.Errorf("output mismatch %q", out)
		}
		if _, err := term.ExecStarlark(`signal_number("SIGNOPE")`); err == nil {
			t.Error("unknown signal did not fail")
		}
	})
}

func TestStarlarkNoTarget(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		_, err := term.ExecStarlark(`state()`)
		if err == nil {
			t.Fatal("state without a target did not fail")
		}
		out := term.MustExecStarlark(`
t = create_target("")
print(t.Index)
destroy()
`)
		if out != "0\n" {
			t.Errorf("output mismatch %q", out)
		}
	})
}
