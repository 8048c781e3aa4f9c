package terminal

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/go-delve/inferior/pkg/config"
	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc"
	"github.com/go-delve/inferior/pkg/proc/test"
	"github.com/go-delve/inferior/pkg/proc/vm"
	"github.com/go-delve/inferior/service/debugger"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(test.RunTestsWithFixtures(m))
}

type FakeTerminal struct {
	*Term
	t testing.TB

	// progOut receives the output of the launched processes.
	progOut *bytes.Buffer
}

const logCommandOutput = false

func (ft *FakeTerminal) capture(name string, fn func() error) (outstr string, err error) {
	buf := new(bytes.Buffer)
	old := ft.Term.stdout.pw.w
	ft.Term.stdout.pw.w = buf
	defer func() {
		ft.Term.stdout.pw.w = old
		outstr = buf.String()
		if logCommandOutput {
			ft.t.Logf("command %q -> %q", name, outstr)
		}
	}()
	err = fn()
	ft.Term.stdout.Flush()
	return
}

func (ft *FakeTerminal) Exec(cmdstr string) (outstr string, err error) {
	return ft.capture(cmdstr, func() error {
		return ft.cmds.Call(cmdstr, ft.Term)
	})
}

func (ft *FakeTerminal) ExecStarlark(starlarkProgram string) (outstr string, err error) {
	return ft.capture(starlarkProgram, func() error {
		_, err := ft.Term.starlarkEnv.Execute("<stdin>", starlarkProgram, "main", nil)
		return err
	})
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) MustExecStarlark(starlarkProgram string) string {
	outstr, err := ft.ExecStarlark(starlarkProgram)
	if err != nil {
		ft.t.Errorf("output of %q: %q", starlarkProgram, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", starlarkProgram, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExec(cmdstr, tgt string) {
	out := ft.MustExec(cmdstr)
	if out != tgt {
		ft.t.Fatalf("Error executing %q, expected %q got %q", cmdstr, tgt, out)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if err.Error() != tgterr {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func (ft *FakeTerminal) AssertExecContains(cmdstr string, tgts ...string) string {
	out := ft.MustExec(cmdstr)
	for _, tgt := range tgts {
		if !strings.Contains(out, tgt) {
			ft.t.Fatalf("output of %q does not contain %q:\n%s", cmdstr, tgt, out)
		}
	}
	return out
}

func withTestTerminal(name string, t testing.TB, fn func(*FakeTerminal)) {
	withTestTerminalConfig(name, t, &config.Config{}, fn)
}

func withTestTerminalConfig(name string, t testing.TB, conf *config.Config, fn func(*FakeTerminal)) {
	os.Setenv("TERM", "dumb")
	progOut := new(bytes.Buffer)
	d, err := debugger.New(&debugger.Config{Conf: conf, Stdout: progOut, Stderr: progOut})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Destroy()
	if name != "" {
		if _, err := d.CreateTarget(test.BuildFixture(name).Path); err != nil {
			t.Fatal(err)
		}
	}

	ft := &FakeTerminal{
		t:       t,
		Term:    New(d, conf),
		progOut: progOut,
	}
	defer ft.Close()
	fn(ft)
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, callContext{}, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandEmptyLine(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("")
		err  = cmd(nil, callContext{}, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestCommandThread(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		_, err := term.Exec("thread")
		if err == nil {
			t.Fatal("thread terminal command did not default")
		}
		if err.Error() != "you must specify a thread" {
			t.Fatal("wrong command output: ", err.Error())
		}
	})
}

func TestExecuteFile(t *testing.T) {
	breakCount := 0
	traceCount := 0
	c := &Commands{
		cmds: []command{
			{aliases: []string{"trace"}, cmdFn: func(t *Term, ctx callContext, args string) error {
				traceCount++
				return nil
			}},
			{aliases: []string{"break"}, cmdFn: func(t *Term, ctx callContext, args string) error {
				breakCount++
				return nil
			}},
		},
	}
	c.rebuildNames()

	withTestTerminal("", t, func(term *FakeTerminal) {
		fixturesDir := test.FindFixturesDir()
		out, err := term.capture("executeFile", func() error {
			return c.executeFile(term.Term, filepath.Join(fixturesDir, "bpfile"))
		})
		if err != nil {
			t.Fatalf("executeFile: %v", err)
		}
		if breakCount != 1 || traceCount != 1 {
			t.Fatalf("Wrong counts break: %d trace: %d\n", breakCount, traceCount)
		}
		if !strings.Contains(out, "bpfile:4: command not available") {
			t.Fatalf("unknown command not reported: %q", out)
		}
	})
}

func TestHelp(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		out := term.AssertExecContains("help", "The following commands are available:", "Running the program:", "Other commands:")
		if !strings.Contains(out, "continue (alias: c)") {
			t.Errorf("continue not listed:\n%s", out)
		}
		term.AssertExec("help halt", "Stops the running process.\n")
		term.AssertExecError("help nope", "command not available")
	})
}

func TestComplete(t *testing.T) {
	cmds := DebugCommands()
	got := cmds.complete("con")
	for _, tgt := range []string{"cond", "condition", "config", "continue"} {
		found := false
		for _, s := range got {
			if s == tgt {
				found = true
			}
		}
		if !found {
			t.Errorf("%q missing from completions %v", tgt, got)
		}
	}
	if r := cmds.complete("continue 1"); len(r) != 0 {
		t.Errorf("completed arguments: %v", r)
	}

	cmds.Register("mycmd", nullCommand, "my command")
	if r := cmds.complete("myc"); len(r) != 1 || r[0] != "mycmd" {
		t.Errorf("registered command not completed: %v", r)
	}
}

func TestBreakpointAndContinue(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.AssertExecContains("break main:28", "Breakpoint 1: ", "locations = 1")
		term.AssertExecContains("run", "stop reason = breakpoint 1.1")
		term.AssertExec("print argc", "(int) $0 = 1\n")
		term.AssertExecContains("stack", "* 0", "main")
		term.AssertExecContains("threads", "* thread #")
		term.AssertExecContains("breakpoints", "Breakpoint 1: ", "hit count = 1")
		term.AssertExec("toggle 1", "Breakpoint 1 disabled\n")
		term.AssertExec("toggle 1", "Breakpoint 1 enabled\n")
		term.MustExec("condition 1 argc == 2")
		term.AssertExecContains("breakpoints", `condition = "argc == 2"`)
		term.AssertExec("clear 1", "Breakpoint 1 cleared\n")
		term.AssertExec("breakpoints", "No breakpoints or watchpoints.\n")
		term.AssertExecContains("continue", "exited with status = 0")

		p, err := term.debugger.Process()
		if err != nil {
			t.Fatal(err)
		}
		term.AssertExec("state", fmt.Sprintf("Process %d exited with status = 0 (0x00000000)\n", p.Pid()))
		if _, err := term.Exec("print argc"); err == nil {
			t.Error("evaluated an expression in an exited process")
		}
	})
}

func TestBreakpointAbsolutePath(t *testing.T) {
	fixture := test.BuildFixture("callstop")
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.AssertExecContains("break "+fixture.Source+":28", "Breakpoint 1: ", "locations = 1")
		term.AssertExecContains("run", "stop reason = breakpoint 1.1")
	})
}

func TestBreakpointCondition(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.MustExec("break main:28 if argc == 2")
		term.AssertExecContains("breakpoints", `condition = "argc == 2"`)
		term.AssertExecContains("run", "exited with status = 0")
		bp, err := term.debugger.FindBreakpoint(1)
		if err != nil {
			t.Fatal(err)
		}
		if bp.HitCount() != 0 {
			t.Errorf("hit count %d with a false condition", bp.HitCount())
		}
	})
}

func TestUnresolvedBreakpoint(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.AssertExecContains("break nosuchfunction", "WARNING: unable to resolve breakpoint")
		term.AssertExecError("clear 2", "no breakpoint with id 2")
	})
}

func TestCallCommand(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.MustExec("break main:28")
		term.MustExec("run")
		term.AssertExec("print add(2, 3)", "(int) $0 = 5\n")
		term.MustExec("break returnsFive:8")
		term.AssertExecContains("call returnsFive()", "interrupted", "suspended on thread")
		term.AssertExecContains("continue", "stopped")
	})
}

func TestFrameCommands(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.MustExec("break main:28")
		term.MustExec("run")
		term.AssertExec("frame 0 print argc", "(int) $0 = 1\n")
		term.AssertExecContains("frame 0", "frame #0: ", "main")
		if _, err := term.Exec("down"); err == nil {
			t.Error("moved below the innermost frame")
		}
		term.AssertExecError("frame", "not enough arguments")
	})
}

func TestListCommand(t *testing.T) {
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.MustExec("break main:28")
		term.MustExec("run")
		term.AssertExecContains("list", "=>  28:", "Stop here in main")
		out := term.AssertExecContains("list add", "add r0, r1")
		if strings.Contains(out, "=>") {
			t.Errorf("arrow outside of the current line:\n%s", out)
		}
		if _, err := term.Exec("list nosuchfunction"); err == nil {
			t.Error("listed a missing function")
		}
	})
}

func TestWatchCommand(t *testing.T) {
	withTestTerminal("watch", t, func(term *FakeTerminal) {
		term.AssertExecContains("watch counter", "Watchpoint 1: addr = ")
		term.AssertExecContains("run", "stopped")
		term.AssertExecContains("breakpoints", "Watchpoint 1: ", "hit count = 1")
		term.AssertExec("unwatch 1", "Watchpoint 1 cleared\n")
		term.AssertExecContains("continue", "exited with status = 0")
	})
}

func TestRunArguments(t *testing.T) {
	withTestTerminal("helloworld", t, func(term *FakeTerminal) {
		term.AssertExecContains(`run "one arg" two`, "exited with status = 0")
		if term.progOut.String() != "hello, world\n" {
			t.Errorf("program output %q", term.progOut.String())
		}
		if _, err := term.Exec("run `ls`"); err == nil {
			t.Error("backtick accepted")
		}
	})
}

func TestRunEntryAndStep(t *testing.T) {
	withTestTerminal("spin", t, func(term *FakeTerminal) {
		term.AssertExecContains("run -entry", "stopped")
		term.AssertExecContains("stepi", "* thread #")
		term.MustExec("kill")
		p, err := term.debugger.Process()
		if err != nil {
			t.Fatal(err)
		}
		if p.State() != proc.StateExited {
			t.Errorf("state %s after kill", p.State())
		}
	})
}

func TestSpawnAttachDetach(t *testing.T) {
	fixture := test.BuildFixture("spin")
	withTestTerminal("", t, func(term *FakeTerminal) {
		out := term.MustExec("spawn " + fixture.Path)
		m := regexp.MustCompile(`Process (\d+) spawned`).FindStringSubmatch(out)
		if m == nil {
			t.Fatalf("spawn output %q", out)
		}
		pid, _ := strconv.Atoi(m[1])
		if host, ok := term.debugger.Session().Backend().(*vm.Host); ok {
			defer host.Process(pid).Kill()
		}
		term.AssertExecContains("attach "+m[1], fmt.Sprintf("Process %d stopped", pid))
		p, err := term.debugger.Process()
		if err != nil {
			t.Fatal(err)
		}
		if !p.Attached() {
			t.Error("attached process not marked as attached")
		}
		term.AssertExec("detach", fmt.Sprintf("Process %d detached\n", pid))
		if p.State() != proc.StateDetached {
			t.Errorf("state %s after detach", p.State())
		}
		term.AssertExecError("attach", "wrong number of arguments: attach <pid> | attach [-waitfor] <image name>")
	})
}

func TestHandleCommand(t *testing.T) {
	withTestTerminal("raise", t, func(term *FakeTerminal) {
		term.AssertExecContains("handle", "NAME", "SIGUSR1")
		term.AssertExecContains("handle SIGUSR1 --stop=false --pass=false --notify=true", "SIGUSR1: stop=false pass=false notify=true")
		term.AssertExecContains("handle SIGUSR1 -p", "pass=true")
		if _, err := term.Exec("handle SIGNOPE -s"); err == nil {
			t.Error("changed a missing signal")
		}
	})
}

func TestTargetCommand(t *testing.T) {
	fixture := test.BuildFixture("helloworld")
	withTestTerminal("callstop", t, func(term *FakeTerminal) {
		term.AssertExecContains("target", "* target #0: ", "callstop.s")
		term.AssertExecContains("target create "+fixture.Path, "Current target set to")
		term.AssertExecContains("target", "* target #1: ", "helloworld.s")
		term.MustExec("target select 0")
		term.AssertExecContains("target", "* target #0: ")
		term.AssertExecError("target select 5", "invalid target index 5")
	})
}

func TestNoTarget(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		term.AssertExecError("run", debugger.ErrNoTarget.Error())
		term.AssertExecError("continue", debugger.ErrNoTarget.Error())
	})
}

func TestConfig(t *testing.T) {
	var term Term
	term.conf = &config.Config{}
	term.cmds = DebugCommands()

	err := configureCmd(&term, callContext{}, "nonexistent-parameter 10")
	if err == nil {
		t.Fatalf("expected error executing configureCmd(nonexistent-parameter)")
	}

	err = configureCmd(&term, callContext{}, "max-string-len 10")
	if err != nil {
		t.Fatalf("error executing configureCmd(max-string-len): %v", err)
	}
	if term.conf.MaxStringLen == nil {
		t.Fatalf("expected MaxStringLen 10, got nil")
	}
	if *term.conf.MaxStringLen != 10 {
		t.Fatalf("expected MaxStringLen 10, got: %d", *term.conf.MaxStringLen)
	}

	err = configureCmd(&term, callContext{}, "eval-timeout 250ms")
	if err != nil {
		t.Fatalf("error executing configureCmd(eval-timeout): %v", err)
	}
	if term.conf.EvalTimeout.Milliseconds() != 250 {
		t.Fatalf("expected EvalTimeout 250ms, got: %v", term.conf.EvalTimeout)
	}
	if err := configureCmd(&term, callContext{}, "eval-timeout soon"); err == nil {
		t.Fatal("accepted an invalid duration")
	}

	err = configureCmd(&term, callContext{}, "source-list-line-color 33")
	if err != nil {
		t.Fatalf("error executing configureCmd(source-list-line-color): %v", err)
	}
	if term.conf.SourceListLineColor != 33 {
		t.Fatalf("expected SourceListLineColor 33, got %d", term.conf.SourceListLineColor)
	}

	err = configureCmd(&term, callContext{}, "image-search-path -add /tmp/images")
	if err != nil {
		t.Fatalf("error executing configureCmd(image-search-path): %v", err)
	}
	if len(term.conf.ImageSearchPath) != 1 || term.conf.ImageSearchPath[0] != "/tmp/images" {
		t.Fatalf("wrong image search path %v", term.conf.ImageSearchPath)
	}
	err = configureCmd(&term, callContext{}, "image-search-path -remove /tmp/images")
	if err != nil || len(term.conf.ImageSearchPath) != 0 {
		t.Fatalf("image search path not removed: %v %v", term.conf.ImageSearchPath, err)
	}

	err = configureCmd(&term, callContext{}, "alias continue go")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias continue go): %v", err)
	}
	if len(term.conf.Aliases["continue"]) != 1 || term.conf.Aliases["continue"][0] != "go" {
		t.Fatalf("wrong aliases %v", term.conf.Aliases)
	}
	if cmd := term.cmds.Find("go"); cmd == nil {
		t.Fatal("alias not merged")
	}
	if r := term.cmds.complete("g"); len(r) != 1 || r[0] != "go" {
		t.Fatalf("alias not completed: %v", r)
	}

	err = configureCmd(&term, callContext{}, "alias go")
	if err != nil {
		t.Fatalf("error executing configureCmd(alias go): %v", err)
	}
	if len(term.conf.Aliases["continue"]) != 0 {
		t.Fatalf("alias not removed %v", term.conf.Aliases)
	}
}

func TestConfigList(t *testing.T) {
	n := 16
	conf := &config.Config{MaxStringLen: &n, Signals: map[string]config.SignalHandling{}}
	withTestTerminalConfig("", t, conf, func(term *FakeTerminal) {
		out := term.MustExec("config -list")
		if !regexp.MustCompile(`max-string-len\s+16`).MatchString(out) {
			t.Errorf("max-string-len missing:\n%s", out)
		}
		if !strings.Contains(out, "eval-timeout") {
			t.Errorf("eval-timeout missing:\n%s", out)
		}
	})
}

func TestTranscript(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "transcript.txt")
		term.MustExec("transcript -t " + path)
		term.MustExec("help halt")
		term.MustExec("transcript -off")
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf) != "Stops the running process.\n" {
			t.Errorf("transcript %q", string(buf))
		}
		term.AssertExecError("transcript", "no output path specified")
	})
}

func TestExitCommand(t *testing.T) {
	withTestTerminal("", t, func(term *FakeTerminal) {
		_, err := term.Exec("exit")
		if _, ok := err.(ExitRequestError); !ok {
			t.Fatalf("exit returned %v", err)
		}
	})
}
