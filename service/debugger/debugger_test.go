package debugger

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/inferior/pkg/config"
	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc"
	protest "github.com/go-delve/inferior/pkg/proc/test"
	"github.com/go-delve/inferior/pkg/proc/vm"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(protest.RunTestsWithFixtures(m))
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func newDebugger(t testing.TB, cfg *Config) *Debugger {
	if cfg == nil {
		cfg = &Config{}
	}
	d, err := New(cfg)
	assertNoError(err, t, "New")
	t.Cleanup(d.Destroy)
	return d
}

func boolp(b bool) *bool { return &b }

func TestDebugger_LaunchAndBreakpoint(t *testing.T) {
	fixture := protest.BuildFixture("callstop")
	out := new(bytes.Buffer)
	d := newDebugger(t, &Config{Stdout: out})
	_, err := d.CreateTarget(fixture.Path)
	assertNoError(err, t, "CreateTarget")

	bp, err := d.CreateBreakpoint("main:28", "")
	assertNoError(err, t, "CreateBreakpoint")
	if bp.NumLocations() != 1 {
		t.Fatalf("breakpoint resolved to %d locations", bp.NumLocations())
	}

	p, err := d.Launch(nil, false)
	assertNoError(err, t, "Launch")
	if p.State() != proc.StateStopped {
		t.Fatalf("state %s after launch", p.State())
	}
	th, err := d.SelectedThread()
	assertNoError(err, t, "SelectedThread")
	if th.StopReason() != proc.StopReasonBreakpoint || bp.HitCount() != 1 {
		t.Fatalf("stop reason %s, hit count %d", th.StopDescription(), bp.HitCount())
	}
	frame, err := d.Frame()
	assertNoError(err, t, "Frame")
	if frame.Current.Line != 28 {
		t.Errorf("stopped at %s", frame.Current)
	}

	ee, err := d.Evaluate("argc", proc.EvalOptions{})
	assertNoError(err, t, "Evaluate")
	if s := ee.ResultString(); s != "(int) $0 = 1" {
		t.Errorf("argc: %q", s)
	}

	buf := new(bytes.Buffer)
	PrintStop(buf, p)
	if !strings.Contains(buf.String(), "* thread #") || !strings.Contains(buf.String(), "stop reason = breakpoint 1.1") {
		t.Errorf("stop summary:\n%s", buf.String())
	}

	s, err := d.Continue()
	assertNoError(err, t, "Continue")
	if s != proc.StateExited {
		t.Fatalf("state %s after continue", s)
	}
	if got := FormatProcessState(p); got != fmt.Sprintf("Process %d exited with status = 0 (0x00000000)", p.Pid()) {
		t.Errorf("summary %q", got)
	}

	var states []proc.ProcessState
	for _, ev := range d.Events() {
		if ev.Process != nil {
			states = append(states, ev.Process.State)
		}
	}
	if len(states) == 0 || states[len(states)-1] != proc.StateExited {
		t.Errorf("states %v", states)
	}
}

func TestDebugger_FindImage(t *testing.T) {
	fixture := protest.BuildFixture("callstop")
	d := newDebugger(t, &Config{Conf: &config.Config{ImageSearchPath: []string{filepath.Dir(fixture.Path)}}})

	for _, name := range []string{"callstop", "callstop.s", fixture.Path} {
		path, err := d.FindImage(name)
		assertNoError(err, t, name)
		if path != fixture.Path {
			t.Errorf("%s: found %s", name, path)
		}
	}
	if _, err := d.FindImage("nosuchimage"); err == nil {
		t.Error("found a missing image")
	}

	tgt, err := d.CreateTarget("callstop")
	assertNoError(err, t, "CreateTarget")
	if d.Target() != tgt || tgt.Path() != fixture.Path {
		t.Errorf("selected target %v", d.Target())
	}
	_, err = d.CreateTarget("")
	assertNoError(err, t, "CreateTarget")
	if len(d.Targets()) != 2 || d.Target().BinInfo() != nil {
		t.Errorf("targets %v", d.Targets())
	}
	assertNoError(d.SelectTarget(0), t, "SelectTarget")
	if d.Target() != tgt {
		t.Error("first target not selected")
	}
	if err := d.SelectTarget(2); err == nil {
		t.Error("selected a missing target")
	}
}

func TestDebugger_NoTarget(t *testing.T) {
	d := newDebugger(t, nil)
	if _, err := d.Launch(nil, false); err != ErrNoTarget {
		t.Errorf("Launch: %v", err)
	}
	if _, err := d.Continue(); err != ErrNoTarget {
		t.Errorf("Continue: %v", err)
	}
	if _, err := d.CreateBreakpoint("main", ""); err != ErrNoTarget {
		t.Errorf("CreateBreakpoint: %v", err)
	}
	if bps := d.Breakpoints(); len(bps) != 0 {
		t.Errorf("breakpoints %v", bps)
	}

	_, err := d.CreateTarget(protest.BuildFixture("helloworld").Path)
	assertNoError(err, t, "CreateTarget")
	if _, err := d.Process(); err != proc.ErrNoProcess {
		t.Errorf("Process: %v", err)
	}
	if _, err := d.Evaluate("1", proc.EvalOptions{}); err != proc.ErrNoProcess {
		t.Errorf("Evaluate: %v", err)
	}
}

func TestDebugger_ToggleAndAmend(t *testing.T) {
	fixture := protest.BuildFixture("callstop")
	d := newDebugger(t, &Config{Stdout: new(bytes.Buffer)})
	_, err := d.CreateTarget(fixture.Path)
	assertNoError(err, t, "CreateTarget")
	bp, err := d.CreateBreakpoint("main:28", "")
	assertNoError(err, t, "CreateBreakpoint")

	enabled, err := d.ToggleBreakpoint("1")
	assertNoError(err, t, "ToggleBreakpoint")
	if enabled || bp.IsEnabled() {
		t.Error("breakpoint still enabled")
	}
	enabled, err = d.ToggleBreakpoint("1.1")
	assertNoError(err, t, "ToggleBreakpoint")
	if enabled || bp.Locations()[0].IsEnabled() {
		t.Error("location still enabled")
	}
	for _, spec := range []string{"1.2", "x", "1.x", "7"} {
		if _, err := d.ToggleBreakpoint(spec); err == nil {
			t.Errorf("toggled %q", spec)
		}
	}

	var cerr proc.CompileError
	if err := d.AmendBreakpoint(1, "argc +"); !errors.As(err, &cerr) {
		t.Errorf("AmendBreakpoint: %v", err)
	}
	assertNoError(d.AmendBreakpoint(1, "argc == 1"), t, "AmendBreakpoint")
	if bp.Condition() != "argc == 1" {
		t.Errorf("condition %q", bp.Condition())
	}

	buf := new(bytes.Buffer)
	PrintBreakpoint(buf, bp)
	for _, s := range []string{"Breakpoint 1:", "(disabled)", `condition = "argc == 1"`, "1.1: where = main", "disabled, hit count = 0"} {
		if !strings.Contains(buf.String(), s) {
			t.Errorf("%q missing from:\n%s", s, buf.String())
		}
	}

	p, err := d.Launch(nil, false)
	assertNoError(err, t, "Launch")
	if p.State() != proc.StateExited || bp.HitCount() != 0 {
		t.Errorf("state %s, hit count %d", p.State(), bp.HitCount())
	}

	assertNoError(d.ClearBreakpoint(1), t, "ClearBreakpoint")
	if len(d.Breakpoints()) != 0 {
		t.Error("breakpoint not cleared")
	}
	if err := d.ClearBreakpoint(1); err == nil {
		t.Error("cleared a breakpoint twice")
	}
}

func TestDebugger_Watchpoint(t *testing.T) {
	fixture := protest.BuildFixture("watch")
	d := newDebugger(t, nil)
	_, err := d.CreateTarget(fixture.Path)
	assertNoError(err, t, "CreateTarget")
	if _, err := d.CreateWatchpoint("*zz"); err == nil {
		t.Error("watchpoint on an invalid address")
	}
	if _, err := d.CreateWatchpoint("nosuchglobal"); err == nil {
		t.Error("watchpoint on a missing global")
	}
	wp, err := d.CreateWatchpoint("counter")
	assertNoError(err, t, "CreateWatchpoint")

	_, err = d.Launch(nil, false)
	assertNoError(err, t, "Launch")
	th, err := d.SelectedThread()
	assertNoError(err, t, "SelectedThread")
	if th.StopReason() != proc.StopReasonWatchpoint {
		t.Fatalf("stop reason %s", th.StopDescription())
	}

	buf := new(bytes.Buffer)
	PrintWatchpoint(buf, wp)
	if !strings.HasSuffix(buf.String(), "hit count = 1\n") {
		t.Errorf("watchpoint %q", buf.String())
	}

	assertNoError(d.ClearWatchpoint(wp.ID), t, "ClearWatchpoint")
	if len(d.Watchpoints()) != 0 {
		t.Error("watchpoint not cleared")
	}
	s, err := d.Continue()
	assertNoError(err, t, "Continue")
	if s != proc.StateExited {
		t.Errorf("state %s", s)
	}
}

func TestDebugger_HaltAndFrames(t *testing.T) {
	fixture := protest.BuildFixture("spin")
	d := newDebugger(t, nil)
	_, err := d.CreateTarget(fixture.Path)
	assertNoError(err, t, "CreateTarget")
	p, err := d.Launch(nil, true)
	assertNoError(err, t, "Launch")

	th, err := d.StepInstruction()
	assertNoError(err, t, "StepInstruction")
	if th.StopReason() != proc.StopReasonPlanComplete {
		t.Errorf("stop reason after step %s", th.StopDescription())
	}

	assertNoError(p.Continue(), t, "Continue")
	time.Sleep(20 * time.Millisecond)
	s, err := d.Halt()
	assertNoError(err, t, "Halt")
	if s != proc.StateStopped {
		t.Fatalf("state %s after halt", s)
	}
	if _, err := d.Halt(); err == nil {
		t.Error("halted a stopped process")
	}

	ee, err := d.Evaluate("iterations > 0", proc.EvalOptions{})
	assertNoError(err, t, "Evaluate")
	if s := ee.ResultString(); s != "(bool) $0 = true" {
		t.Errorf("iterations: %q", s)
	}

	frames, err := d.Stacktrace(10)
	assertNoError(err, t, "Stacktrace")
	if len(frames) == 0 || frames[0].Current.Fn == nil || frames[0].Current.Fn.Name != "main" {
		t.Fatalf("frames %v", frames)
	}
	if _, err := d.SelectFrame(len(frames)); err == nil {
		t.Error("selected a missing frame")
	}
	frame, err := d.SelectFrame(0)
	assertNoError(err, t, "SelectFrame")
	if frame.Index != 0 {
		t.Errorf("frame %s", frame)
	}

	threads, err := d.Threads()
	assertNoError(err, t, "Threads")
	if len(threads) != 1 {
		t.Errorf("threads %v", threads)
	}
	assertNoError(d.SelectThread(threads[0].ID), t, "SelectThread")
	if err := d.SelectThread(threads[0].ID + 1000); err == nil {
		t.Error("selected a missing thread")
	}

	assertNoError(d.Kill(), t, "Kill")
	if got := FormatProcessState(p); !strings.Contains(got, fmt.Sprintf("exited with status = %d", 128+proc.SIGKILL)) {
		t.Errorf("summary %q", got)
	}
}

func TestDebugger_SignalConfig(t *testing.T) {
	fixture := protest.BuildFixture("raise")
	conf := &config.Config{Signals: map[string]config.SignalHandling{
		"SIGUSR1": {Stop: boolp(false), Pass: boolp(false), Notify: boolp(true)},
	}}
	d := newDebugger(t, &Config{Conf: conf})
	disp := d.Session().Signals().Disposition(proc.SIGUSR1)
	if disp.Stop || disp.Pass || !disp.Notify {
		t.Fatalf("disposition %s", disp)
	}

	_, err := d.CreateTarget(fixture.Path)
	assertNoError(err, t, "CreateTarget")
	p, err := d.Launch(nil, false)
	assertNoError(err, t, "Launch")
	if status, err := p.ExitStatus(); err != nil || status != 0 {
		t.Fatalf("exit status %d %v", status, err)
	}
	var notified []string
	for _, ev := range d.Events() {
		if ev.Type == proc.EventSignalNotify {
			notified = append(notified, FormatEvent(ev))
		}
	}
	if len(notified) != 1 || notified[0] != fmt.Sprintf("Process %d received signal %d", p.Pid(), proc.SIGUSR1) {
		t.Errorf("notifications %q", notified)
	}

	disp, err = d.HandleSignal("usr1", boolp(true), nil, nil)
	assertNoError(err, t, "HandleSignal")
	if !disp.Stop || disp.Pass || !disp.Notify {
		t.Errorf("disposition %s", disp)
	}
	if _, err := d.HandleSignal("SIGNOPE", nil, nil, nil); err == nil {
		t.Error("changed a missing signal")
	}

	_, err = New(&Config{Conf: &config.Config{Signals: map[string]config.SignalHandling{"SIGNOPE": {}}}})
	if err == nil {
		t.Error("invalid signal configuration accepted")
	}
}

func TestDebugger_Attach(t *testing.T) {
	fixture := protest.BuildFixture("spin")
	host := vm.NewHost()
	m, err := host.Spawn(fixture.Path, nil)
	assertNoError(err, t, "Spawn")
	defer m.Kill()

	d := newDebugger(t, &Config{Backend: host})
	p, err := d.Attach(m.Pid())
	assertNoError(err, t, "Attach")
	if p.State() != proc.StateStopped || d.Target().Path() != fixture.Path {
		t.Fatalf("state %s, target %q", p.State(), d.Target().Path())
	}
	bp, err := d.CreateBreakpoint("spin.s:9", "")
	assertNoError(err, t, "CreateBreakpoint")
	s, err := d.Continue()
	assertNoError(err, t, "Continue")
	if s != proc.StateStopped || bp.HitCount() != 1 {
		t.Fatalf("state %s, hit count %d", s, bp.HitCount())
	}
	assertNoError(d.Detach(), t, "Detach")
	if p.State() != proc.StateDetached {
		t.Errorf("state %s after detach", p.State())
	}
	if exited, _ := m.Exited(); exited {
		t.Error("process exited after detach")
	}
}
