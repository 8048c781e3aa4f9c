package vm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/inferior/pkg/proc"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

func writeProgram(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".s")
	assertNoError(os.WriteFile(path, []byte(src), 0o644), t, "WriteFile")
	return path
}

// launch starts the program stopped at entry.
func launch(t *testing.T, src string) (*Host, *Machine, *bytes.Buffer) {
	t.Helper()
	host := NewHost()
	out := new(bytes.Buffer)
	inf, err := host.Launch(writeProgram(t, "prog", src), proc.LaunchConfig{StdoutWriter: out})
	assertNoError(err, t, "Launch")
	m := inf.(*Machine)
	t.Cleanup(func() { m.Kill() })
	return host, m, out
}

func wait(t *testing.T, m *Machine) proc.Trap {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	trap, err := m.Wait(ctx)
	assertNoError(err, t, "Wait")
	return trap
}

func resumeAndWait(t *testing.T, m *Machine, signals map[int]int) proc.Trap {
	t.Helper()
	assertNoError(m.Resume(signals), t, "Resume")
	return wait(t, m)
}

const helloSrc = `
.string msg "hello\n"
.func main int
	li r0, 1
	li r1, msg
	syscall write
	li r0, 3
	ret
`

func TestRunToExit(t *testing.T) {
	_, m, out := launch(t, helloSrc)
	if tids := m.ThreadIDs(); len(tids) != 1 || tids[0] != m.Pid() {
		t.Fatalf("threads %v", tids)
	}
	regs, err := m.Registers(m.Pid())
	assertNoError(err, t, "Registers")
	if regs.PC != TextStart || regs.GPR[0] != 1 {
		t.Errorf("entry registers %#v", regs)
	}
	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapExited || trap.ExitStatus != 3 {
		t.Fatalf("unexpected trap %#v", trap)
	}
	if out.String() != "hello\n" {
		t.Errorf("output %q", out.String())
	}
	if _, err := m.Registers(m.Pid()); err == nil {
		t.Errorf("registers of an exited process")
	}
}

func TestBreakpointTrap(t *testing.T) {
	_, m, _ := launch(t, helloSrc)
	fn := m.prog.Image.LookupFunc("main")
	orig := make([]byte, 1)
	_, err := m.ReadMemory(orig, fn.PrologueEnd)
	assertNoError(err, t, "ReadMemory")
	_, err = m.WriteMemory(fn.PrologueEnd, Arch.BreakpointInstruction)
	assertNoError(err, t, "WriteMemory")

	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapBreakpoint || trap.TID != m.Pid() {
		t.Fatalf("unexpected trap %#v", trap)
	}
	regs, _ := m.Registers(m.Pid())
	if regs.PC != fn.PrologueEnd {
		t.Errorf("pc %#x, expected %#x", regs.PC, fn.PrologueEnd)
	}

	_, err = m.WriteMemory(fn.PrologueEnd, orig)
	assertNoError(err, t, "WriteMemory")
	trap, err = m.SingleStep(m.Pid(), 0)
	assertNoError(err, t, "SingleStep")
	if trap.Kind != proc.TrapStep {
		t.Fatalf("unexpected trap %#v", trap)
	}
	regs, _ = m.Registers(m.Pid())
	if regs.PC != fn.PrologueEnd+InstrSize || regs.GPR[0] != 1 {
		t.Errorf("after step %#v", regs)
	}
}

func TestWatchpointTrap(t *testing.T) {
	_, m, _ := launch(t, `
.global counter int 0
.func main int
	li r0, 42
	st [counter], r0
	ret
`)
	g := m.prog.Image.LookupGlobal("counter")
	assertNoError(m.SetWatchpoint(g.Addr, 8), t, "SetWatchpoint")
	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapWatchpoint || trap.Addr != g.Addr {
		t.Fatalf("unexpected trap %#v", trap)
	}
	buf := make([]byte, 1)
	m.ReadMemory(buf, g.Addr)
	if buf[0] != 42 {
		t.Errorf("counter = %d", buf[0])
	}
	assertNoError(m.ClearWatchpoint(g.Addr), t, "ClearWatchpoint")
	if trap := resumeAndWait(t, m, nil); trap.Kind != proc.TrapExited || trap.ExitStatus != 42 {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestSignalHandler(t *testing.T) {
	_, m, _ := launch(t, fmt.Sprintf(`
.global flag int 0
.func handler void sig:int
	ld r1, [sig]
	st [flag], r1
	ret
.func main int
	li r0, %[1]d
	li r1, handler
	syscall signal
	li r0, %[1]d
	syscall raise
	ld r0, [flag]
	ret
`, proc.SIGUSR1))
	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapSignal || trap.Signal != proc.SIGUSR1 {
		t.Fatalf("unexpected trap %#v", trap)
	}
	if !m.HasSignalHandler(proc.SIGUSR1) {
		t.Errorf("handler not installed")
	}
	trap = resumeAndWait(t, m, map[int]int{m.Pid(): proc.SIGUSR1})
	if trap.Kind != proc.TrapExited || trap.ExitStatus != proc.SIGUSR1 {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestFaultWithoutHandler(t *testing.T) {
	_, m, _ := launch(t, `
.func main int
	li r0, 0
	ld r0, [r0]
	ret
`)
	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapSignal || trap.Signal != proc.SIGSEGV {
		t.Fatalf("unexpected trap %#v", trap)
	}
	trap = resumeAndWait(t, m, map[int]int{m.Pid(): proc.SIGSEGV})
	if trap.Kind != proc.TrapExited || trap.ExitStatus != 128+proc.SIGSEGV {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestInvalidInstruction(t *testing.T) {
	_, m, _ := launch(t, `
.func main int
	ud
	ret
`)
	fn := m.prog.Image.LookupFunc("main")
	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapException || trap.Addr != fn.PrologueEnd {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestRequestStopInterruptsSleep(t *testing.T) {
	_, m, _ := launch(t, `
.func main int
	li r0, 10000
	syscall sleep
	ret
`)
	assertNoError(m.Resume(nil), t, "Resume")
	time.Sleep(50 * time.Millisecond)
	assertNoError(m.RequestStop(), t, "RequestStop")
	trap := wait(t, m)
	if trap.Kind != proc.TrapStopped {
		t.Fatalf("unexpected trap %#v", trap)
	}
	regs, _ := m.Registers(m.Pid())
	if regs.GPR[0] == 0 || regs.GPR[0] > 10000 {
		t.Errorf("time left %d", regs.GPR[0])
	}
}

func TestThreads(t *testing.T) {
	_, m, _ := launch(t, `
.global counter int 0
.func worker void arg:int
	ld r0, [arg]
	st [counter], r0
	ret
.func main int
	li r0, worker
	li r1, 7
	syscall thread
wait:
	ld r0, [counter]
	jz r0, wait
	ret
`)
	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapExited || trap.ExitStatus != 7 {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestExec(t *testing.T) {
	dir := t.TempDir()
	execed := filepath.Join(dir, "execed.s")
	assertNoError(os.WriteFile(execed, []byte(".func main int\n\tli r0, 9\n\tret\n"), 0o644), t, "WriteFile")
	host := NewHost()
	path := filepath.Join(dir, "exec.s")
	assertNoError(os.WriteFile(path, []byte(".string target \"execed.s\"\n.func main int\n\tli r0, target\n\tsyscall exec\n\tret\n"), 0o644), t, "WriteFile")
	inf, err := host.Launch(path, proc.LaunchConfig{})
	assertNoError(err, t, "Launch")
	m := inf.(*Machine)
	defer m.Kill()

	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapExec {
		t.Fatalf("unexpected trap %#v", trap)
	}
	if m.Path() != execed {
		t.Errorf("path after exec %s", m.Path())
	}
	if trap := resumeAndWait(t, m, nil); trap.Kind != proc.TrapExited || trap.ExitStatus != 9 {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestAttachAndFind(t *testing.T) {
	host := NewHost()
	path := writeProgram(t, "spin", ".func main int\nloop:\n\tjmp loop\n")
	m, err := host.Spawn(path, nil)
	assertNoError(err, t, "Spawn")
	defer m.Kill()

	if pids := host.FindProcesses("spin"); len(pids) != 1 || pids[0] != m.Pid() {
		t.Errorf("FindProcesses(spin) = %v", pids)
	}
	if pids := host.FindProcesses("spin.s"); len(pids) != 1 {
		t.Errorf("FindProcesses(spin.s) = %v", pids)
	}
	if pids := host.FindProcesses("other"); len(pids) != 0 {
		t.Errorf("FindProcesses(other) = %v", pids)
	}

	inf, err := host.Attach(m.Pid())
	assertNoError(err, t, "Attach")
	if _, err := inf.Registers(m.Pid()); err != nil {
		t.Errorf("attached process not stopped: %v", err)
	}
	if _, err := host.Attach(12345); err != proc.ErrNoSuchProcess {
		t.Errorf("attach to missing process: %v", err)
	}

	assertNoError(inf.Kill(), t, "Kill")
	if exited, status := m.Exited(); !exited || status != 128+proc.SIGKILL {
		t.Errorf("after kill: %v %d", exited, status)
	}
	if pids := host.FindProcesses("spin"); len(pids) != 0 {
		t.Errorf("FindProcesses after kill = %v", pids)
	}
}

func TestWaitForProcess(t *testing.T) {
	host := NewHost()
	path := writeProgram(t, "late", ".func main int\nloop:\n\tjmp loop\n")
	pidc := make(chan int)
	go func() {
		pid, err := host.WaitForProcess(context.Background(), "late")
		if err != nil {
			pid = -1
		}
		pidc <- pid
	}()
	time.Sleep(20 * time.Millisecond)
	m, err := host.Spawn(path, nil)
	assertNoError(err, t, "Spawn")
	defer m.Kill()
	if pid := <-pidc; pid != m.Pid() {
		t.Errorf("WaitForProcess returned %d, expected %d", pid, m.Pid())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := host.WaitForProcess(ctx, "never"); err == nil {
		t.Errorf("WaitForProcess did not time out")
	}
}

func TestLaunchEnvAndStdin(t *testing.T) {
	host := NewHost()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	assertNoError(os.WriteFile(in, []byte("in\n"), 0o644), t, "WriteFile")
	out := new(bytes.Buffer)
	path := writeProgram(t, "env", `
.string buf "\x00\x00\x00\x00\x00\x00\x00\x00"
.func main int argc:int argv:int envp:int
	ld r1, [envp]
	ld r1, [r1+8]
	li r0, 1
	syscall write
	li r0, buf
	li r1, 7
	syscall read
	li r0, 1
	li r1, buf
	syscall write
	ret
`)
	inf, err := host.Launch(path, proc.LaunchConfig{Env: []string{"FOO=bar", "MSG=hi\n"}, Stdin: in, StdoutWriter: out})
	assertNoError(err, t, "Launch")
	m := inf.(*Machine)
	defer m.Kill()

	regs, err := m.Registers(m.Pid())
	assertNoError(err, t, "Registers")
	ptr := make([]byte, 8)
	_, err = m.ReadMemory(ptr, regs.GPR[2])
	assertNoError(err, t, "ReadMemory")
	str := make([]byte, 8)
	_, err = m.ReadMemory(str, binary.LittleEndian.Uint64(ptr))
	assertNoError(err, t, "ReadMemory")
	if string(str) != "FOO=bar\x00" {
		t.Errorf("first environment string %q", str)
	}
	_, err = m.ReadMemory(ptr, regs.GPR[2]+16)
	assertNoError(err, t, "ReadMemory")
	if binary.LittleEndian.Uint64(ptr) != 0 {
		t.Errorf("envp not terminated")
	}

	trap := resumeAndWait(t, m, nil)
	if trap.Kind != proc.TrapExited || trap.ExitStatus != 3 {
		t.Fatalf("unexpected trap %#v", trap)
	}
	if out.String() != "MSG=hi\nin\n" {
		t.Errorf("output %q", out.String())
	}
}

func TestReadWithoutStdin(t *testing.T) {
	_, m, _ := launch(t, `
.string buf "\x00\x00"
.func main int
	li r0, buf
	li r1, 2
	syscall read
	add r0, 5
	ret
`)
	if trap := resumeAndWait(t, m, nil); trap.Kind != proc.TrapExited || trap.ExitStatus != 5 {
		t.Fatalf("unexpected trap %#v", trap)
	}
}

func TestLaunchRedirectErrors(t *testing.T) {
	host := NewHost()
	path := writeProgram(t, "hello", helloSrc)
	missing := filepath.Join(t.TempDir(), "nodir", "file")
	for _, tc := range []struct {
		cfg proc.LaunchConfig
		msg string
	}{
		{proc.LaunchConfig{Stdin: missing}, "could not redirect stdin"},
		{proc.LaunchConfig{Stdout: missing}, "could not redirect stdout"},
		{proc.LaunchConfig{Stdout: filepath.Join(t.TempDir(), "out"), Stderr: missing}, "could not redirect stderr"},
	} {
		_, err := host.Launch(path, tc.cfg)
		if err == nil || !strings.Contains(err.Error(), tc.msg) {
			t.Errorf("%#v: error %v, expected %q", tc.cfg, err, tc.msg)
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%#v: error %v does not wrap the open error", tc.cfg, err)
		}
	}
}

func TestRedirectFilesClosed(t *testing.T) {
	host := NewHost()
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")
	path := writeProgram(t, "both", `
.string out "out\n"
.string err "err\n"
.func main int
	li r0, 1
	li r1, out
	syscall write
	li r0, 2
	li r1, err
	syscall write
	li r0, 0
	ret
`)
	inf, err := host.Launch(path, proc.LaunchConfig{Stdout: outPath, Stderr: outPath})
	assertNoError(err, t, "Launch")
	m := inf.(*Machine)
	files := m.files
	if len(files) != 1 {
		t.Fatalf("%d files opened for a shared redirect", len(files))
	}
	if trap := resumeAndWait(t, m, nil); trap.Kind != proc.TrapExited {
		t.Fatalf("unexpected trap %#v", trap)
	}
	if _, err := files[0].(*os.File).Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("redirect file open after exit: %v", err)
	}
	buf, err := os.ReadFile(outPath)
	assertNoError(err, t, "ReadFile")
	if string(buf) != "out\nerr\n" {
		t.Errorf("output %q", buf)
	}

	inPath := filepath.Join(dir, "in.txt")
	assertNoError(os.WriteFile(inPath, nil, 0o644), t, "WriteFile")
	inf, err = host.Launch(path, proc.LaunchConfig{Stdin: inPath, Stdout: filepath.Join(dir, "out2.txt"), Stderr: filepath.Join(dir, "err2.txt")})
	assertNoError(err, t, "Launch")
	m = inf.(*Machine)
	files = m.files
	if len(files) != 3 {
		t.Fatalf("%d files opened", len(files))
	}
	assertNoError(m.Kill(), t, "Kill")
	for i, f := range files {
		if _, err := f.(*os.File).Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
			t.Errorf("file %d open after kill: %v", i, err)
		}
	}
}
