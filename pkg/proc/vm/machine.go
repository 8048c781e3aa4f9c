package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc"
)

const (
	// quantum is the number of instructions a thread executes before the
	// scheduler moves on to the next thread.
	quantum = 64
	// maxWatchpoints is the number of debug registers.
	maxWatchpoints = 4
	sigIgnore      = 1
)

var (
	errRunning = errors.New("process is running")
	errExited  = errors.New("process has exited")
)

// signalTable maps signal names used in programs to platform numbers.
var signalTable = proc.NewUnixSignals()

// ignoredSignals are discarded by the default action, every other signal
// terminates the process.
var ignoredSignals = func() map[int]bool {
	r := make(map[int]bool)
	for _, name := range []string{"SIGCHLD", "SIGURG", "SIGWINCH", "SIGCONT", "SIGSTOP"} {
		if n, err := signalTable.NumberFromName(name); err == nil {
			r[n] = true
		}
	}
	return r
}()

type thread struct {
	id         int
	regs       proc.Registers
	stackTop   uint64
	sleepUntil time.Time
}

// Machine is a process running on the virtual machine. It implements
// proc.Inferior.
type Machine struct {
	host *Host
	pid  int

	mu         sync.Mutex
	prog       *Program
	path       string
	args       []string
	env        []string
	mem        []byte
	threads    []*thread
	nextTID    int
	handlers   map[int]uint64
	watches    map[uint64]int
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	files      []io.Closer // redirect files, closed on exit
	traced     bool
	running    bool
	exited     bool
	exitStatus int

	stopc         chan struct{}
	stopRequested bool
	done          chan struct{}
	trapc         chan proc.Trap
}

func newMachine(host *Host, pid int, prog *Program, args, env []string, fds stdio) *Machine {
	m := &Machine{
		host:   host,
		pid:    pid,
		stdin:  fds.in,
		stdout: fds.out,
		stderr: fds.err,
		files:  fds.files,
		trapc:  make(chan proc.Trap, 1),
	}
	m.load(prog, args, env)
	return m
}

// load replaces the image of the process with prog, the process is left
// with a single thread at the entry point. main receives argc, argv and
// envp in r0-r2.
func (m *Machine) load(prog *Program, args, env []string) {
	m.prog = prog
	m.path = prog.Image.Path
	m.args = args
	m.env = env
	m.mem = make([]byte, MemSize)
	copy(m.mem[TextStart:], prog.Mem)
	m.handlers = make(map[int]uint64)
	m.watches = make(map[uint64]int)
	m.nextTID = m.pid + 1

	// argument and environment strings at the top of the stack, below
	// them the argv and envp arrays, each terminated by a null pointer
	argv := append([]string{prog.Image.Path}, args...)
	strs := append(append([]string(nil), argv...), env...)
	sp := uint64(StackTop)
	ptrs := make([]uint64, len(strs))
	for i := len(strs) - 1; i >= 0; i-- {
		sp -= uint64(len(strs[i]) + 1)
		copy(m.mem[sp:], strs[i])
		m.mem[sp+uint64(len(strs[i]))] = 0
		ptrs[i] = sp
	}
	sp &^= 7
	sp -= 8 * uint64(len(ptrs)+2)
	envp := sp + 8*uint64(len(argv)+1)
	for i, p := range ptrs[:len(argv)] {
		binary.LittleEndian.PutUint64(m.mem[sp+8*uint64(i):], p)
	}
	for i, p := range ptrs[len(argv):] {
		binary.LittleEndian.PutUint64(m.mem[envp+8*uint64(i):], p)
	}

	main := &thread{id: m.pid, stackTop: StackTop}
	main.regs.PC = prog.Image.Entry
	main.regs.SP = sp
	main.regs.GPR[0] = uint64(len(argv))
	main.regs.GPR[1] = sp
	main.regs.GPR[2] = envp
	m.threads = []*thread{main}
}

// Pid returns the process id.
func (m *Machine) Pid() int { return m.pid }

// Path returns the path of the program the process is running.
func (m *Machine) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Exited returns true if the process has exited and its exit status.
func (m *Machine) Exited() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited, m.exitStatus
}

func (m *Machine) ThreadIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]int, len(m.threads))
	for i, th := range m.threads {
		r[i] = th.id
	}
	sort.Ints(r)
	return r
}

func (m *Machine) threadLocked(tid int) *thread {
	for _, th := range m.threads {
		if th.id == tid {
			return th
		}
	}
	return nil
}

func (m *Machine) checkStoppedLocked() error {
	if m.exited {
		return errExited
	}
	if m.running {
		return errRunning
	}
	return nil
}

func (m *Machine) Registers(tid int) (proc.Registers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return proc.Registers{}, err
	}
	th := m.threadLocked(tid)
	if th == nil {
		return proc.Registers{}, fmt.Errorf("no such thread %d", tid)
	}
	return th.regs, nil
}

func (m *Machine) SetRegisters(tid int, regs proc.Registers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return err
	}
	th := m.threadLocked(tid)
	if th == nil {
		return fmt.Errorf("no such thread %d", tid)
	}
	th.regs = regs
	return nil
}

// validRange returns the number of bytes of [addr, addr+n) that are
// addressable.
func validRange(addr uint64, n int) int {
	if addr < TextStart || addr >= MemSize {
		return 0
	}
	if rem := MemSize - addr; uint64(n) > rem {
		return int(rem)
	}
	return n
}

func (m *Machine) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return 0, err
	}
	n := validRange(addr, len(buf))
	if n > 0 {
		copy(buf, m.mem[addr:addr+uint64(n)])
	}
	if n < len(buf) {
		return n, fmt.Errorf("invalid address %#x", addr+uint64(n))
	}
	return n, nil
}

func (m *Machine) WriteMemory(addr uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return 0, err
	}
	n := validRange(addr, len(data))
	if n > 0 {
		copy(m.mem[addr:], data[:n])
	}
	if n < len(data) {
		return n, fmt.Errorf("invalid address %#x", addr+uint64(n))
	}
	return n, nil
}

func (m *Machine) SetWatchpoint(addr uint64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[addr]; !ok && len(m.watches) >= maxWatchpoints {
		return errors.New("no free debug registers")
	}
	m.watches[addr] = size
	return nil
}

func (m *Machine) ClearWatchpoint(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, addr)
	return nil
}

func (m *Machine) HasSignalHandler(sig int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[sig] > sigIgnore
}

// Resume starts executing all threads. Signals are delivered before the
// first instruction is executed.
func (m *Machine) Resume(signals map[int]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return err
	}
	m.startLocked(signals)
	return nil
}

func (m *Machine) startLocked(signals map[int]int) {
	select {
	case <-m.trapc:
	default:
	}
	m.running = true
	m.stopRequested = false
	m.stopc = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stopc, m.done, signals)
}

// Wait returns the trap that stopped the process after the last Resume.
func (m *Machine) Wait(ctx context.Context) (proc.Trap, error) {
	select {
	case trap := <-m.trapc:
		return trap, nil
	case <-ctx.Done():
		return proc.Trap{}, ctx.Err()
	}
}

func (m *Machine) RequestStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestStopLocked()
	return nil
}

func (m *Machine) requestStopLocked() {
	if m.running && !m.stopRequested {
		m.stopRequested = true
		close(m.stopc)
	}
}

// SingleStep executes one instruction of thread tid. If sig is not zero
// the signal is delivered instead and no instruction is executed.
func (m *Machine) SingleStep(tid int, sig int) (proc.Trap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return proc.Trap{}, err
	}
	th := m.threadLocked(tid)
	if th == nil {
		return proc.Trap{}, fmt.Errorf("no such thread %d", tid)
	}
	var trap proc.Trap
	if sig != 0 {
		trap = m.deliverLocked(th, sig)
	} else {
		trap = m.execLocked(th)
	}
	m.interruptSleepsLocked()
	if trap.Kind == proc.TrapNone {
		trap = proc.Trap{Kind: proc.TrapStep, TID: tid}
	}
	return trap, nil
}

// Kill terminates the process.
func (m *Machine) Kill() error {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.requestStopLocked()
		done := m.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	trap := m.exitLocked(m.pid, 128+proc.SIGKILL)
	m.post(trap)
	m.mu.Unlock()
	return nil
}

// Detach lets the process run untraced: breakpoint instructions and
// signals get their default action.
func (m *Machine) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStoppedLocked(); err != nil {
		return err
	}
	m.watches = make(map[uint64]int)
	m.traced = false
	m.startLocked(nil)
	return nil
}

// attach stops an untraced process and makes it traced.
func (m *Machine) attach() error {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return proc.ErrNoSuchProcess
	}
	if m.traced {
		m.mu.Unlock()
		return fmt.Errorf("process %d is already traced", m.pid)
	}
	m.traced = true
	m.requestStopLocked()
	m.mu.Unlock()
	trap, err := m.Wait(context.Background())
	if err != nil {
		return err
	}
	if trap.Kind == proc.TrapExited {
		return proc.ErrNoSuchProcess
	}
	return nil
}

// post makes trap available to Wait, replacing any trap nobody waited for.
func (m *Machine) post(trap proc.Trap) {
	for {
		select {
		case m.trapc <- trap:
			return
		default:
		}
		select {
		case <-m.trapc:
		default:
		}
	}
}

func (m *Machine) run(stopc, done chan struct{}, signals map[int]int) {
	defer close(done)

	m.mu.Lock()
	tids := make([]int, 0, len(signals))
	for tid := range signals {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	for _, tid := range tids {
		th := m.threadLocked(tid)
		if th == nil || signals[tid] == 0 {
			continue
		}
		if trap := m.deliverLocked(th, signals[tid]); trap.Kind != proc.TrapNone {
			m.stopLocked(trap)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	for {
		select {
		case <-stopc:
			m.mu.Lock()
			m.stopLocked(proc.Trap{Kind: proc.TrapStopped, TID: m.firstTIDLocked()})
			m.mu.Unlock()
			return
		default:
		}

		m.mu.Lock()
		trap, wait := m.scheduleLocked()
		if trap.Kind != proc.TrapNone {
			m.stopLocked(trap)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stopc:
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

func (m *Machine) firstTIDLocked() int {
	if len(m.threads) > 0 {
		return m.threads[0].id
	}
	return m.pid
}

func (m *Machine) stopLocked(trap proc.Trap) {
	m.running = false
	m.interruptSleepsLocked()
	m.post(trap)
}

// interruptSleepsLocked makes every sleeping thread return from its sleep
// with the time left.
func (m *Machine) interruptSleepsLocked() {
	now := time.Now()
	for _, th := range m.threads {
		if th.sleepUntil.IsZero() {
			continue
		}
		left := th.sleepUntil.Sub(now)
		if left < 0 {
			left = 0
		}
		th.regs.GPR[0] = uint64(left / time.Millisecond)
		th.sleepUntil = time.Time{}
	}
}

// scheduleLocked runs a quantum of every runnable thread. If no thread is
// runnable it returns the time until the first sleeping thread wakes up.
func (m *Machine) scheduleLocked() (proc.Trap, time.Duration) {
	now := time.Now()
	var wait time.Duration
	ran := false
	for _, th := range append([]*thread(nil), m.threads...) {
		if m.threadLocked(th.id) != th {
			continue
		}
		if !th.sleepUntil.IsZero() {
			if d := th.sleepUntil.Sub(now); d > 0 {
				if wait == 0 || d < wait {
					wait = d
				}
				continue
			}
			th.sleepUntil = time.Time{}
			th.regs.GPR[0] = 0
		}
		ran = true
		for i := 0; i < quantum; i++ {
			trap := m.execLocked(th)
			if trap.Kind != proc.TrapNone && !m.traced {
				trap = m.defaultActionLocked(th, trap)
			}
			if trap.Kind != proc.TrapNone {
				return trap, 0
			}
			if !th.sleepUntil.IsZero() || m.threadLocked(th.id) != th {
				break
			}
		}
	}
	if ran {
		return proc.Trap{}, 0
	}
	return proc.Trap{}, wait
}

// defaultActionLocked handles a trap of an untraced process.
func (m *Machine) defaultActionLocked(th *thread, trap proc.Trap) proc.Trap {
	switch trap.Kind {
	case proc.TrapBreakpoint:
		th.regs.PC += InstrSize
		return m.deliverLocked(th, proc.SIGTRAP)
	case proc.TrapSignal:
		return m.deliverLocked(th, trap.Signal)
	case proc.TrapException:
		return m.deliverLocked(th, proc.SIGILL)
	case proc.TrapExited:
		return trap
	}
	return proc.Trap{}
}

// deliverLocked delivers sig to th. It returns an exit trap if the
// signal terminated the process.
func (m *Machine) deliverLocked(th *thread, sig int) proc.Trap {
	h := m.handlers[sig]
	if h == sigIgnore || (h == 0 && ignoredSignals[sig]) {
		return proc.Trap{}
	}
	if h == 0 || sig == proc.SIGKILL {
		return m.exitLocked(th.id, 128+sig)
	}
	sp := (th.regs.SP - RedZone) &^ 7
	frame := []uint64{th.regs.PC, th.regs.SP, th.regs.FP}
	frame = append(frame, th.regs.GPR[:]...)
	sp -= 8 * sigframeWords
	for i, w := range frame {
		if !m.store(sp+8*uint64(i), w) {
			return m.exitLocked(th.id, 128+proc.SIGSEGV)
		}
	}
	sp -= 8
	if !m.store(sp, m.prog.sigreturn) {
		return m.exitLocked(th.id, 128+proc.SIGSEGV)
	}
	th.regs.SP = sp
	th.regs.GPR[0] = uint64(sig)
	th.regs.PC = h
	return proc.Trap{}
}

func (m *Machine) exitLocked(tid, status int) proc.Trap {
	m.exited = true
	m.exitStatus = status
	m.threads = nil
	m.running = false
	m.closeFilesLocked()
	return proc.Trap{Kind: proc.TrapExited, TID: tid, ExitStatus: status}
}

func (m *Machine) closeFilesLocked() {
	for _, f := range m.files {
		if err := f.Close(); err != nil {
			logflags.VMLogger().WithField("pid", m.pid).Warnf("could not close redirect file: %v", err)
		}
	}
	m.files = nil
}

func (m *Machine) load64(addr uint64) (uint64, bool) {
	if validRange(addr, 8) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.mem[addr:]), true
}

func (m *Machine) store(addr, val uint64) bool {
	if validRange(addr, 8) != 8 {
		return false
	}
	binary.LittleEndian.PutUint64(m.mem[addr:], val)
	return true
}

func (m *Machine) cstring(addr uint64) string {
	var buf []byte
	for addr >= TextStart && addr < MemSize && m.mem[addr] != 0 {
		buf = append(buf, m.mem[addr])
		addr++
	}
	return string(buf)
}

func (th *thread) reg(r byte) uint64 {
	switch r {
	case regSP:
		return th.regs.SP
	case regFP:
		return th.regs.FP
	case regNone:
		return 0
	}
	return th.regs.GPR[r&7]
}

func (th *thread) setReg(r byte, v uint64) {
	switch r {
	case regSP:
		th.regs.SP = v
	case regFP:
		th.regs.FP = v
	case regNone:
	default:
		th.regs.GPR[r&7] = v
	}
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// execLocked executes one instruction of th.
func (m *Machine) execLocked(th *thread) proc.Trap {
	pc := th.regs.PC
	segv := proc.Trap{Kind: proc.TrapSignal, TID: th.id, Signal: proc.SIGSEGV}
	if validRange(pc, InstrSize) != InstrSize || pc%InstrSize != 0 {
		return segv
	}
	ins := decode(m.mem[pc:])
	next := pc + InstrSize

	switch ins.op {
	case opNop:
	case opMov:
		th.setReg(ins.a, th.reg(ins.b))
	case opLi:
		th.setReg(ins.a, uint64(int64(ins.imm)))
	case opAdd:
		th.setReg(ins.a, th.reg(ins.a)+th.reg(ins.b))
	case opAddi:
		th.setReg(ins.a, th.reg(ins.a)+uint64(int64(ins.imm)))
	case opSub:
		th.setReg(ins.a, th.reg(ins.a)-th.reg(ins.b))
	case opMul:
		th.setReg(ins.a, th.reg(ins.a)*th.reg(ins.b))
	case opSlt:
		th.setReg(ins.a, boolWord(int64(th.reg(ins.a)) < int64(th.reg(ins.b))))
	case opSeq:
		th.setReg(ins.a, boolWord(th.reg(ins.a) == th.reg(ins.b)))
	case opLd:
		v, ok := m.load64(th.reg(ins.b) + uint64(int64(ins.imm)))
		if !ok {
			return segv
		}
		th.setReg(ins.a, v)
	case opSt:
		addr := th.reg(ins.b) + uint64(int64(ins.imm))
		if !m.store(addr, th.reg(ins.a)) {
			return segv
		}
		th.regs.PC = next
		if w, ok := m.watchHit(addr); ok {
			return proc.Trap{Kind: proc.TrapWatchpoint, TID: th.id, Addr: w}
		}
		return proc.Trap{}
	case opPush:
		if !m.store(th.regs.SP-8, th.reg(ins.a)) {
			return segv
		}
		th.regs.SP -= 8
	case opPop:
		v, ok := m.load64(th.regs.SP)
		if !ok {
			return segv
		}
		th.regs.SP += 8
		th.setReg(ins.a, v)
	case opJmp:
		next = uint64(ins.imm)
	case opJz:
		if th.reg(ins.a) == 0 {
			next = uint64(ins.imm)
		}
	case opJnz:
		if th.reg(ins.a) != 0 {
			next = uint64(ins.imm)
		}
	case opCall, opCallr:
		if !m.store(th.regs.SP-8, next) {
			return segv
		}
		th.regs.SP -= 8
		if ins.op == opCall {
			next = uint64(ins.imm)
		} else {
			next = th.reg(ins.a)
		}
	case opLeave:
		v, ok := m.load64(th.regs.FP)
		if !ok {
			return segv
		}
		th.regs.SP = th.regs.FP + 8
		th.regs.FP = v
	case opRet:
		v, ok := m.load64(th.regs.SP)
		if !ok {
			return segv
		}
		th.regs.SP += 8
		next = v
	case opSyscall:
		th.regs.PC = next
		return m.syscallLocked(th, int(ins.imm))
	case opTrap:
		return proc.Trap{Kind: proc.TrapBreakpoint, TID: th.id}
	default:
		return proc.Trap{Kind: proc.TrapException, TID: th.id, Addr: pc}
	}
	th.regs.PC = next
	return proc.Trap{}
}

func (m *Machine) watchHit(addr uint64) (uint64, bool) {
	for w, size := range m.watches {
		if addr < w+uint64(size) && w < addr+8 {
			return w, true
		}
	}
	return 0, false
}

// syscallLocked executes a system call, the PC of th already points to
// the following instruction.
func (m *Machine) syscallLocked(th *thread, num int) proc.Trap {
	args := th.regs.GPR
	ret := func(v int64) proc.Trap {
		th.regs.GPR[0] = uint64(v)
		return proc.Trap{}
	}
	switch num {
	case sysExit:
		return m.exitLocked(th.id, int(int64(args[0])))

	case sysWrite:
		w := m.stdout
		if args[0] == 2 {
			w = m.stderr
		}
		if w == nil || (args[0] != 1 && args[0] != 2) {
			return ret(-1)
		}
		n, _ := io.WriteString(w, m.cstring(args[1]))
		return ret(int64(n))

	case sysRead:
		n := validRange(args[0], int(args[1]))
		if int64(args[1]) < 0 || n == 0 {
			return ret(-1)
		}
		if m.stdin == nil {
			return ret(0)
		}
		k, err := m.stdin.Read(m.mem[args[0] : args[0]+uint64(n)])
		if k == 0 && err != nil && err != io.EOF {
			return ret(-1)
		}
		return ret(int64(k))

	case sysSleep:
		ms := time.Duration(args[0]) * time.Millisecond
		th.sleepUntil = time.Now().Add(ms)
		return ret(int64(args[0]))

	case sysGetpid:
		return ret(int64(m.pid))

	case sysSignal:
		sig := int(args[0])
		if sig <= 0 || sig == proc.SIGKILL || sig == proc.SIGSTOP {
			return ret(-1)
		}
		prev := m.handlers[sig]
		if args[1] == 0 {
			delete(m.handlers, sig)
		} else {
			m.handlers[sig] = args[1]
		}
		return ret(int64(prev))

	case sysRaise:
		th.regs.GPR[0] = 0
		return proc.Trap{Kind: proc.TrapSignal, TID: th.id, Signal: int(args[0])}

	case sysThread:
		top, ok := m.freeStackLocked()
		if !ok {
			return ret(-1)
		}
		nt := &thread{id: m.nextTID, stackTop: top}
		m.nextTID++
		nt.regs.SP = top - 8
		binary.LittleEndian.PutUint64(m.mem[nt.regs.SP:], m.prog.threadExit)
		nt.regs.PC = args[0]
		nt.regs.GPR[0] = args[1]
		m.threads = append(m.threads, nt)
		return ret(int64(nt.id))

	case sysThreadExit:
		for i := range m.threads {
			if m.threads[i] == th {
				m.threads = append(m.threads[:i], m.threads[i+1:]...)
				break
			}
		}
		if len(m.threads) == 0 {
			return m.exitLocked(th.id, 0)
		}
		return proc.Trap{}

	case sysExec:
		path := m.cstring(args[0])
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(m.path), path)
		}
		prog, err := m.host.assemble(path)
		if err != nil {
			return ret(-1)
		}
		m.load(prog, nil, m.env)
		return proc.Trap{Kind: proc.TrapExec, TID: m.pid}

	case sysSigreturn:
		var frame [sigframeWords]uint64
		for i := range frame {
			v, ok := m.load64(th.regs.SP + 8*uint64(i))
			if !ok {
				return proc.Trap{Kind: proc.TrapSignal, TID: th.id, Signal: proc.SIGSEGV}
			}
			frame[i] = v
		}
		th.regs.PC, th.regs.SP, th.regs.FP = frame[0], frame[1], frame[2]
		copy(th.regs.GPR[:], frame[3:])
		return proc.Trap{}
	}
	return ret(-1)
}

func (m *Machine) freeStackLocked() (uint64, bool) {
	used := make(map[uint64]bool)
	for _, th := range m.threads {
		used[th.stackTop] = true
	}
	for i := 0; i < MaxThreads; i++ {
		top := uint64(StackTop - i*StackSize)
		if !used[top] {
			return top, true
		}
	}
	return 0, false
}
