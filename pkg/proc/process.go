package proc

import (
	"context"
	"encoding/binary"
	"fmt"
	"go/constant"
	"sync"

	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc/evalop"
	"github.com/go-delve/inferior/pkg/symbols"
)

// ProcessState is the lifecycle state of a process.
type ProcessState uint8

const (
	StateInvalid ProcessState = iota
	StateConnected
	StateLaunching
	StateRunning
	StateStopped
	StateCrashed
	StateExited
	StateDetached
)

func (s ProcessState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateExited:
		return "exited"
	case StateDetached:
		return "detached"
	}
	return "invalid"
}

// IsStopped returns true if no thread of the process is executing.
func (s ProcessState) IsStopped() bool {
	return s == StateStopped || s == StateCrashed
}

// IsTerminal returns true if the process is gone.
func (s ProcessState) IsTerminal() bool {
	return s == StateExited || s == StateDetached || s == StateInvalid
}

// Process is a live process of a Target.
//
// At most one control operation (continue, step, evaluation with a call,
// discard of a suspended call) is outstanding at any time, a second one
// fails with ErrControlInProgress. Queries are safe while the process is
// stopped.
//
// An evaluation that injects a call leaves the process in StateStopped
// and broadcasts no state changed event unless the call stops in the
// callee or the process exits. The call holds the control operation, so
// other control operations fail with ErrControlInProgress until it ends.
type Process struct {
	target *Target
	sess   *Session
	idx    int
	inf    Inferior
	pid    int
	// attached is set for processes that were started outside of the
	// debugger.
	attached bool
	bc       *Broadcaster
	log      logflags.Logger

	// ctx is cancelled by Destroy, it aborts every wait on the inferior.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	bi          *BinaryInfo
	state       ProcessState
	exitStatus  int
	threads     []*Thread
	selectedTID int
	// busy is set while a control operation is outstanding, idle is
	// closed when it ends.
	busy          bool
	idle          chan struct{}
	haltRequested bool

	// The following fields are only modified by the control operation in
	// progress, with mu held.
	sites          map[uint64]*breakpointSite
	watches        map[uint64]*Watchpoint
	calls          map[int]*callInjection
	pendingSignals map[int]int
}

// breakpointSite is a breakpoint instruction written into the memory of
// the inferior.
type breakpointSite struct {
	addr uint64
	orig []byte
}

// runMode describes the control operation driving the continue loop.
type runMode struct {
	// exec is the expression being evaluated synchronously, nil for an
	// ordinary continue.
	exec              *ExpressionExecution
	ignoreBreakpoints bool
}

// stopOutcome summarizes why the continue loop stopped.
type stopOutcome struct {
	interrupted bool
	crashed     bool
	exited      bool
	// callDone is set when the call of the synchronous evaluation
	// completed.
	callDone bool
	// evalReason is why the synchronous evaluation did not complete,
	// evalAborted is set if its call was unwound.
	evalReason  string
	evalAborted bool
}

func newProcess(t *Target, inf Inferior, bi *BinaryInfo, listener *Listener) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		target:         t,
		sess:           t.sess,
		inf:            inf,
		pid:            inf.Pid(),
		bc:             NewBroadcaster(fmt.Sprintf("process %d", inf.Pid())),
		log:            logflags.ProcLogger().WithField("pid", inf.Pid()),
		ctx:            ctx,
		cancel:         cancel,
		bi:             bi,
		sites:          make(map[uint64]*breakpointSite),
		watches:        make(map[uint64]*Watchpoint),
		calls:          make(map[int]*callInjection),
		pendingSignals: make(map[int]int),
	}
	p.idx = t.sess.arena.add(p)
	if listener != nil {
		p.bc.AddListener(listener, EventAll)
	}
	return p
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.pid }

// Attached returns true if the process was started outside of the
// debugger and attached to.
func (p *Process) Attached() bool { return p.attached }

// Target returns the target of the process.
func (p *Process) Target() *Target { return p.target }

// Broadcaster returns the broadcaster of the process events.
func (p *Process) Broadcaster() *Broadcaster { return p.bc }

// State returns the current state of the process.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitStatus returns the exit status of the process, it is only valid
// when the process is in StateExited.
func (p *Process) ExitStatus() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateExited {
		return 0, StateError{Op: "get exit status", State: p.state}
	}
	return p.exitStatus, nil
}

// BinInfo returns the binary info of the image the process is executing.
func (p *Process) BinInfo() *BinaryInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bi
}

// Threads returns the threads of the process, in creation order.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Thread(nil), p.threads...)
}

// ThreadByID returns the thread with the given id or nil.
func (p *Process) ThreadByID(tid int) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadLocked(tid)
}

func (p *Process) threadLocked(tid int) *Thread {
	for _, th := range p.threads {
		if th.ID == tid {
			return th
		}
	}
	return nil
}

// SelectedThread returns the selected thread. After a stop the thread
// that caused it is selected.
func (p *Process) SelectedThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadLocked(p.selectedTID)
}

// SetSelectedThread selects thread tid.
func (p *Process) SetSelectedThread(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.threadLocked(tid) == nil {
		return fmt.Errorf("unknown thread %d", tid)
	}
	p.selectedTID = tid
	return nil
}

// ReadMemory reads the memory of a stopped process.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := p.checkStopped("read memory"); err != nil {
		return 0, err
	}
	return p.inf.ReadMemory(buf, addr)
}

func (p *Process) checkStopped(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.IsStopped() {
		return StateError{Op: op, State: p.state}
	}
	return nil
}

func (p *Process) beginControlLocked(op string, valid ...ProcessState) error {
	ok := false
	for _, s := range valid {
		if p.state == s {
			ok = true
		}
	}
	if !ok {
		return StateError{Op: op, State: p.state}
	}
	if p.busy {
		return StateError{Op: op, State: p.state, Err: ErrControlInProgress}
	}
	p.busy = true
	p.idle = make(chan struct{})
	return nil
}

func (p *Process) endControlLocked() {
	if p.busy {
		p.busy = false
		close(p.idle)
	}
}

// WaitForStop blocks until no control operation is outstanding and
// returns the resulting state.
func (p *Process) WaitForStop(ctx context.Context) (ProcessState, error) {
	p.mu.Lock()
	if !p.busy {
		s := p.state
		p.mu.Unlock()
		return s, nil
	}
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return p.State(), nil
	case <-ctx.Done():
		return p.State(), ctx.Err()
	}
}

func (p *Process) setStateLocked(s ProcessState, interrupted bool) {
	if p.state != s {
		p.log.Debugf("%s -> %s", p.state, s)
	}
	p.state = s
	p.bc.broadcast(p.stateEventLocked(interrupted))
}

func (p *Process) stateEventLocked(interrupted bool) Event {
	data := &ProcessEventData{Pid: p.pid, State: p.state, Interrupted: interrupted, ExitStatus: p.exitStatus}
	if p.state.IsStopped() {
		for _, th := range p.threads {
			tsi := ThreadStopInfo{ID: th.ID, Stop: th.stop}
			if regs, err := p.inf.Registers(th.ID); err == nil {
				tsi.PC = regs.PC
			}
			data.Threads = append(data.Threads, tsi)
		}
	}
	return Event{Type: EventStateChanged, Process: data}
}

func (p *Process) updateThreadsLocked() {
	old := p.threads
	p.threads = p.threads[:0:0]
	for _, tid := range p.inf.ThreadIDs() {
		var th *Thread
		for _, oth := range old {
			if oth.ID == tid {
				th = oth
				break
			}
		}
		if th == nil {
			th = &Thread{ID: tid, arena: &p.sess.arena, pidx: p.idx}
		}
		p.threads = append(p.threads, th)
	}
	if p.threadLocked(p.selectedTID) == nil && len(p.threads) > 0 {
		p.selectedTID = p.threads[0].ID
	}
}

func (p *Process) clearStopsLocked() {
	for _, th := range p.threads {
		th.stop = StopInfo{}
	}
}

func (p *Process) saveStopsLocked() map[int]StopInfo {
	r := make(map[int]StopInfo, len(p.threads))
	for _, th := range p.threads {
		r[th.ID] = th.stop
	}
	return r
}

func (p *Process) restoreStopsLocked(saved map[int]StopInfo) {
	for _, th := range p.threads {
		th.stop = saved[th.ID]
	}
}

// Continue resumes the process. It returns as soon as the process is
// running, the following stop is reported by a state changed event.
func (p *Process) Continue() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginControlLocked("continue", StateStopped); err != nil {
		return err
	}
	p.haltRequested = false
	p.clearStopsLocked()
	p.setStateLocked(StateRunning, false)
	go p.runInBackground()
	return nil
}

func (p *Process) runInBackground() {
	out, err := p.continueUntilStop(p.ctx, runMode{})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return
	}
	if err != nil {
		p.log.Errorf("continue: %v", err)
		out = stopOutcome{}
	}
	p.finishStopLocked(out)
}

// finishStopLocked moves the process to the state described by out, ends
// the control operation and notifies listeners.
func (p *Process) finishStopLocked(out stopOutcome) {
	p.haltRequested = false
	switch {
	case out.exited:
		p.state = StateExited
	case out.crashed:
		p.state = StateCrashed
	default:
		p.state = StateStopped
	}
	for _, th := range p.threads {
		if th.stop.Reason != StopReasonNone {
			p.selectedTID = th.ID
			break
		}
	}
	p.log.Debugf("stopped: %s interrupted=%v", p.state, out.interrupted)
	p.bc.broadcast(p.stateEventLocked(out.interrupted))
	p.endControlLocked()
	if out.exited {
		p.releaseLocked()
	}
}

func (p *Process) releaseLocked() {
	p.cancel()
	p.sess.arena.release(p.idx)
}

// continueUntilStop resumes the inferior until it stops in a way that
// must be reported to the caller of mode. Stops that do not need
// reporting (disabled breakpoints, false conditions, signals that do not
// stop) resume the inferior again. It must be called without holding mu.
func (p *Process) continueUntilStop(ctx context.Context, mode runMode) (stopOutcome, error) {
	for {
		p.mu.Lock()
		if p.state.IsTerminal() {
			p.mu.Unlock()
			return stopOutcome{}, ErrProcessDestroyed
		}
		out, stopped, err := p.prepareResumeLocked(mode)
		if err != nil || stopped {
			p.mu.Unlock()
			return out, err
		}
		if p.haltRequested {
			p.mu.Unlock()
			return stopOutcome{interrupted: true}, nil
		}
		sigs := p.pendingSignals
		p.pendingSignals = make(map[int]int)
		err = p.inf.Resume(sigs)
		halt := p.haltRequested
		p.mu.Unlock()
		if err != nil {
			return stopOutcome{}, err
		}
		if halt {
			p.inf.RequestStop()
		}

		trap, err := p.inf.Wait(ctx)
		if err != nil {
			return stopOutcome{}, err
		}

		p.mu.Lock()
		if p.state.IsTerminal() {
			p.mu.Unlock()
			return stopOutcome{}, ErrProcessDestroyed
		}
		out, resume := p.handleTrapLocked(trap, mode)
		p.mu.Unlock()
		if !resume {
			return out, nil
		}
	}
}

// prepareResumeLocked materializes breakpoint sites and watchpoints and
// steps every thread that executed a breakpoint instruction over it. If
// one of the steps stops the process the second return value is true.
func (p *Process) prepareResumeLocked(mode runMode) (stopOutcome, bool, error) {
	p.syncSitesLocked()
	p.syncWatchpointsLocked()
	for _, th := range p.threads {
		if th.hitSite == 0 {
			continue
		}
		addr := th.hitSite
		th.hitSite = 0
		regs, err := p.inf.Registers(th.ID)
		if err != nil || regs.PC != addr {
			continue
		}
		site := p.sites[addr]
		if site == nil {
			continue
		}
		trap, err := p.stepOverSiteLocked(th, site)
		if err != nil {
			return stopOutcome{}, false, err
		}
		if trap.Kind != TrapStep {
			out, resume := p.handleTrapLocked(trap, mode)
			if !resume {
				return out, true, nil
			}
			return p.prepareResumeLocked(mode)
		}
	}
	return stopOutcome{}, false, nil
}

func (p *Process) stepOverSiteLocked(th *Thread, site *breakpointSite) (Trap, error) {
	if _, err := p.inf.WriteMemory(site.addr, site.orig); err != nil {
		return Trap{}, err
	}
	trap, err := p.inf.SingleStep(th.ID, 0)
	if trap.Kind != TrapExited && trap.Kind != TrapExec {
		if _, err := p.inf.WriteMemory(site.addr, p.bi.Arch.BreakpointInstruction); err != nil {
			p.log.Warnf("could not restore breakpoint at %#x: %v", site.addr, err)
			delete(p.sites, site.addr)
		}
	}
	return trap, err
}

func (p *Process) syncSitesLocked() {
	want := make(map[uint64]bool)
	for _, addr := range p.target.breakpoints.activeAddrs() {
		if p.bi.ValidCodeAddr(addr) {
			want[addr] = true
		}
	}
	if len(p.calls) > 0 {
		want[p.bi.Image.Entry] = true
	}
	for addr, site := range p.sites {
		if !want[addr] {
			if _, err := p.inf.WriteMemory(addr, site.orig); err != nil {
				p.log.Warnf("could not clear breakpoint at %#x: %v", addr, err)
			}
			delete(p.sites, addr)
		}
	}
	for addr := range want {
		if p.sites[addr] != nil {
			continue
		}
		bpinstr := p.bi.Arch.BreakpointInstruction
		orig := make([]byte, len(bpinstr))
		if _, err := p.inf.ReadMemory(orig, addr); err != nil {
			p.log.Warnf("could not set breakpoint at %#x: %v", addr, err)
			continue
		}
		if _, err := p.inf.WriteMemory(addr, bpinstr); err != nil {
			p.log.Warnf("could not set breakpoint at %#x: %v", addr, err)
			continue
		}
		p.sites[addr] = &breakpointSite{addr: addr, orig: orig}
	}
}

func (p *Process) clearSitesLocked() {
	for addr, site := range p.sites {
		p.inf.WriteMemory(addr, site.orig)
	}
	p.sites = make(map[uint64]*breakpointSite)
	for addr := range p.watches {
		p.inf.ClearWatchpoint(addr)
	}
	p.watches = make(map[uint64]*Watchpoint)
}

func (p *Process) syncWatchpointsLocked() {
	want := make(map[uint64]*Watchpoint)
	for _, wp := range p.target.breakpoints.Watchpoints() {
		if wp.IsEnabled() {
			want[wp.Addr] = wp
		}
	}
	for addr := range p.watches {
		if want[addr] == nil {
			p.inf.ClearWatchpoint(addr)
			delete(p.watches, addr)
		}
	}
	for addr, wp := range want {
		if p.watches[addr] != nil {
			continue
		}
		if err := p.inf.SetWatchpoint(addr, wp.Size); err != nil {
			p.log.Warnf("could not set watchpoint %d: %v", wp.ID, err)
			continue
		}
		p.watches[addr] = wp
	}
}

// handleTrapLocked decides what to do with a trap. If the second return
// value is true the trap was handled internally and the process must be
// resumed.
func (p *Process) handleTrapLocked(trap Trap, mode runMode) (stopOutcome, bool) {
	p.log.Debugf("trap %s thread %d", trap.Kind, trap.TID)
	if trap.Kind == TrapExited {
		return p.handleExitLocked(trap, mode), false
	}
	p.updateThreadsLocked()
	p.clearStopsLocked()
	th := p.threadLocked(trap.TID)
	if th == nil {
		return stopOutcome{}, false
	}
	switch trap.Kind {
	case TrapStopped:
		return stopOutcome{interrupted: true}, false
	case TrapBreakpoint:
		return p.handleBreakpointLocked(th, mode)
	case TrapSignal:
		return p.handleSignalLocked(th, trap.Signal, mode)
	case TrapWatchpoint:
		return p.handleWatchpointLocked(th, trap.Addr, mode)
	case TrapException:
		th.stop = StopInfo{Reason: StopReasonException, Data: []uint64{trap.Addr}, Description: fmt.Sprintf("exception: invalid instruction at %#x", trap.Addr)}
		return p.abortOrCrashLocked(th, mode), false
	case TrapExec:
		p.execLocked()
		th.stop = StopInfo{Reason: StopReasonExec, Description: "exec"}
		out := stopOutcome{}
		if mode.exec != nil {
			out.evalReason, out.evalAborted = "exec", true
		}
		return out, false
	case TrapStep:
		th.stop = StopInfo{Reason: StopReasonPlanComplete, Description: stepPlanDescription}
	}
	return stopOutcome{}, false
}

func (p *Process) handleExitLocked(trap Trap, mode runMode) stopOutcome {
	p.exitStatus = trap.ExitStatus
	p.sites = make(map[uint64]*breakpointSite)
	p.watches = make(map[uint64]*Watchpoint)
	for _, ci := range p.calls {
		ci.exec.finish(ExecutionErrored, nil, ErrProcessExited{Pid: p.pid, Status: trap.ExitStatus})
	}
	p.calls = make(map[int]*callInjection)
	p.clearStopsLocked()
	out := stopOutcome{exited: true}
	if mode.exec != nil {
		out.evalReason, out.evalAborted = "process exited", true
	}
	return out
}

func (p *Process) handleBreakpointLocked(th *Thread, mode runMode) (stopOutcome, bool) {
	regs, err := p.inf.Registers(th.ID)
	if err != nil {
		p.log.Errorf("could not read registers of thread %d: %v", th.ID, err)
		return stopOutcome{}, false
	}
	pc := regs.PC
	if ci := p.calls[th.ID]; ci != nil && pc == ci.retAddr && regs.SP == ci.stackTop {
		return p.callReturnedLocked(ci, th, regs, mode)
	}
	if p.sites[pc] == nil {
		// a breakpoint instruction that is part of the program
		regs.PC += uint64(p.bi.Arch.InstrSize)
		if err := p.inf.SetRegisters(th.ID, regs); err != nil {
			p.log.Errorf("could not skip trap instruction: %v", err)
		}
		return p.handleSignalLocked(th, SIGTRAP, mode)
	}
	th.hitSite = pc
	if mode.exec != nil && mode.ignoreBreakpoints {
		return stopOutcome{}, true
	}

	var hits []*BreakpointLocation
	var condErr error
	for _, loc := range p.target.breakpoints.locationsAt(pc) {
		if cond := loc.Breakpoint.Condition(); cond != "" {
			ok, err := p.evalConditionLocked(th, cond)
			if err != nil {
				condErr = fmt.Errorf("error evaluating condition of breakpoint %d: %w", loc.Breakpoint.ID, err)
			} else if !ok {
				continue
			}
		}
		hits = append(hits, loc)
	}
	if len(hits) == 0 {
		return stopOutcome{}, true
	}
	p.target.breakpoints.recordHits(hits)
	data := make([]uint64, 0, 2*len(hits))
	for _, loc := range hits {
		data = append(data, uint64(loc.Breakpoint.ID), uint64(loc.ID))
	}
	th.stop = StopInfo{Reason: StopReasonBreakpoint, Data: data, Description: "breakpoint " + hits[0].String(), CondError: condErr}
	out := stopOutcome{}
	if mode.exec != nil {
		out.evalReason = th.stop.Description
	}
	return out, false
}

func (p *Process) handleWatchpointLocked(th *Thread, addr uint64, mode runMode) (stopOutcome, bool) {
	wp := p.watches[addr]
	if wp == nil || !wp.IsEnabled() || (mode.exec != nil && mode.ignoreBreakpoints) {
		return stopOutcome{}, true
	}
	p.target.breakpoints.recordWatchpointHit(wp)
	th.stop = StopInfo{Reason: StopReasonWatchpoint, Data: []uint64{uint64(wp.ID), addr}, Description: fmt.Sprintf("watchpoint %d", wp.ID)}
	out := stopOutcome{}
	if mode.exec != nil {
		out.evalReason = th.stop.Description
	}
	return out, false
}

func (p *Process) handleSignalLocked(th *Thread, sig int, mode runMode) (stopOutcome, bool) {
	signals := p.sess.signals
	d := signals.Disposition(sig)
	if !d.Stop {
		if d.Notify {
			p.bc.broadcast(Event{Type: EventSignalNotify, Process: &ProcessEventData{Pid: p.pid, State: p.state, Signal: sig}})
		}
		if d.Pass {
			p.pendingSignals[th.ID] = sig
		}
		return stopOutcome{}, true
	}
	th.stop = StopInfo{Reason: StopReasonSignal, Data: []uint64{uint64(sig)}, Description: "signal " + signals.Name(sig)}
	if d.Pass {
		p.pendingSignals[th.ID] = sig
	}
	if mode.exec != nil {
		if ci := p.callForExecLocked(mode.exec); ci != nil && ci.tid == th.ID {
			delete(p.pendingSignals, th.ID)
		}
		return p.abortOrCrashLocked(th, mode), false
	}
	if signals.IsFault(sig) && !p.inf.HasSignalHandler(sig) {
		return stopOutcome{crashed: true}, false
	}
	return stopOutcome{}, false
}

// abortOrCrashLocked unwinds the call of a synchronous evaluation after a
// fault, outside of evaluations the process is crashed.
func (p *Process) abortOrCrashLocked(th *Thread, mode runMode) stopOutcome {
	if mode.exec == nil {
		return stopOutcome{crashed: true}
	}
	if ci := p.callForExecLocked(mode.exec); ci != nil {
		p.abortCallLocked(ci)
	}
	return stopOutcome{evalReason: th.stop.Description, evalAborted: true}
}

func (p *Process) evalConditionLocked(th *Thread, cond string) (bool, error) {
	frames, err := p.threadStacktrace(p.bi, th, 1)
	if err != nil {
		return false, err
	}
	scope := &EvalScope{Frame: &frames[0], Mem: p.inf, BinInfo: p.bi, MaxStringLen: p.sess.cfg.maxStringLen()}
	ops, err := evalop.Compile(scope, cond, 0)
	if err != nil {
		return false, err
	}
	stack := newEvalStack(scope, ops)
	stack.run()
	v, err := stack.result()
	if err != nil {
		return false, err
	}
	if v.Type.Kind != symbols.Bool || v.Value == nil {
		return false, fmt.Errorf("condition expression not boolean")
	}
	return constant.BoolVal(v.Value), nil
}

// execLocked reloads the image after the inferior replaced it.
func (p *Process) execLocked() {
	for _, ci := range p.calls {
		ci.exec.finish(ExecutionErrored, nil, ExecutionInterruptedError{Reason: "exec"})
	}
	p.calls = make(map[int]*callInjection)
	p.sites = make(map[uint64]*breakpointSite)
	p.watches = make(map[uint64]*Watchpoint)
	img, err := p.sess.backend.Load(p.inf.Path())
	if err != nil {
		p.log.Errorf("could not load image after exec: %v", err)
		return
	}
	p.bi = NewBinaryInfo(img)
	p.target.setBinInfo(p.bi)
}

// SendAsyncInterrupt asks a running process to stop. The stop is reported
// by a state changed event with Interrupted set.
func (p *Process) SendAsyncInterrupt() error {
	p.mu.Lock()
	if p.state != StateRunning {
		defer p.mu.Unlock()
		return StateError{Op: "interrupt", State: p.state}
	}
	p.haltRequested = true
	p.mu.Unlock()
	return p.inf.RequestStop()
}

// Destroy kills the process and reclaims its resources. Any outstanding
// control operation is cancelled. Destroying a process that is already
// gone does nothing.
func (p *Process) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return nil
	}
	p.cancel()
	for _, ci := range p.calls {
		ci.exec.finish(ExecutionErrored, nil, ErrProcessDestroyed)
	}
	p.calls = make(map[int]*callInjection)
	if err := p.inf.Kill(); err != nil {
		p.log.Warnf("kill: %v", err)
	}
	// same convention as a process killed by the signal on its own
	p.exitStatus = 128 + SIGKILL
	p.clearStopsLocked()
	p.state = StateExited
	p.log.Debugf("destroyed")
	p.bc.broadcast(p.stateEventLocked(false))
	p.endControlLocked()
	p.releaseLocked()
	return nil
}

// Detach removes every breakpoint from the process and lets it run
// undebugged. Suspended calls are discarded first.
func (p *Process) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginControlLocked("detach", StateStopped, StateCrashed, StateConnected); err != nil {
		return err
	}
	for _, ci := range p.calls {
		p.abortCallLocked(ci)
		ci.exec.finish(ExecutionErrored, nil, ErrExecutionDiscarded)
	}
	p.clearSitesLocked()
	err := p.inf.Detach()
	p.clearStopsLocked()
	p.state = StateDetached
	p.bc.broadcast(p.stateEventLocked(false))
	p.endControlLocked()
	p.releaseLocked()
	return err
}

func (p *Process) stepInstruction(th *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.beginControlLocked("step", StateStopped); err != nil {
		return err
	}
	p.setStateLocked(StateRunning, false)
	out, err := p.stepLocked(th)
	if err != nil {
		p.log.Errorf("step: %v", err)
	}
	p.finishStopLocked(out)
	return err
}

func (p *Process) stepLocked(th *Thread) (stopOutcome, error) {
	p.syncSitesLocked()
	p.syncWatchpointsLocked()
	regs, err := p.inf.Registers(th.ID)
	if err != nil {
		return stopOutcome{}, err
	}
	site := p.sites[regs.PC]
	if site != nil {
		if _, err := p.inf.WriteMemory(site.addr, site.orig); err != nil {
			return stopOutcome{}, err
		}
	}
	sig := p.pendingSignals[th.ID]
	delete(p.pendingSignals, th.ID)
	trap, err := p.inf.SingleStep(th.ID, sig)
	if site != nil && trap.Kind != TrapExited && trap.Kind != TrapExec {
		p.inf.WriteMemory(site.addr, p.bi.Arch.BreakpointInstruction)
	}
	th.hitSite = 0
	if err != nil {
		return stopOutcome{}, err
	}
	out, _ := p.handleTrapLocked(trap, runMode{})
	return out, nil
}

func writeUint64(mem MemoryReadWriter, addr, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := mem.WriteMemory(addr, buf[:])
	return err
}
