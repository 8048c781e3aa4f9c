package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc/evalop"
	"github.com/go-delve/inferior/pkg/symbols"
)

// This file implements the function call injection used to evaluate
// expressions that call functions of the inferior.
//
// The call is set up on the thread selected for the evaluation:
//  1. the registers of the thread are saved
//  2. SP is moved below the red zone and, for functions returning a
//     struct, a return slot is reserved on the stack and its address
//     passed in the struct return register
//  3. the arguments are loaded in the argument registers
//  4. the entry point of the image is pushed as the return address, a
//     breakpoint site at that address traps the return
//  5. PC is moved to the entry of the function and the process resumed
//
// When the thread traps at the return address with the stack pointer
// where it was left by the call, the return value is read, the saved
// registers are restored and the expression program continues.

// ExecutionState is the state of an ExpressionExecution.
type ExecutionState uint8

const (
	ExecutionRunning ExecutionState = iota
	// ExecutionInterrupted means the injected call stopped before
	// returning, it can be resumed by continuing the process or
	// discarded.
	ExecutionInterrupted
	ExecutionCompleted
	ExecutionTimedOut
	ExecutionErrored
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionRunning:
		return "running"
	case ExecutionInterrupted:
		return "interrupted"
	case ExecutionCompleted:
		return "completed"
	case ExecutionTimedOut:
		return "timed out"
	case ExecutionErrored:
		return "errored"
	}
	return "unknown"
}

// EvalOptions are the options of Evaluate.
type EvalOptions struct {
	// IgnoreBreakpoints lets an injected call run through breakpoints
	// without stopping.
	IgnoreBreakpoints bool
	// Timeout bounds the execution of an injected call, zero means the
	// session default.
	Timeout time.Duration
}

// ExpressionExecution is an expression evaluation. Evaluations that do not
// call functions complete immediately, evaluations with a call can be
// interrupted and completed later.
type ExpressionExecution struct {
	Expr              string
	ThreadID          int
	IgnoreBreakpoints bool

	proc *Process

	mu    sync.Mutex
	state ExecutionState
	value *Variable
	err   error
}

// State returns the state of the execution.
func (e *ExpressionExecution) State() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Value returns the result of a completed execution.
func (e *ExpressionExecution) Value() (*Variable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case ExecutionCompleted:
		return e.value, nil
	case ExecutionRunning, ExecutionInterrupted:
		if e.err != nil {
			return nil, e.err
		}
		return nil, fmt.Errorf("expression %q is %s", e.Expr, e.state)
	}
	return nil, e.err
}

// Err returns the error of the execution.
func (e *ExpressionExecution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// ResultString formats the result the way the command line shows it.
func (e *ExpressionExecution) ResultString() string {
	v, err := e.Value()
	if err != nil {
		return "error: " + err.Error()
	}
	return v.ResultString()
}

func (e *ExpressionExecution) finish(state ExecutionState, v *Variable, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ExecutionRunning && e.state != ExecutionInterrupted {
		return
	}
	e.state, e.value, e.err = state, v, err
}

func (e *ExpressionExecution) interrupt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = ExecutionInterrupted
	e.err = ExecutionInterruptedError{Reason: reason}
}

// Discard abandons an interrupted execution, the injected call is unwound
// and the registers of its thread restored. Discarding an execution that
// is not interrupted does nothing.
func (e *ExpressionExecution) Discard() error {
	if e.State() != ExecutionInterrupted {
		return nil
	}
	p := e.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		e.finish(ExecutionErrored, nil, ErrExecutionDiscarded)
		return nil
	}
	if err := p.beginControlLocked("discard expression", StateStopped, StateCrashed); err != nil {
		return err
	}
	defer p.endControlLocked()
	if ci := p.callForExecLocked(e); ci != nil {
		p.abortCallLocked(ci)
	}
	e.finish(ExecutionErrored, nil, ErrExecutionDiscarded)
	return nil
}

// callInjection is a function call injected into a thread.
type callInjection struct {
	exec *ExpressionExecution
	tid  int

	savedRegs Registers
	// retAddr is the return address pushed by the injection, stackTop
	// the value of SP after the function returns to it.
	retAddr  uint64
	stackTop uint64
	// retSlot is the address of the struct return slot.
	retSlot uint64
	// hitSite is the breakpoint site the thread was stopped at before the
	// call, restored with the registers.
	hitSite uint64

	fn    *symbols.Function
	stack *evalStack
}

func (p *Process) callForExecLocked(e *ExpressionExecution) *callInjection {
	for _, ci := range p.calls {
		if ci.exec == e {
			return ci
		}
	}
	return nil
}

// Evaluate evaluates expr in the given frame. A nil frame means the
// innermost frame of the selected thread.
//
// Expressions that call functions are only allowed when the process is
// stopped (not crashed), the call runs synchronously: Evaluate returns
// when it completes, times out or is interrupted. An interrupted call
// stays suspended on its thread; continuing the process completes it and
// the thread stops with a PlanComplete stop reason.
func (p *Process) Evaluate(frame *Stackframe, expr string, opts EvalOptions) (*ExpressionExecution, error) {
	p.mu.Lock()
	state, bi := p.state, p.bi
	p.mu.Unlock()
	if !state.IsStopped() {
		return nil, NoFrameError{Reason: "process is " + state.String()}
	}
	if frame == nil {
		th := p.SelectedThread()
		if th == nil {
			return nil, NoFrameError{Reason: "no thread selected"}
		}
		f, err := th.Frame(0)
		if err != nil {
			return nil, NoFrameError{Reason: err.Error()}
		}
		frame = f
	}
	if frame.thread == nil || frame.thread.Process() != p {
		return nil, NoFrameError{Reason: "frame does not belong to this process"}
	}

	scope := &EvalScope{Frame: frame, Mem: p.inf, BinInfo: bi, MaxStringLen: p.sess.cfg.maxStringLen()}
	flags := evalop.CanSet
	if state == StateStopped {
		flags |= evalop.AllowCalls
	}
	ops, err := evalop.Compile(scope, expr, flags)
	if err != nil {
		return nil, CompileError{Expr: expr, Err: err}
	}
	if logflags.FnCall() {
		logflags.FnCallLogger().Debugf("compiled %q:\n%s", expr, evalop.Listing(nil, ops))
	}

	e := &ExpressionExecution{Expr: expr, ThreadID: frame.thread.ID, IgnoreBreakpoints: opts.IgnoreBreakpoints, proc: p}
	stack := newEvalStack(scope, ops)
	stack.run()
	if !stack.suspended() {
		v, err := stack.result()
		if err != nil {
			e.finish(ExecutionErrored, nil, err)
			return e, err
		}
		e.finish(ExecutionCompleted, p.sess.nameResult(v), nil)
		return e, nil
	}
	return e, p.evalWithCalls(e, frame.thread, stack, opts)
}

func (p *Process) evalWithCalls(e *ExpressionExecution, th *Thread, stack *evalStack, opts EvalOptions) error {
	fail := func(err error) error {
		e.finish(ExecutionErrored, nil, err)
		return err
	}

	p.mu.Lock()
	if err := p.beginControlLocked("evaluate", StateStopped); err != nil {
		p.mu.Unlock()
		return fail(err)
	}
	if p.calls[th.ID] != nil {
		p.endControlLocked()
		state := p.state
		p.mu.Unlock()
		return fail(StateError{Op: "evaluate", State: state, Err: ErrCallInProgress})
	}
	saved := p.saveStopsLocked()
	if err := p.injectCallLocked(th, e, stack); err != nil {
		p.endControlLocked()
		p.mu.Unlock()
		return fail(err)
	}
	p.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.sess.cfg.evalTimeout()
	}
	mode := runMode{exec: e, ignoreBreakpoints: opts.IgnoreBreakpoints}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	out, err := p.continueUntilStop(ctx, mode)
	cancel()
	timedOut := false
	if err != nil && errors.Is(err, context.DeadlineExceeded) && p.ctx.Err() == nil {
		p.log.Debugf("call %q timed out after %v", e.Expr, timeout)
		timedOut = true
		out, err = p.haltAfterTimeout(mode)
	}
	if err != nil {
		if p.ctx.Err() != nil || errors.Is(err, ErrProcessDestroyed) {
			return fail(ErrProcessDestroyed)
		}
		p.mu.Lock()
		if ci := p.callForExecLocked(e); ci != nil {
			p.abortCallLocked(ci)
		}
		p.restoreStopsLocked(saved)
		p.endControlLocked()
		p.mu.Unlock()
		return fail(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case out.callDone:
		p.restoreStopsLocked(saved)
		p.endControlLocked()
		return e.Err()
	case out.exited:
		p.finishStopLocked(out)
		e.finish(ExecutionErrored, nil, ExecutionInterruptedError{Reason: out.evalReason})
		return e.Err()
	case out.evalReason != "" && !out.evalAborted:
		e.interrupt(out.evalReason)
		p.finishStopLocked(out)
		return e.Err()
	case timedOut:
		if ci := p.callForExecLocked(e); ci != nil {
			p.abortCallLocked(ci)
		}
		p.restoreStopsLocked(saved)
		p.endControlLocked()
		e.finish(ExecutionTimedOut, nil, TimeoutError{Expr: e.Expr, Timeout: timeout})
		return e.Err()
	}
	if ci := p.callForExecLocked(e); ci != nil {
		p.abortCallLocked(ci)
	}
	reason := out.evalReason
	if reason == "" {
		reason = "stopped"
	}
	e.finish(ExecutionErrored, nil, ExecutionInterruptedError{Reason: reason})
	p.finishStopLocked(out)
	return e.Err()
}

// haltAfterTimeout stops the inferior after the deadline of a call
// expired and handles the resulting trap. The trap may be unrelated to
// the stop request if the inferior stopped on its own at the same time.
func (p *Process) haltAfterTimeout(mode runMode) (stopOutcome, error) {
	if err := p.inf.RequestStop(); err != nil {
		return stopOutcome{}, err
	}
	trap, err := p.inf.Wait(p.ctx)
	if err != nil {
		return stopOutcome{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return stopOutcome{}, ErrProcessDestroyed
	}
	mode.ignoreBreakpoints = true
	out, _ := p.handleTrapLocked(trap, mode)
	return out, nil
}

func (p *Process) injectCallLocked(th *Thread, e *ExpressionExecution, stack *evalStack) error {
	fn := stack.call.Fn
	arch := p.bi.Arch
	if len(stack.callArgs) > arch.ArgRegs || len(stack.callArgs) > NumGPR {
		return fmt.Errorf("too many arguments in call to %s", fn.Name)
	}
	regs, err := p.inf.Registers(th.ID)
	if err != nil {
		return err
	}
	ci := &callInjection{exec: e, tid: th.ID, savedRegs: regs, hitSite: th.hitSite, fn: fn, stack: stack, retAddr: p.bi.Image.Entry}

	sp := (regs.SP - arch.RedZone) &^ 7
	if fn.Ret != nil && fn.Ret.Kind == symbols.Struct {
		sp -= uint64(fn.Ret.Size+7) &^ 7
		ci.retSlot = sp
		regs.GPR[SretReg] = sp
	}
	for i, arg := range stack.callArgs {
		n, ok := arg.Int64()
		if !ok {
			return fmt.Errorf("can not pass %s as argument %d of %s", arg.TypeString(), i, fn.Name)
		}
		regs.GPR[i] = uint64(n)
	}
	sp -= 8
	if err := writeUint64(p.inf, sp, ci.retAddr); err != nil {
		return err
	}
	ci.stackTop = sp + 8
	regs.SP = sp
	regs.PC = fn.Entry
	if err := p.inf.SetRegisters(th.ID, regs); err != nil {
		return err
	}
	p.log.Debugf("injected call to %s on thread %d sp=%#x", fn.Name, th.ID, sp)
	p.calls[th.ID] = ci
	th.hitSite = 0
	return nil
}

// callReturnedLocked handles the return of an injected call: the return
// value is passed to the expression program which may need another call.
func (p *Process) callReturnedLocked(ci *callInjection, th *Thread, regs Registers, mode runMode) (stopOutcome, bool) {
	ret := p.returnValueLocked(ci, regs)
	delete(p.calls, th.ID)
	th.hitSite = ci.hitSite
	if err := p.inf.SetRegisters(th.ID, ci.savedRegs); err != nil {
		ci.stack.err = err
	}
	if ci.stack.err == nil {
		ci.stack.resume(ret)
	}
	if ci.stack.suspended() {
		err := p.injectCallLocked(th, ci.exec, ci.stack)
		if err == nil {
			return stopOutcome{}, true
		}
		ci.stack.err = err
	}

	v, err := ci.stack.result()
	if err != nil {
		ci.exec.finish(ExecutionErrored, nil, err)
	} else {
		ci.exec.finish(ExecutionCompleted, p.sess.nameResult(v), nil)
	}
	if mode.exec == ci.exec {
		return stopOutcome{callDone: true}, false
	}
	th.stop = StopInfo{Reason: StopReasonPlanComplete, Description: expressionPlanDescription, Expression: ci.exec}
	return stopOutcome{}, false
}

func (p *Process) returnValueLocked(ci *callInjection, regs Registers) *Variable {
	maxlen := p.sess.cfg.maxStringLen()
	ret := ci.fn.Ret
	switch {
	case ret == nil || ret.Kind == symbols.Void:
		return &Variable{Type: symbols.VoidType, mem: p.inf}
	case ret.Kind == symbols.Struct:
		v := newVariable("", ci.retSlot, ret, p.inf, maxlen)
		v.detach()
		return v
	}
	return newRegisterVariable("", regs.GPR[0], ret, p.inf, maxlen)
}

// abortCallLocked unwinds an injected call, restoring the registers of
// its thread.
func (p *Process) abortCallLocked(ci *callInjection) {
	if err := p.inf.SetRegisters(ci.tid, ci.savedRegs); err != nil {
		p.log.Warnf("could not restore registers of thread %d: %v", ci.tid, err)
	}
	delete(p.calls, ci.tid)
	if th := p.threadLocked(ci.tid); th != nil {
		th.hitSite = ci.hitSite
	}
	p.log.Debugf("aborted call to %s on thread %d", ci.fn.Name, ci.tid)
}
