package proc

import (
	"fmt"
	"strings"

	"github.com/go-delve/inferior/pkg/symbols"
)

// StopReason describes why a thread is stopped.
type StopReason uint8

const (
	StopReasonNone StopReason = iota
	StopReasonBreakpoint
	StopReasonSignal
	StopReasonPlanComplete
	StopReasonExec
	StopReasonWatchpoint
	StopReasonException
)

func (sr StopReason) String() string {
	switch sr {
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonSignal:
		return "signal"
	case StopReasonPlanComplete:
		return "plan complete"
	case StopReasonExec:
		return "exec"
	case StopReasonWatchpoint:
		return "watchpoint"
	case StopReasonException:
		return "exception"
	}
	return "none"
}

// Descriptions of PlanComplete stops.
const (
	expressionPlanDescription = "User Expression thread plan"
	stepPlanDescription       = "instruction step into"
)

// StopInfo is the stop reason of a thread and its data.
//
// The data depends on the reason:
//   - Breakpoint: pairs of breakpoint ID and location ID, one pair for every
//     location that was hit
//   - Signal: the signal number
//   - Watchpoint: the watchpoint ID and the written address
//   - Exception: the faulting address
type StopInfo struct {
	Reason      StopReason
	Data        []uint64
	Description string
	// Expression is the expression whose injected call completed, for
	// PlanComplete stops.
	Expression *ExpressionExecution
	// CondError is the error of a breakpoint condition that could not be
	// evaluated.
	CondError error
}

// Location represents the location of a thread.
// Holds information on the current instruction
// address, the source file:line, and the function.
type Location struct {
	PC   uint64
	File string
	Line int
	Fn   *symbols.Function
}

func (loc Location) String() string {
	fnname := "??"
	if loc.Fn != nil {
		fnname = loc.Fn.Name
	}
	if loc.File == "" {
		return fmt.Sprintf("%#x %s", loc.PC, fnname)
	}
	return fmt.Sprintf("%#x %s:%d %s", loc.PC, loc.File, loc.Line, fnname)
}

// Thread is a thread of a process. Threads refer to their process by its
// index in the session arena, a thread of a destroyed process answers
// every query with an error.
type Thread struct {
	ID int

	arena *processArena
	pidx  int

	// The following fields are protected by the mutex of the process.
	stop StopInfo
	// hitSite is the address of the breakpoint site whose trap instruction
	// this thread executed, the thread must step over it when resumed.
	hitSite uint64
}

// Process returns the process this thread belongs to or nil if the process
// was reclaimed.
func (t *Thread) Process() *Process {
	return t.arena.get(t.pidx)
}

func (t *Thread) liveProcess(op string) (*Process, error) {
	p := t.Process()
	if p == nil {
		return nil, StateError{Op: op, State: StateInvalid, Err: ErrNoProcess}
	}
	return p, nil
}

// StopInfo returns the stop reason of the thread, with its data.
func (t *Thread) StopInfo() StopInfo {
	p := t.Process()
	if p == nil {
		return StopInfo{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.stop
}

// StopReason returns the reason the thread stopped.
func (t *Thread) StopReason() StopReason {
	return t.StopInfo().Reason
}

// StopReasonDataCount returns the number of elements of the stop data.
func (t *Thread) StopReasonDataCount() int {
	return len(t.StopInfo().Data)
}

// StopReasonDataAtIndex returns the i-th element of the stop data or 0.
func (t *Thread) StopReasonDataAtIndex(i int) uint64 {
	si := t.StopInfo()
	if i < 0 || i >= len(si.Data) {
		return 0
	}
	return si.Data[i]
}

// StopDescription returns a one line description of the stop reason.
func (t *Thread) StopDescription() string {
	si := t.StopInfo()
	if si.Description != "" {
		return si.Description
	}
	return si.Reason.String()
}

// Registers returns the registers of the thread, the process must be
// stopped.
func (t *Thread) Registers() (Registers, error) {
	p, err := t.liveProcess("read registers")
	if err != nil {
		return Registers{}, err
	}
	if err := p.checkStopped("read registers"); err != nil {
		return Registers{}, err
	}
	return p.inf.Registers(t.ID)
}

// Location returns the current location of the thread.
func (t *Thread) Location() (*Location, error) {
	regs, err := t.Registers()
	if err != nil {
		return nil, err
	}
	bi := t.Process().BinInfo()
	file, line, fn := bi.PCToLine(regs.PC)
	return &Location{PC: regs.PC, File: file, Line: line, Fn: fn}, nil
}

// Stacktrace returns up to depth frames of the thread's stack, the
// innermost first.
func (t *Thread) Stacktrace(depth int) ([]Stackframe, error) {
	p, err := t.liveProcess("stacktrace")
	if err != nil {
		return nil, err
	}
	if err := p.checkStopped("stacktrace"); err != nil {
		return nil, err
	}
	return p.threadStacktrace(p.BinInfo(), t, depth)
}

// Frame returns the i-th frame of the thread's stack.
func (t *Thread) Frame(i int) (*Stackframe, error) {
	frames, err := t.Stacktrace(i + 1)
	if err != nil {
		return nil, err
	}
	if i >= len(frames) {
		return nil, fmt.Errorf("frame %d does not exist in thread %d", i, t.ID)
	}
	return &frames[i], nil
}

// StepInstruction executes a single instruction of this thread, all other
// threads stay stopped.
func (t *Thread) StepInstruction() error {
	p, err := t.liveProcess("step")
	if err != nil {
		return err
	}
	return p.stepInstruction(t)
}

func (t *Thread) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "thread %d", t.ID)
	if loc, err := t.Location(); err == nil {
		fmt.Fprintf(&buf, ": %s", loc)
	}
	si := t.StopInfo()
	if si.Reason != StopReasonNone {
		fmt.Fprintf(&buf, ", stop reason = %s", t.StopDescription())
	}
	return buf.String()
}
