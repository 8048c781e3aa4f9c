package proc

import (
	"context"
	"io"

	"github.com/go-delve/inferior/pkg/symbols"
)

// Backend is the interface to the operating system primitives the
// debugger needs: loading images, spawning and attaching to processes and
// finding processes by name.
type Backend interface {
	// Load reads the symbol and type information of the image at path.
	Load(path string) (*symbols.Image, error)
	// Launch starts a new process running the image at path. The process
	// is returned stopped at its entry point.
	Launch(path string, cfg LaunchConfig) (Inferior, error)
	// Attach stops the process pid and returns it.
	Attach(pid int) (Inferior, error)
	// FindProcesses returns the pids of the processes whose image has the
	// given base name.
	FindProcesses(name string) []int
	// WaitForProcess blocks until a process with the given image name is
	// started and returns its pid.
	WaitForProcess(ctx context.Context, name string) (int, error)
}

// Inferior is a live process controlled through a Backend.
//
// Every Resume produces exactly one Trap, returned by the following call to
// Wait. Registers and memory may only be accessed while the inferior is
// stopped.
type Inferior interface {
	Pid() int
	// Path returns the path of the image currently executing, it changes
	// after an exec.
	Path() string
	ThreadIDs() []int

	Registers(tid int) (Registers, error)
	SetRegisters(tid int, regs Registers) error
	ReadMemory(buf []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)

	// Resume resumes all threads. Signals maps thread ids to the signal
	// that must be delivered to them when they resume.
	Resume(signals map[int]int) error
	// SingleStep executes one instruction of thread tid, all other threads
	// stay stopped.
	SingleStep(tid int, sig int) (Trap, error)
	// Wait waits for the trap following the last call to Resume.
	Wait(ctx context.Context) (Trap, error)
	// RequestStop asks a running inferior to stop, the stop is reported as
	// a TrapStopped. It does nothing if the inferior is not running.
	RequestStop() error

	SetWatchpoint(addr uint64, size int) error
	ClearWatchpoint(addr uint64) error
	// HasSignalHandler returns true if the inferior installed a handler
	// for sig.
	HasSignalHandler(sig int) bool

	Kill() error
	Detach() error
}

// TrapKind is the kind of event that stopped an inferior.
type TrapKind uint8

const (
	TrapNone       TrapKind = iota
	TrapBreakpoint          // a breakpoint instruction was executed, PC points to it
	TrapSignal              // a signal was received
	TrapStopped             // stopped by RequestStop
	TrapStep                // single step completed
	TrapWatchpoint          // a watched address was written
	TrapException           // the thread executed an invalid instruction
	TrapExec                // the process replaced its image
	TrapExited              // the process exited
)

func (k TrapKind) String() string {
	switch k {
	case TrapBreakpoint:
		return "breakpoint"
	case TrapSignal:
		return "signal"
	case TrapStopped:
		return "stopped"
	case TrapStep:
		return "step"
	case TrapWatchpoint:
		return "watchpoint"
	case TrapException:
		return "exception"
	case TrapExec:
		return "exec"
	case TrapExited:
		return "exited"
	}
	return "none"
}

// Trap describes why an inferior stopped.
type Trap struct {
	Kind TrapKind
	// TID is the thread that caused the stop.
	TID    int
	Signal int
	// Addr is the written address for TrapWatchpoint and the faulting
	// address for TrapException.
	Addr       uint64
	ExitStatus int
}

// LaunchConfig describes how a process is started.
type LaunchConfig struct {
	// Args are the command line arguments, not including the program name.
	Args []string
	// Env are the environment strings, in the form key=value, passed to
	// main after argc and argv.
	Env []string
	// Redirect paths. An empty Stdout or Stderr inherits the output of
	// the debugger, an empty Stdin reads from the input of the backend.
	Stdin, Stdout, Stderr string
	// StdoutWriter and StderrWriter, if set, receive the output of the
	// process, they take precedence over Stdout and Stderr.
	StdoutWriter, StderrWriter io.Writer
	// StopAtEntry leaves the process stopped before its first instruction.
	StopAtEntry bool
}
