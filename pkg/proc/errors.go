package proc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrControlInProgress is returned when a control operation is requested
	// while another one is still outstanding on the same process.
	ErrControlInProgress = errors.New("another control operation is in progress")
	// ErrProcessDestroyed is returned by operations that were cancelled
	// because the process was destroyed.
	ErrProcessDestroyed = errors.New("process destroyed")
	// ErrNoProcess is returned by operations that need a live process.
	ErrNoProcess = errors.New("no process")
	// ErrExecutionDiscarded is the error of an expression execution that
	// was discarded before its call completed.
	ErrExecutionDiscarded = errors.New("expression execution discarded")
	// ErrCallInProgress is returned when a thread already has an injected
	// call that has not completed.
	ErrCallInProgress = errors.New("thread has a suspended function call")
)

// StateError is returned when an operation is not valid in the current
// state of the process.
type StateError struct {
	Op    string
	State ProcessState
	Err   error
}

func (e StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not %s: %v (process is %s)", e.Op, e.Err, e.State)
	}
	return fmt.Sprintf("could not %s while the process is %s", e.Op, e.State)
}

func (e StateError) Unwrap() error { return e.Err }

// ResolutionError is returned when a breakpoint resolves to a number of
// locations different from what the caller expected.
type ResolutionError struct {
	Spec     string
	Expected int // negative means at least one
	Got      int
}

func (e ResolutionError) Error() string {
	if e.Expected < 0 {
		return fmt.Sprintf("breakpoint %s resolved to %d locations, expected at least one", e.Spec, e.Got)
	}
	return fmt.Sprintf("breakpoint %s resolved to %d locations, expected %d", e.Spec, e.Got, e.Expected)
}

// LaunchError is returned when the executable can not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e LaunchError) Error() string {
	return fmt.Sprintf("could not launch process %s: %v", e.Path, e.Err)
}

func (e LaunchError) Unwrap() error { return e.Err }

// AttachReason classifies an AttachError.
type AttachReason uint8

const (
	AttachFailed AttachReason = iota
	AttachNotFound
	AttachAmbiguous
	AttachInvalidName
)

// AttachError is returned when attaching to a process fails.
type AttachError struct {
	Pid    int
	Name   string
	Reason AttachReason
	Err    error
}

func (e AttachError) Error() string {
	switch e.Reason {
	case AttachNotFound:
		if e.Name != "" {
			return fmt.Sprintf("could not attach to process named %q: no such process", e.Name)
		}
		return fmt.Sprintf("could not attach to pid %d: no such process", e.Pid)
	case AttachAmbiguous:
		return fmt.Sprintf("could not attach to process named %q: more than one process matches", e.Name)
	case AttachInvalidName:
		return "could not attach: empty process name"
	}
	if e.Name != "" {
		return fmt.Sprintf("could not attach to process named %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("could not attach to pid %d: %v", e.Pid, e.Err)
}

func (e AttachError) Unwrap() error { return e.Err }

// CompileError is returned when an expression can not be parsed or type
// checked.
type CompileError struct {
	Expr string
	Err  error
}

func (e CompileError) Error() string {
	return fmt.Sprintf("error compiling expression %q: %v", e.Expr, e.Err)
}

func (e CompileError) Unwrap() error { return e.Err }

// ExecutionInterruptedError is returned when an injected function call
// stops before returning.
type ExecutionInterruptedError struct {
	Reason string
}

func (e ExecutionInterruptedError) Error() string {
	return fmt.Sprintf("Execution was interrupted, reason: %s.", e.Reason)
}

// TimeoutError is returned when an injected call does not complete within
// the evaluation timeout.
type TimeoutError struct {
	Expr    string
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("expression %q timed out after %v", e.Expr, e.Timeout)
}

// NoFrameError is returned when an expression is evaluated without a valid
// stopped frame.
type NoFrameError struct {
	Reason string
}

func (e NoFrameError) Error() string {
	return "no valid stopped frame: " + e.Reason
}

// SignalError is returned for unknown signal names or numbers.
type SignalError struct {
	Name string
}

func (e SignalError) Error() string {
	return fmt.Sprintf("unknown signal %q", e.Name)
}

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an invalid address.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("Invalid address %#v", iae.Address)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
