package starbind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/go-delve/inferior/pkg/proc"
)

// Target is a target of the debugger session.
type Target struct {
	Index int
	Path  string
}

// State is the state of the process of the selected target.
type State struct {
	Pid   int
	State string
	// ExitStatus is valid when State is "exited".
	ExitStatus int
}

// Thread is a thread of the debugged process.
type Thread struct {
	ID          int
	StopReason  string
	StopData    []uint64
	Description string
	PC          uint64
	File        string
	Line        int
	Function    string
}

// Frame is a frame of a stack trace.
type Frame struct {
	Index     int
	PC        uint64
	File      string
	Line      int
	Function  string
	FrameBase uint64
}

// Breakpoint is a breakpoint of the selected target.
type Breakpoint struct {
	ID           int
	Kind         string
	NumLocations int
	HitCount     uint64
	Enabled      bool
	Condition    string
}

// Event is an event delivered to the debugger.
type Event struct {
	Type        string
	Broadcaster string

	// Process events.
	Pid         int
	State       string
	Interrupted bool
	ExitStatus  int
	Signal      int

	// Breakpoint events.
	BreakpointID   int
	BreakpointKind string
	NumLocations   int
}

// Result is the result of an expression evaluation.
type Result struct {
	Expr  string
	State string
	// Value is the rendered value, only set when State is "completed".
	Value string
	Type  string
	// Int is the value of integer and pointer results.
	Int   int64
	Error string
}

func convertState(p *proc.Process) State {
	s := State{Pid: p.Pid(), State: p.State().String()}
	if status, err := p.ExitStatus(); err == nil {
		s.ExitStatus = status
	}
	return s
}

func convertThread(th *proc.Thread) Thread {
	si := th.StopInfo()
	r := Thread{
		ID:         th.ID,
		StopReason: si.Reason.String(),
		StopData:   si.Data,
	}
	if si.Reason != proc.StopReasonNone {
		r.Description = th.StopDescription()
	}
	if loc, err := th.Location(); err == nil {
		r.PC, r.File, r.Line = loc.PC, loc.File, loc.Line
		if loc.Fn != nil {
			r.Function = loc.Fn.Name
		}
	}
	return r
}

func convertFrame(frame *proc.Stackframe) Frame {
	r := Frame{
		Index:     frame.Index,
		PC:        frame.Current.PC,
		File:      frame.Current.File,
		Line:      frame.Current.Line,
		FrameBase: frame.FrameBase,
	}
	if frame.Current.Fn != nil {
		r.Function = frame.Current.Fn.Name
	}
	return r
}

func convertBreakpoint(bp *proc.Breakpoint) Breakpoint {
	return Breakpoint{
		ID:           bp.ID,
		Kind:         bp.Kind.String(),
		NumLocations: bp.NumLocations(),
		HitCount:     bp.HitCount(),
		Enabled:      bp.IsEnabled(),
		Condition:    bp.Condition(),
	}
}

func convertEvent(ev proc.Event) Event {
	r := Event{Broadcaster: ev.Broadcaster}
	switch ev.Type {
	case proc.EventStateChanged:
		r.Type = "state-changed"
	case proc.EventSignalNotify:
		r.Type = "signal"
	case proc.EventBreakpointChanged:
		r.Type = "breakpoint-changed"
	}
	if ev.Process != nil {
		r.Pid = ev.Process.Pid
		r.State = ev.Process.State.String()
		r.Interrupted = ev.Process.Interrupted
		r.ExitStatus = ev.Process.ExitStatus
		r.Signal = ev.Process.Signal
	}
	if ev.Breakpoint != nil {
		r.BreakpointID = ev.Breakpoint.ID
		r.BreakpointKind = ev.Breakpoint.Kind.String()
		r.NumLocations = ev.Breakpoint.NumLocations
	}
	return r
}

func convertExecution(e *proc.ExpressionExecution) Result {
	r := Result{Expr: e.Expr, State: e.State().String()}
	v, err := e.Value()
	if err != nil {
		if e.State() != proc.ExecutionInterrupted {
			r.Error = err.Error()
		}
		return r
	}
	r.Value = v.SinglelineString()
	r.Type = v.TypeString()
	r.Int, _ = v.Int64()
	return r
}

// unmarshalArgs unmarshals the positional and keyword arguments of a
// builtin into dsts, names are the names of the arguments in order.
func unmarshalArgs(args starlark.Tuple, kwargs []starlark.Tuple, names []string, dsts ...interface{}) error {
	if len(args) > len(names) {
		return fmt.Errorf("too many arguments, expected at most %d", len(names))
	}
	for i := range args {
		if args[i] == starlark.None {
			continue
		}
		if err := unmarshalStarlarkValue(args[i], dsts[i], names[i]); err != nil {
			return err
		}
	}
	for _, kv := range kwargs {
		name, _ := kv[0].(starlark.String)
		found := false
		for i := range names {
			if names[i] == string(name) {
				if err := unmarshalStarlarkValue(kv[1], dsts[i], names[i]); err != nil {
					return err
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown argument %q", kv[0])
		}
	}
	return nil
}

type builtinFn func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (env *Env) starlarkPredeclare() (starlark.StringDict, map[string]string) {
	r := starlark.StringDict{}
	doc := make(map[string]string)

	add := func(name, argdoc, help string, fn builtinFn) {
		r[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := isCancelled(thread); err != nil {
				return starlark.None, decorateError(thread, err)
			}
			v, err := fn(thread, args, kwargs)
			if err != nil {
				return starlark.None, decorateError(thread, err)
			}
			return v, nil
		})
		doc[name] = "builtin " + name + argdoc + "\n\n" + help
	}

	add("create_target", "(Path)", "create_target creates a target for the image at Path and selects it.\nAn empty Path creates a target without an image.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := unmarshalArgs(args, kwargs, []string{"Path"}, &path); err != nil {
			return nil, err
		}
		d := env.ctx.Debugger()
		t, err := d.CreateTarget(path)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(Target{Index: len(d.Targets()) - 1, Path: t.Path()}), nil
	})

	add("launch", "(Args, StopAtEntry)", "launch starts the image of the selected target.\nUnless StopAtEntry is set launch waits for the process to stop.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var argv []string
		var stopAtEntry bool
		if err := unmarshalArgs(args, kwargs, []string{"Args", "StopAtEntry"}, &argv, &stopAtEntry); err != nil {
			return nil, err
		}
		p, err := env.ctx.Debugger().Launch(argv, stopAtEntry)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertState(p)), nil
	})

	add("attach", "(Pid, Name, WaitFor)", "attach attaches to the process Pid or, if Pid is zero, to the process\nrunning the image called Name. With WaitFor set it waits for the\nprocess to start.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pid int
		var name string
		var waitFor bool
		if err := unmarshalArgs(args, kwargs, []string{"Pid", "Name", "WaitFor"}, &pid, &name, &waitFor); err != nil {
			return nil, err
		}
		d := env.ctx.Debugger()
		var p *proc.Process
		var err error
		if pid != 0 {
			p, err = d.Attach(pid)
		} else {
			ctx, cancel := context.WithTimeout(threadContext(thread), d.WaitTimeout())
			defer cancel()
			p, err = d.AttachByName(ctx, name, waitFor)
		}
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertState(p)), nil
	})

	breakAt := func(locstr, cond string) (starlark.Value, error) {
		bp, err := env.ctx.Debugger().CreateBreakpoint(locstr, cond)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertBreakpoint(bp)), nil
	}

	add("break_line", "(File, Line, Cond)", "break_line sets a breakpoint at File:Line.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var file, cond string
		var line int
		if err := unmarshalArgs(args, kwargs, []string{"File", "Line", "Cond"}, &file, &line, &cond); err != nil {
			return nil, err
		}
		return breakAt(fmt.Sprintf("%s:%d", file, line), cond)
	})

	add("break_regex", "(Regex, Cond)", "break_regex sets a breakpoint on every source line matching Regex.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var re, cond string
		if err := unmarshalArgs(args, kwargs, []string{"Regex", "Cond"}, &re, &cond); err != nil {
			return nil, err
		}
		return breakAt("/"+strings.ReplaceAll(re, "/", `\/`)+"/", cond)
	})

	add("break_address", "(Addr, Cond)", "break_address sets a breakpoint at the address Addr.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addr uint64
		var cond string
		if err := unmarshalArgs(args, kwargs, []string{"Addr", "Cond"}, &addr, &cond); err != nil {
			return nil, err
		}
		return breakAt(fmt.Sprintf("*%#x", addr), cond)
	})

	add("break_name", "(Name, Cond)", "break_name sets a breakpoint after the prologue of the function Name.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, cond string
		if err := unmarshalArgs(args, kwargs, []string{"Name", "Cond"}, &name, &cond); err != nil {
			return nil, err
		}
		return breakAt(name, cond)
	})

	add("breakpoints", "()", "breakpoints returns the breakpoints of the selected target.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		bps := env.ctx.Debugger().Breakpoints()
		r := make([]Breakpoint, len(bps))
		for i := range bps {
			r[i] = convertBreakpoint(bps[i])
		}
		return env.interfaceToStarlarkValue(r), nil
	})

	add("cont", "(Wait)", "cont resumes the process. Unless Wait is False it waits for the\nprocess to stop and returns its state.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		wait := true
		if err := unmarshalArgs(args, kwargs, []string{"Wait"}, &wait); err != nil {
			return nil, err
		}
		d := env.ctx.Debugger()
		if wait {
			if _, err := d.Continue(); err != nil {
				return nil, err
			}
		} else {
			p, err := d.Process()
			if err != nil {
				return nil, err
			}
			if err := p.Continue(); err != nil {
				return nil, err
			}
		}
		p, err := d.Process()
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertState(p)), nil
	})

	add("interrupt", "(Wait)", "interrupt stops the running process. Unless Wait is False it waits\nfor the process to stop and returns its state.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		wait := true
		if err := unmarshalArgs(args, kwargs, []string{"Wait"}, &wait); err != nil {
			return nil, err
		}
		d := env.ctx.Debugger()
		if wait {
			if _, err := d.Halt(); err != nil {
				return nil, err
			}
		} else {
			p, err := d.Process()
			if err != nil {
				return nil, err
			}
			if err := p.SendAsyncInterrupt(); err != nil {
				return nil, err
			}
		}
		p, err := d.Process()
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertState(p)), nil
	})

	add("wait_event", "(Timeout)", "wait_event returns the next event, waiting at most Timeout seconds.\nIt returns None if no event arrived in time.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var timeout float64
		if err := unmarshalArgs(args, kwargs, []string{"Timeout"}, &timeout); err != nil {
			return nil, err
		}
		ev, ok := env.ctx.Debugger().Listener().WaitForEvent(time.Duration(timeout * float64(time.Second)))
		if !ok {
			return starlark.None, nil
		}
		return env.interfaceToStarlarkValue(convertEvent(ev)), nil
	})

	add("step_instruction", "()", "step_instruction executes one instruction of the selected thread.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		th, err := env.ctx.Debugger().StepInstruction()
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertThread(th)), nil
	})

	add("threads", "()", "threads returns the threads of the process.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ths, err := env.ctx.Debugger().Threads()
		if err != nil {
			return nil, err
		}
		r := make([]Thread, len(ths))
		for i := range ths {
			r[i] = convertThread(ths[i])
		}
		return env.interfaceToStarlarkValue(r), nil
	})

	add("stacktrace", "(Depth)", "stacktrace returns at most Depth frames of the selected thread.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		depth := 20
		if err := unmarshalArgs(args, kwargs, []string{"Depth"}, &depth); err != nil {
			return nil, err
		}
		frames, err := env.ctx.Debugger().Stacktrace(depth)
		if err != nil {
			return nil, err
		}
		r := make([]Frame, len(frames))
		for i := range frames {
			r[i] = convertFrame(&frames[i])
		}
		return env.interfaceToStarlarkValue(r), nil
	})

	add("eval", "(Expr, IgnoreBreakpoints, Timeout)", "eval evaluates Expr in the selected frame. Function calls run at most\nTimeout seconds, zero means the configured timeout. With\nIgnoreBreakpoints set to False a call stops at breakpoints and the\nresult has state \"interrupted\".", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var expr string
		ignoreBreakpoints := true
		var timeout float64
		if err := unmarshalArgs(args, kwargs, []string{"Expr", "IgnoreBreakpoints", "Timeout"}, &expr, &ignoreBreakpoints, &timeout); err != nil {
			return nil, err
		}
		e, err := env.ctx.Debugger().Evaluate(expr, proc.EvalOptions{
			IgnoreBreakpoints: ignoreBreakpoints,
			Timeout:           time.Duration(timeout * float64(time.Second)),
		})
		if err != nil && e == nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertExecution(e)), nil
	})

	add("state", "()", "state returns the state of the process of the selected target.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		p, err := env.ctx.Debugger().Process()
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(convertState(p)), nil
	})

	add("destroy", "()", "destroy kills the process of the selected target.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		err := env.ctx.Debugger().Kill()
		if errors.Is(err, proc.ErrNoProcess) {
			err = nil
		}
		return starlark.None, err
	})

	add("signal_number", "(Name)", "signal_number returns the number of the signal called Name.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := unmarshalArgs(args, kwargs, []string{"Name"}, &name); err != nil {
			return nil, err
		}
		n, err := env.ctx.Debugger().Session().Signals().NumberFromName(name)
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt(n), nil
	})

	return r, doc
}
