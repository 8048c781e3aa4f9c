package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/inferior/pkg/config"
	"github.com/go-delve/inferior/pkg/locspec"
	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc"
	"github.com/go-delve/inferior/pkg/proc/vm"
)

// Debugger service.
//
// Debugger provides a higher level of
// abstraction over proc.Session.
// It keeps track of the selected target, thread
// and frame, applies the user configuration and
// offers synchronous versions of the control
// operations that wait for the process to stop.
type Debugger struct {
	config *Config
	sess   *proc.Session
	log    logflags.Logger

	// listener receives the events of every process started by the
	// debugger.
	listener *proc.Listener

	targetMutex sync.Mutex
	target      *proc.Target
	frame       int
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// Backend runs the inferior processes, nil means a new simulated
	// host.
	Backend proc.Backend

	// Conf is the user configuration, nil means the defaults.
	Conf *config.Config

	// Stdout and Stderr receive the output of launched processes, nil
	// means the output of the debugger.
	Stdout, Stderr io.Writer

	// Env is the environment of launched processes.
	Env []string
}

var (
	// ErrNoTarget is returned by operations that need a target when none
	// was created.
	ErrNoTarget = errors.New("no target, create one with exec or attach")
	// ErrNoThread is returned when the selected process has no threads.
	ErrNoThread = errors.New("no thread selected")
)

// New creates a new Debugger.
func New(config *Config) (*Debugger, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Backend == nil {
		config.Backend = vm.NewHost()
	}
	d := &Debugger{
		config:   config,
		log:      logflags.DebuggerLogger(),
		listener: proc.NewListener("debugger"),
	}
	d.sess = proc.NewSession(config.Backend, proc.SessionConfig{
		EvalTimeout:  config.Conf.GetEvalTimeout(),
		MaxStringLen: config.Conf.GetMaxStringLen(),
	})
	if err := d.applySignals(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Debugger) applySignals() error {
	if d.config.Conf == nil {
		return nil
	}
	names := make([]string, 0, len(d.config.Conf.Signals))
	for name := range d.config.Conf.Signals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := d.config.Conf.Signals[name]
		if _, err := d.HandleSignal(name, h.Stop, h.Pass, h.Notify); err != nil {
			return fmt.Errorf("invalid signal configuration: %w", err)
		}
	}
	return nil
}

// Session returns the session of the debugger.
func (d *Debugger) Session() *proc.Session {
	return d.sess
}

// Listener returns the listener subscribed to the events of every process
// started by the debugger.
func (d *Debugger) Listener() *proc.Listener {
	return d.listener
}

// Events returns the events queued on the debugger listener, without
// waiting.
func (d *Debugger) Events() []proc.Event {
	var r []proc.Event
	for {
		ev, ok := d.listener.WaitForEvent(0)
		if !ok {
			return r
		}
		r = append(r, ev)
	}
}

// WaitTimeout returns how long synchronous operations wait for the
// process to stop.
func (d *Debugger) WaitTimeout() time.Duration {
	return d.config.Conf.GetWaitTimeout()
}

// Destroy kills every process started by the debugger.
func (d *Debugger) Destroy() {
	d.sess.Destroy()
	d.listener.Close()
}

// FindImage returns the absolute path of the image called name. Names
// that are not found as given are looked up in the image search path,
// with and without the .s extension.
func (d *Debugger) FindImage(name string) (string, error) {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = append(candidates, name+".s")
	}
	dirs := []string{""}
	if d.config.Conf != nil {
		dirs = append(dirs, d.config.Conf.ImageSearchPath...)
	}
	for _, dir := range dirs {
		for _, c := range candidates {
			path := c
			if dir != "" {
				if filepath.IsAbs(c) {
					continue
				}
				path = filepath.Join(dir, c)
			}
			if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
				return filepath.Abs(path)
			}
		}
	}
	return "", fmt.Errorf("could not find image %q", name)
}

// CreateTarget creates a target for the image called name and selects
// it. An empty name creates a target without an image.
func (d *Debugger) CreateTarget(name string) (*proc.Target, error) {
	path := ""
	if name != "" {
		var err error
		path, err = d.FindImage(name)
		if err != nil {
			return nil, err
		}
	}
	t, err := d.sess.CreateTarget(path)
	if err != nil {
		return nil, err
	}
	d.log.Infof("created target %q", t.Path())

	d.targetMutex.Lock()
	d.target = t
	d.frame = 0
	d.targetMutex.Unlock()
	return t, nil
}

// Targets returns the targets of the session.
func (d *Debugger) Targets() []*proc.Target {
	return d.sess.Targets()
}

// Target returns the selected target or nil.
func (d *Debugger) Target() *proc.Target {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.target
}

// SelectTarget selects the i-th target of the session.
func (d *Debugger) SelectTarget(i int) error {
	targets := d.sess.Targets()
	if i < 0 || i >= len(targets) {
		return fmt.Errorf("invalid target index %d", i)
	}
	d.targetMutex.Lock()
	d.target = targets[i]
	d.frame = 0
	d.targetMutex.Unlock()
	return nil
}

func (d *Debugger) currentTarget() (*proc.Target, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil, ErrNoTarget
	}
	return d.target, nil
}

// targetOrEmpty returns the selected target, creating one without an
// image if there is none.
func (d *Debugger) targetOrEmpty() (*proc.Target, error) {
	if t := d.Target(); t != nil {
		return t, nil
	}
	return d.CreateTarget("")
}

// Process returns the process of the selected target, possibly exited.
func (d *Debugger) Process() (*proc.Process, error) {
	t, err := d.currentTarget()
	if err != nil {
		return nil, err
	}
	p := t.Process()
	if p == nil {
		return nil, proc.ErrNoProcess
	}
	return p, nil
}

func (d *Debugger) waitForStop(p *proc.Process) (proc.ProcessState, error) {
	timeout := d.WaitTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s, err := p.WaitForStop(ctx)
	if err != nil {
		return s, fmt.Errorf("process %d did not stop within %v: %w", p.Pid(), timeout, err)
	}
	return s, nil
}

func (d *Debugger) resetFrame() {
	d.targetMutex.Lock()
	d.frame = 0
	d.targetMutex.Unlock()
}

// Launch starts the image of the selected target with the given
// arguments. Unless stopAtEntry is set Launch waits for the process to
// stop.
func (d *Debugger) Launch(args []string, stopAtEntry bool) (*proc.Process, error) {
	t, err := d.currentTarget()
	if err != nil {
		return nil, err
	}
	d.log.Infof("launching %s with args: %v", t.Path(), args)
	p, err := t.Launch(d.listener, proc.LaunchConfig{
		Args:         args,
		Env:          d.config.Env,
		StdoutWriter: d.config.Stdout,
		StderrWriter: d.config.Stderr,
		StopAtEntry:  stopAtEntry,
	})
	if err != nil {
		return nil, err
	}
	d.resetFrame()
	if !stopAtEntry {
		if _, err := d.waitForStop(p); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Spawn starts the image called name outside of the debugger and returns
// the pid of the new process.
func (d *Debugger) Spawn(name string, args []string) (int, error) {
	host, ok := d.sess.Backend().(*vm.Host)
	if !ok {
		return 0, errors.New("backend can not spawn processes")
	}
	path, err := d.FindImage(name)
	if err != nil {
		return 0, err
	}
	m, err := host.Spawn(path, args)
	if err != nil {
		return 0, err
	}
	d.log.Infof("spawned %s as pid %d", path, m.Pid())
	return m.Pid(), nil
}

// Attach attaches the selected target to the process pid.
func (d *Debugger) Attach(pid int) (*proc.Process, error) {
	t, err := d.targetOrEmpty()
	if err != nil {
		return nil, err
	}
	d.log.Infof("attaching to pid %d", pid)
	p, err := t.AttachByPid(d.listener, pid)
	if err != nil {
		return nil, err
	}
	d.resetFrame()
	return p, nil
}

// AttachByName attaches the selected target to the process running the
// image called name. With waitFor set it waits for such a process to
// start until ctx is done.
func (d *Debugger) AttachByName(ctx context.Context, name string, waitFor bool) (*proc.Process, error) {
	t, err := d.targetOrEmpty()
	if err != nil {
		return nil, err
	}
	d.log.Infof("attaching to %q (wait %v)", name, waitFor)
	p, err := t.AttachByName(ctx, d.listener, name, waitFor)
	if err != nil {
		return nil, err
	}
	d.resetFrame()
	return p, nil
}

// Continue resumes the process and waits for it to stop.
func (d *Debugger) Continue() (proc.ProcessState, error) {
	p, err := d.Process()
	if err != nil {
		return proc.StateInvalid, err
	}
	if err := p.Continue(); err != nil {
		return p.State(), err
	}
	d.resetFrame()
	return d.waitForStop(p)
}

// Halt interrupts the running process and waits for it to stop.
func (d *Debugger) Halt() (proc.ProcessState, error) {
	p, err := d.Process()
	if err != nil {
		return proc.StateInvalid, err
	}
	if err := p.SendAsyncInterrupt(); err != nil {
		return p.State(), err
	}
	return d.waitForStop(p)
}

// StepInstruction executes one instruction of the selected thread.
func (d *Debugger) StepInstruction() (*proc.Thread, error) {
	th, err := d.SelectedThread()
	if err != nil {
		return nil, err
	}
	if err := th.StepInstruction(); err != nil {
		return th, err
	}
	d.resetFrame()
	return th, nil
}

// Kill destroys the process of the selected target.
func (d *Debugger) Kill() error {
	p, err := d.Process()
	if err != nil {
		return err
	}
	return p.Destroy()
}

// Detach detaches from the process of the selected target.
func (d *Debugger) Detach() error {
	p, err := d.Process()
	if err != nil {
		return err
	}
	return p.Detach()
}

// Threads returns the threads of the selected process.
func (d *Debugger) Threads() ([]*proc.Thread, error) {
	p, err := d.Process()
	if err != nil {
		return nil, err
	}
	return p.Threads(), nil
}

// SelectedThread returns the selected thread of the selected process.
func (d *Debugger) SelectedThread() (*proc.Thread, error) {
	p, err := d.Process()
	if err != nil {
		return nil, err
	}
	th := p.SelectedThread()
	if th == nil {
		return nil, ErrNoThread
	}
	return th, nil
}

// SelectThread selects the thread tid and its innermost frame.
func (d *Debugger) SelectThread(tid int) error {
	p, err := d.Process()
	if err != nil {
		return err
	}
	if err := p.SetSelectedThread(tid); err != nil {
		return err
	}
	d.resetFrame()
	return nil
}

// SelectFrame selects the i-th frame of the selected thread.
func (d *Debugger) SelectFrame(i int) (*proc.Stackframe, error) {
	th, err := d.SelectedThread()
	if err != nil {
		return nil, err
	}
	frame, err := th.Frame(i)
	if err != nil {
		return nil, err
	}
	d.targetMutex.Lock()
	d.frame = i
	d.targetMutex.Unlock()
	return frame, nil
}

// Frame returns the selected frame.
func (d *Debugger) Frame() (*proc.Stackframe, error) {
	th, err := d.SelectedThread()
	if err != nil {
		return nil, err
	}
	d.targetMutex.Lock()
	i := d.frame
	d.targetMutex.Unlock()
	return th.Frame(i)
}

// FrameIndex returns the index of the selected frame.
func (d *Debugger) FrameIndex() int {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.frame
}

// Stacktrace returns up to depth frames of the selected thread.
func (d *Debugger) Stacktrace(depth int) ([]proc.Stackframe, error) {
	th, err := d.SelectedThread()
	if err != nil {
		return nil, err
	}
	return th.Stacktrace(depth)
}

// CreateBreakpoint creates a breakpoint at the location described by
// locStr, relative locations are resolved against the selected frame.
func (d *Debugger) CreateBreakpoint(locStr, cond string) (*proc.Breakpoint, error) {
	t, err := d.currentTarget()
	if err != nil {
		return nil, err
	}
	spec, err := locspec.Parse(locStr)
	if err != nil {
		return nil, err
	}
	var cur *proc.Location
	if frame, err := d.Frame(); err == nil {
		loc := frame.Current
		cur = &loc
	}
	var opts []proc.BreakpointOption
	if cond != "" {
		opts = append(opts, proc.WithCondition(cond))
	}
	bp, err := spec.SetBreakpoint(t.Breakpoints(), t.BinInfo(), cur, opts...)
	if err != nil {
		return nil, err
	}
	d.log.Infof("created breakpoint: %s", bp)
	return bp, nil
}

// Breakpoints returns the breakpoints of the selected target.
func (d *Debugger) Breakpoints() []*proc.Breakpoint {
	t, err := d.currentTarget()
	if err != nil {
		return nil
	}
	return t.Breakpoints().Breakpoints()
}

// FindBreakpoint returns the breakpoint with the given id.
func (d *Debugger) FindBreakpoint(id int) (*proc.Breakpoint, error) {
	t, err := d.currentTarget()
	if err != nil {
		return nil, err
	}
	bp := t.Breakpoints().FindByID(id)
	if bp == nil {
		return nil, fmt.Errorf("no breakpoint with id %d", id)
	}
	return bp, nil
}

// ClearBreakpoint deletes the breakpoint with the given id.
func (d *Debugger) ClearBreakpoint(id int) error {
	t, err := d.currentTarget()
	if err != nil {
		return err
	}
	if err := t.Breakpoints().Delete(id); err != nil {
		return err
	}
	d.log.Infof("cleared breakpoint %d", id)
	return nil
}

// ToggleBreakpoint flips the enabled state of a breakpoint, or of one of
// its locations when spec has the form B.L, and returns the new state.
func (d *Debugger) ToggleBreakpoint(spec string) (bool, error) {
	bpid, locid, hasLoc := strings.Cut(spec, ".")
	id, err := strconv.Atoi(bpid)
	if err != nil {
		return false, fmt.Errorf("invalid breakpoint id %q", spec)
	}
	bp, err := d.FindBreakpoint(id)
	if err != nil {
		return false, err
	}
	if !hasLoc {
		enabled := !bp.IsEnabled()
		bp.SetEnabled(enabled)
		return enabled, nil
	}
	n, err := strconv.Atoi(locid)
	if err != nil {
		return false, fmt.Errorf("invalid breakpoint location %q", spec)
	}
	loc := bp.LocationByID(n)
	if loc == nil {
		return false, fmt.Errorf("breakpoint %d has no location %d", id, n)
	}
	enabled := !loc.IsEnabled()
	loc.SetEnabled(enabled)
	return enabled, nil
}

// AmendBreakpoint replaces the condition of a breakpoint, an empty
// condition removes it.
func (d *Debugger) AmendBreakpoint(id int, cond string) error {
	bp, err := d.FindBreakpoint(id)
	if err != nil {
		return err
	}
	return bp.SetCondition(cond)
}

// CreateWatchpoint watches writes to a global variable or, when expr has
// the form *address, to the word at that address.
func (d *Debugger) CreateWatchpoint(expr string) (*proc.Watchpoint, error) {
	t, err := d.currentTarget()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(expr, "*") {
		addr, err := strconv.ParseUint(expr[1:], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", expr[1:])
		}
		return t.Breakpoints().CreateWatchpoint(addr, 8)
	}
	return t.Breakpoints().CreateWatchpointByName(expr)
}

// ClearWatchpoint deletes the watchpoint with the given id.
func (d *Debugger) ClearWatchpoint(id int) error {
	t, err := d.currentTarget()
	if err != nil {
		return err
	}
	return t.Breakpoints().DeleteWatchpoint(id)
}

// Watchpoints returns the watchpoints of the selected target.
func (d *Debugger) Watchpoints() []*proc.Watchpoint {
	t, err := d.currentTarget()
	if err != nil {
		return nil
	}
	return t.Breakpoints().Watchpoints()
}

// Evaluate evaluates expr in the selected frame.
func (d *Debugger) Evaluate(expr string, opts proc.EvalOptions) (*proc.ExpressionExecution, error) {
	p, err := d.Process()
	if err != nil {
		return nil, err
	}
	var frame *proc.Stackframe
	d.targetMutex.Lock()
	i := d.frame
	d.targetMutex.Unlock()
	if i > 0 {
		if frame, err = d.Frame(); err != nil {
			return nil, err
		}
	}
	return p.Evaluate(frame, expr, opts)
}

// HandleSignal changes the disposition of the signal called name, nil
// arguments are left unchanged.
func (d *Debugger) HandleSignal(name string, stop, pass, notify *bool) (proc.SignalDisposition, error) {
	signals := d.sess.Signals()
	num, err := signals.NumberFromName(name)
	if err != nil {
		return proc.SignalDisposition{}, err
	}
	disp := signals.Disposition(num)
	if stop != nil {
		disp.Stop = *stop
	}
	if pass != nil {
		disp.Pass = *pass
	}
	if notify != nil {
		disp.Notify = *notify
	}
	if err := signals.SetDisposition(num, disp); err != nil {
		return proc.SignalDisposition{}, err
	}
	d.log.Debugf("signal %s: %s", signals.Name(num), disp)
	return disp, nil
}
