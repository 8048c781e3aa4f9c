package proc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

var (
	// ErrNoSuchProcess is returned by backends when a pid does not exist.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrRemoteUnsupported is returned by ConnectRemote.
	ErrRemoteUnsupported = errors.New("remote debugging is not supported")
)

// Target is an executable image and the breakpoints set on it. A target
// owns at most one live process, breakpoints survive relaunches.
type Target struct {
	sess        *Session
	bc          *Broadcaster
	breakpoints *BreakpointTable

	mu        sync.Mutex
	path      string
	bi        *BinaryInfo
	process   *Process
	launching bool
}

func newTarget(sess *Session, path string, bi *BinaryInfo) *Target {
	name := "target"
	if path != "" {
		name = "target " + filepath.Base(path)
	}
	t := &Target{sess: sess, bc: NewBroadcaster(name), path: path, bi: bi}
	t.breakpoints = newBreakpointTable(t)
	return t
}

// Path returns the path of the executable image.
func (t *Target) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// BinInfo returns the symbol information of the image, nil if the target
// has no image.
func (t *Target) BinInfo() *BinaryInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bi
}

// Broadcaster returns the broadcaster of breakpoint events.
func (t *Target) Broadcaster() *Broadcaster { return t.bc }

// Breakpoints returns the breakpoint table of the target.
func (t *Target) Breakpoints() *BreakpointTable { return t.breakpoints }

// Process returns the last process of the target, possibly exited, or nil.
func (t *Target) Process() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.process
}

func (t *Target) setBinInfo(bi *BinaryInfo) {
	t.mu.Lock()
	t.bi = bi
	t.path = bi.Image.Path
	t.mu.Unlock()
	t.breakpoints.resolveAll(bi)
}

// claim reserves the target for creating a new process. It fails if the
// target already has a live process.
func (t *Target) claim(op string) error {
	t.mu.Lock()
	if t.launching {
		t.mu.Unlock()
		return StateError{Op: op, State: StateLaunching, Err: ErrControlInProgress}
	}
	p := t.process
	t.launching = true
	t.mu.Unlock()
	if p != nil {
		if s := p.State(); !s.IsTerminal() {
			t.unclaim(nil)
			return StateError{Op: op, State: s}
		}
	}
	return nil
}

func (t *Target) unclaim(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.launching = false
	if p != nil {
		t.process = p
	}
}

// Launch starts a new process running the image of the target. The
// listener, if not nil, is subscribed to the events of the new process
// before any of them is broadcast.
//
// Unless cfg.StopAtEntry is set the process is resumed immediately and
// runs until it hits a breakpoint, receives a signal or exits.
func (t *Target) Launch(listener *Listener, cfg LaunchConfig) (*Process, error) {
	if err := t.claim("launch"); err != nil {
		return nil, err
	}
	bi := t.BinInfo()
	if bi == nil {
		t.unclaim(nil)
		return nil, LaunchError{Path: t.Path(), Err: errors.New("target has no executable image")}
	}
	inf, err := t.sess.backend.Launch(bi.Image.Path, cfg)
	if err != nil {
		t.unclaim(nil)
		return nil, LaunchError{Path: bi.Image.Path, Err: err}
	}
	p := newProcess(t, inf, bi, listener)
	t.unclaim(p)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateThreadsLocked()
	p.setStateLocked(StateLaunching, false)
	if cfg.StopAtEntry {
		if th := p.threadLocked(p.selectedTID); th != nil {
			th.stop = StopInfo{Reason: StopReasonSignal, Data: []uint64{uint64(SIGSTOP)}, Description: "signal SIGSTOP"}
		}
		p.setStateLocked(StateStopped, false)
		return p, nil
	}
	p.busy = true
	p.idle = make(chan struct{})
	p.setStateLocked(StateRunning, false)
	go p.runInBackground()
	return p, nil
}

// AttachByPid attaches to the running process pid and stops it. If the
// process runs an image different from the target's the target is
// retargeted to it.
func (t *Target) AttachByPid(listener *Listener, pid int) (*Process, error) {
	if err := t.claim("attach"); err != nil {
		return nil, err
	}
	p, err := t.attach(listener, pid, "")
	if err != nil {
		t.unclaim(nil)
		return nil, err
	}
	t.unclaim(p)
	return p, nil
}

// AttachByName attaches to the process whose image has the given base
// name. If waitForLaunch is set and no such process exists AttachByName
// blocks until one is started or ctx is cancelled.
func (t *Target) AttachByName(ctx context.Context, listener *Listener, name string, waitForLaunch bool) (*Process, error) {
	if name == "" {
		return nil, AttachError{Reason: AttachInvalidName}
	}
	if err := t.claim("attach"); err != nil {
		return nil, err
	}
	var pid int
	if waitForLaunch {
		var err error
		pid, err = t.sess.backend.WaitForProcess(ctx, name)
		if err != nil {
			t.unclaim(nil)
			return nil, AttachError{Name: name, Reason: AttachFailed, Err: err}
		}
	} else {
		pids := t.sess.backend.FindProcesses(name)
		switch len(pids) {
		case 0:
			t.unclaim(nil)
			return nil, AttachError{Name: name, Reason: AttachNotFound, Err: ErrNoSuchProcess}
		case 1:
			pid = pids[0]
		default:
			t.unclaim(nil)
			return nil, AttachError{Name: name, Reason: AttachAmbiguous}
		}
	}
	p, err := t.attach(listener, pid, name)
	if err != nil {
		t.unclaim(nil)
		return nil, err
	}
	t.unclaim(p)
	return p, nil
}

func (t *Target) attach(listener *Listener, pid int, name string) (*Process, error) {
	inf, err := t.sess.backend.Attach(pid)
	if err != nil {
		reason := AttachFailed
		if errors.Is(err, ErrNoSuchProcess) {
			reason = AttachNotFound
		}
		return nil, AttachError{Pid: pid, Name: name, Reason: reason, Err: err}
	}
	bi := t.BinInfo()
	if bi == nil || bi.Image.Path != inf.Path() {
		img, err := t.sess.backend.Load(inf.Path())
		if err != nil {
			inf.Detach()
			return nil, AttachError{Pid: pid, Name: name, Reason: AttachFailed, Err: err}
		}
		bi = NewBinaryInfo(img)
		t.setBinInfo(bi)
	}
	p := newProcess(t, inf, bi, listener)
	p.attached = true
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateThreadsLocked()
	p.setStateLocked(StateConnected, false)
	if th := p.threadLocked(p.selectedTID); th != nil {
		th.stop = StopInfo{Reason: StopReasonSignal, Data: []uint64{uint64(SIGSTOP)}, Description: "signal SIGSTOP"}
	}
	p.setStateLocked(StateStopped, false)
	return p, nil
}

// ConnectRemote always fails, remote debugging protocols are not
// implemented.
func (t *Target) ConnectRemote(listener *Listener, url string) (*Process, error) {
	return nil, fmt.Errorf("could not connect to %s: %w", url, ErrRemoteUnsupported)
}
