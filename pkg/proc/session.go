package proc

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-delve/inferior/pkg/symbols"
)

const (
	defaultEvalTimeout  = 5 * time.Second
	defaultMaxStringLen = 256
)

// SessionConfig is the configuration of a Session.
type SessionConfig struct {
	// EvalTimeout is the default timeout of expressions that call
	// functions.
	EvalTimeout time.Duration
	// MaxStringLen is the maximum number of bytes read from C strings.
	MaxStringLen int
}

func (cfg SessionConfig) evalTimeout() time.Duration {
	if cfg.EvalTimeout <= 0 {
		return defaultEvalTimeout
	}
	return cfg.EvalTimeout
}

func (cfg SessionConfig) maxStringLen() int {
	if cfg.MaxStringLen <= 0 {
		return defaultMaxStringLen
	}
	return cfg.MaxStringLen
}

// Session is the root of the debugger state: the backend, the targets,
// the live processes and the numbering of expression results.
type Session struct {
	backend Backend
	cfg     SessionConfig
	signals *UnixSignals
	arena   processArena

	mu          sync.Mutex
	targets     []*Target
	resultCount int
}

// NewSession creates a session using backend to run processes.
func NewSession(backend Backend, cfg SessionConfig) *Session {
	return &Session{backend: backend, cfg: cfg, signals: NewUnixSignals()}
}

// Backend returns the backend of the session.
func (s *Session) Backend() Backend { return s.backend }

// Config returns the configuration of the session.
func (s *Session) Config() SessionConfig { return s.cfg }

// Signals returns the signal table used by every process of the session.
func (s *Session) Signals() *UnixSignals { return s.signals }

// CreateTarget creates a target for the image at path. An empty path
// creates a target without an image, usable for attaching.
func (s *Session) CreateTarget(path string) (*Target, error) {
	var bi *BinaryInfo
	if path != "" {
		img, err := s.backend.Load(path)
		if err != nil {
			return nil, fmt.Errorf("could not create target for %s: %w", path, err)
		}
		bi = NewBinaryInfo(img)
		path = img.Path
	}
	t := newTarget(s, path, bi)
	s.mu.Lock()
	s.targets = append(s.targets, t)
	s.mu.Unlock()
	return t, nil
}

// Targets returns the targets of the session.
func (s *Session) Targets() []*Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Target(nil), s.targets...)
}

// DeleteTarget destroys the process of t and removes it from the session.
func (s *Session) DeleteTarget(t *Target) error {
	if p := t.Process(); p != nil {
		if err := p.Destroy(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.targets {
		if s.targets[i] == t {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown target %s", t.Path())
}

// Destroy destroys every live process of the session.
func (s *Session) Destroy() {
	for _, t := range s.Targets() {
		if p := t.Process(); p != nil {
			p.Destroy()
		}
	}
}

// LiveProcesses returns the number of processes of the session that were
// not reclaimed yet.
func (s *Session) LiveProcesses() int {
	return s.arena.live()
}

// nameResult assigns the next result name to v.
func (s *Session) nameResult(v *Variable) *Variable {
	if v.Type == nil || v.Type.Kind == symbols.Void {
		return v
	}
	s.mu.Lock()
	v.Name = fmt.Sprintf("$%d", s.resultCount)
	s.resultCount++
	s.mu.Unlock()
	return v
}

// processArena owns the live processes of a session. Threads refer to
// their process by index so that a reclaimed process is never reachable
// from a stale thread.
type processArena struct {
	mu    sync.Mutex
	procs []*Process
}

func (a *processArena) add(p *Process) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	// slots are never reused, a stale index stays invalid
	a.procs = append(a.procs, p)
	return len(a.procs) - 1
}

func (a *processArena) get(i int) *Process {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.procs) {
		return nil
	}
	return a.procs[i]
}

func (a *processArena) release(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= 0 && i < len(a.procs) {
		a.procs[i] = nil
	}
}

// live returns the number of processes in the arena.
func (a *processArena) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.procs {
		if p != nil {
			n++
		}
	}
	return n
}
