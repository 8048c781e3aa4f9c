package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/proc"
	"github.com/go-delve/inferior/pkg/symbols"
)

const (
	firstPid         = 1000
	programCacheSize = 32
)

// Host runs programs on the virtual machine. It implements proc.Backend.
type Host struct {
	// Stdout and Stderr receive the output of processes that do not
	// redirect it.
	Stdout, Stderr io.Writer
	// Stdin is read by processes that do not redirect their input, nil
	// reads as end of file.
	Stdin io.Reader

	cache *lru.Cache

	mu      sync.Mutex
	procs   map[int]*Machine
	nextPid int
	// started is closed and replaced every time a process is started.
	started chan struct{}
}

// NewHost returns a new host with no processes.
func NewHost() *Host {
	cache, err := lru.New(programCacheSize)
	if err != nil {
		panic(err)
	}
	return &Host{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		cache:   cache,
		procs:   make(map[int]*Machine),
		nextPid: firstPid,
		started: make(chan struct{}),
	}
}

type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

// assemble returns the program at path, programs are cached until the
// file changes.
func (h *Host) assemble(path string) (*Program, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	key := cacheKey{abs, fi.ModTime().UnixNano(), fi.Size()}
	if prog, ok := h.cache.Get(key); ok {
		return prog.(*Program), nil
	}
	prog, err := AssembleFile(abs)
	if err != nil {
		return nil, err
	}
	logflags.VMLogger().Debugf("assembled %s: %d bytes, %d functions", abs, len(prog.Mem), len(prog.Image.Functions))
	h.cache.Add(key, prog)
	return prog, nil
}

// Load assembles the program at path and returns its image.
func (h *Host) Load(path string) (*symbols.Image, error) {
	prog, err := h.assemble(path)
	if err != nil {
		return nil, err
	}
	return prog.Image, nil
}

// stdio are the standard streams of a process and the files opened to
// redirect them.
type stdio struct {
	in       io.Reader
	out, err io.Writer
	files    []io.Closer
}

func (s *stdio) openOutput(w io.Writer, path string, dflt io.Writer) (io.Writer, error) {
	if w != nil {
		return w, nil
	}
	if path == "" {
		return dflt, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s.files = append(s.files, f)
	return f, nil
}

func (s *stdio) close() {
	for _, f := range s.files {
		f.Close()
	}
	s.files = nil
}

// openStdio opens the redirect files of cfg. Stdout and Stderr
// redirected to the same path share one file.
func (h *Host) openStdio(cfg proc.LaunchConfig) (s stdio, err error) {
	defer func() {
		if err != nil {
			s.close()
		}
	}()
	s.in = h.Stdin
	if cfg.Stdin != "" {
		f, err := os.Open(cfg.Stdin)
		if err != nil {
			return s, fmt.Errorf("could not redirect stdin: %w", err)
		}
		s.in = f
		s.files = append(s.files, f)
	}
	if s.out, err = s.openOutput(cfg.StdoutWriter, cfg.Stdout, h.Stdout); err != nil {
		return s, fmt.Errorf("could not redirect stdout: %w", err)
	}
	if cfg.StderrWriter == nil && cfg.StdoutWriter == nil && cfg.Stderr != "" && cfg.Stderr == cfg.Stdout {
		s.err = s.out
		return s, nil
	}
	if s.err, err = s.openOutput(cfg.StderrWriter, cfg.Stderr, h.Stderr); err != nil {
		return s, fmt.Errorf("could not redirect stderr: %w", err)
	}
	return s, nil
}

func (h *Host) start(path string, args, env []string, fds stdio, traced bool) (*Machine, error) {
	prog, err := h.assemble(path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pid := h.nextPid
	h.nextPid++
	m := newMachine(h, pid, prog, args, env, fds)
	m.traced = traced
	h.procs[pid] = m
	close(h.started)
	h.started = make(chan struct{})
	logflags.VMLogger().WithField("pid", pid).Debugf("started %s traced=%v", prog.Image.Path, traced)
	return m, nil
}

// Launch starts a traced process stopped at the entry point of the
// program at path. The redirect files are closed when the process exits.
func (h *Host) Launch(path string, cfg proc.LaunchConfig) (proc.Inferior, error) {
	fds, err := h.openStdio(cfg)
	if err != nil {
		return nil, err
	}
	m, err := h.start(path, cfg.Args, cfg.Env, fds, true)
	if err != nil {
		fds.close()
		return nil, err
	}
	return m, nil
}

// Spawn starts an untraced process running the program at path.
func (h *Host) Spawn(path string, args []string) (*Machine, error) {
	m, err := h.start(path, args, nil, stdio{in: h.Stdin, out: h.Stdout, err: h.Stderr}, false)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.startLocked(nil)
	m.mu.Unlock()
	return m, nil
}

// Process returns the process pid.
func (h *Host) Process(pid int) *Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[pid]
}

// Attach stops the untraced process pid and makes it traced.
func (h *Host) Attach(pid int) (proc.Inferior, error) {
	m := h.Process(pid)
	if m == nil {
		return nil, proc.ErrNoSuchProcess
	}
	if err := m.attach(); err != nil {
		return nil, err
	}
	return m, nil
}

func matchName(path, name string) bool {
	base := filepath.Base(path)
	return base == name || strings.TrimSuffix(base, filepath.Ext(base)) == name
}

// FindProcesses returns the live processes running a program called name,
// with or without its extension.
func (h *Host) FindProcesses(name string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.findLocked(name, nil)
}

func (h *Host) findLocked(name string, skip map[int]bool) []int {
	var r []int
	for pid, m := range h.procs {
		if skip[pid] {
			continue
		}
		if exited, _ := m.Exited(); exited {
			continue
		}
		if matchName(m.Path(), name) {
			r = append(r, pid)
		}
	}
	sort.Ints(r)
	return r
}

// WaitForProcess waits until a new process running a program called name
// is started.
func (h *Host) WaitForProcess(ctx context.Context, name string) (int, error) {
	h.mu.Lock()
	old := make(map[int]bool, len(h.procs))
	for pid := range h.procs {
		old[pid] = true
	}
	for {
		if pids := h.findLocked(name, old); len(pids) > 0 {
			h.mu.Unlock()
			return pids[0], nil
		}
		started := h.started
		h.mu.Unlock()
		select {
		case <-started:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		h.mu.Lock()
	}
}

var (
	_ proc.Backend  = (*Host)(nil)
	_ proc.Inferior = (*Machine)(nil)
)
