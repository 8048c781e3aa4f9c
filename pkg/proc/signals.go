package proc

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// SignalDisposition is what the debugger does when the inferior receives a
// signal.
type SignalDisposition struct {
	// Stop the process and report the signal.
	Stop bool
	// Pass the signal to the inferior when it resumes.
	Pass bool
	// Notify listeners when the signal is received without stopping.
	Notify bool
}

func (d SignalDisposition) String() string {
	return "stop=" + strconv.FormatBool(d.Stop) + " pass=" + strconv.FormatBool(d.Pass) + " notify=" + strconv.FormatBool(d.Notify)
}

type signalInfo struct {
	name  string
	fault bool
	disp  SignalDisposition
}

// Platform signal numbers.
var (
	SIGINT  = signalNumber("SIGINT")
	SIGILL  = signalNumber("SIGILL")
	SIGTRAP = signalNumber("SIGTRAP")
	SIGABRT = signalNumber("SIGABRT")
	SIGBUS  = signalNumber("SIGBUS")
	SIGFPE  = signalNumber("SIGFPE")
	SIGKILL = signalNumber("SIGKILL")
	SIGUSR1 = signalNumber("SIGUSR1")
	SIGSEGV = signalNumber("SIGSEGV")
	SIGUSR2 = signalNumber("SIGUSR2")
	SIGALRM = signalNumber("SIGALRM")
	SIGTERM = signalNumber("SIGTERM")
	SIGCHLD = signalNumber("SIGCHLD")
	SIGSTOP = signalNumber("SIGSTOP")
)

var defaultSignals = []struct {
	name               string
	fault              bool
	stop, pass, notify bool
}{
	{"SIGHUP", false, true, true, true},
	{"SIGINT", false, true, false, true},
	{"SIGQUIT", false, true, true, true},
	{"SIGILL", true, true, true, true},
	{"SIGTRAP", false, true, false, true},
	{"SIGABRT", false, true, true, true},
	{"SIGBUS", true, true, true, true},
	{"SIGFPE", true, true, true, true},
	{"SIGKILL", false, true, true, true},
	{"SIGUSR1", false, true, true, true},
	{"SIGSEGV", true, true, true, true},
	{"SIGUSR2", false, true, true, true},
	{"SIGPIPE", false, true, true, true},
	{"SIGALRM", false, false, true, false},
	{"SIGTERM", false, true, true, true},
	{"SIGCHLD", false, false, true, false},
	{"SIGCONT", false, true, true, true},
	{"SIGSTOP", false, true, false, true},
	{"SIGTSTP", false, true, true, true},
	{"SIGTTIN", false, true, true, true},
	{"SIGTTOU", false, true, true, true},
	{"SIGURG", false, false, true, false},
	{"SIGXCPU", false, true, true, true},
	{"SIGXFSZ", false, true, true, true},
	{"SIGVTALRM", false, false, true, false},
	{"SIGPROF", false, false, true, false},
	{"SIGWINCH", false, false, true, false},
	{"SIGSYS", false, true, true, true},
}

// UnixSignals is the signal table of a session: platform numbers, names and
// the disposition of every signal.
type UnixSignals struct {
	mu    sync.Mutex
	byNum map[int]*signalInfo
}

// NewUnixSignals returns a signal table with the default dispositions.
func NewUnixSignals() *UnixSignals {
	s := &UnixSignals{byNum: make(map[int]*signalInfo)}
	for _, ds := range defaultSignals {
		num := signalNumber(ds.name)
		if num <= 0 {
			continue
		}
		s.byNum[num] = &signalInfo{name: ds.name, fault: ds.fault, disp: SignalDisposition{Stop: ds.stop, Pass: ds.pass, Notify: ds.notify}}
	}
	return s
}

// NumberFromName returns the platform number of the signal called name.
// Names are accepted with or without the SIG prefix, as are decimal numbers.
func (s *UnixSignals) NumberFromName(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		s.mu.Lock()
		_, ok := s.byNum[n]
		s.mu.Unlock()
		if !ok {
			return 0, SignalError{Name: name}
		}
		return n, nil
	}
	uname := strings.ToUpper(name)
	if !strings.HasPrefix(uname, "SIG") {
		uname = "SIG" + uname
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for num, si := range s.byNum {
		if si.name == uname {
			return num, nil
		}
	}
	return 0, SignalError{Name: name}
}

// Name returns the name of signal num.
func (s *UnixSignals) Name(num int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if si := s.byNum[num]; si != nil {
		return si.name
	}
	return "signal " + strconv.Itoa(num)
}

// Disposition returns the disposition of signal num. Unknown signals stop
// and are passed.
func (s *UnixSignals) Disposition(num int) SignalDisposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if si := s.byNum[num]; si != nil {
		return si.disp
	}
	return SignalDisposition{Stop: true, Pass: true, Notify: true}
}

// SetDisposition changes the disposition of signal num.
func (s *UnixSignals) SetDisposition(num int, d SignalDisposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := s.byNum[num]
	if si == nil {
		return SignalError{Name: strconv.Itoa(num)}
	}
	si.disp = d
	return nil
}

// IsFault returns true for signals raised by a faulting instruction.
// A fault signal that the inferior does not handle crashes it.
func (s *UnixSignals) IsFault(num int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if si := s.byNum[num]; si != nil {
		return si.fault
	}
	return false
}

// Numbers returns all known signal numbers in increasing order.
func (s *UnixSignals) Numbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]int, 0, len(s.byNum))
	for num := range s.byNum {
		r = append(r, num)
	}
	sort.Ints(r)
	return r
}
