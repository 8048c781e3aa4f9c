package debugger

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-delve/inferior/pkg/proc"
)

// FormatProcessState returns a one line summary of the state of p.
func FormatProcessState(p *proc.Process) string {
	s := p.State()
	if s == proc.StateExited {
		status, _ := p.ExitStatus()
		return fmt.Sprintf("Process %d exited with status = %d (0x%08x)", p.Pid(), status, status)
	}
	return fmt.Sprintf("Process %d %s", p.Pid(), s)
}

// PrintStop writes the state of p followed, if it is stopped, by the
// threads that have a stop reason and their innermost frame. The
// selected thread is marked with a star.
func PrintStop(out io.Writer, p *proc.Process) {
	fmt.Fprintln(out, FormatProcessState(p))
	if !p.State().IsStopped() {
		return
	}
	selected := p.SelectedThread()
	for _, th := range p.Threads() {
		if th.StopReason() == proc.StopReasonNone && th != selected {
			continue
		}
		PrintThread(out, th, th == selected)
	}
}

// PrintThread writes a thread, its stop reason and its current location.
func PrintThread(out io.Writer, th *proc.Thread, selected bool) {
	mark := " "
	if selected {
		mark = "*"
	}
	fmt.Fprintf(out, "%s thread #%d", mark, th.ID)
	if th.StopReason() != proc.StopReasonNone {
		fmt.Fprintf(out, ", stop reason = %s", th.StopDescription())
	}
	fmt.Fprintln(out)
	if loc, err := th.Location(); err == nil {
		fmt.Fprintf(out, "    frame #0: %s\n", loc)
	}
}

// FormatEvent returns a description of ev.
func FormatEvent(ev proc.Event) string {
	switch {
	case ev.Process != nil && ev.Type == proc.EventSignalNotify:
		return fmt.Sprintf("Process %d received signal %d", ev.Process.Pid, ev.Process.Signal)
	case ev.Process != nil:
		var buf strings.Builder
		fmt.Fprintf(&buf, "Process %d %s", ev.Process.Pid, ev.Process.State)
		if ev.Process.State == proc.StateExited {
			fmt.Fprintf(&buf, " with status = %d", ev.Process.ExitStatus)
		}
		if ev.Process.Interrupted {
			buf.WriteString(" (interrupted)")
		}
		return buf.String()
	case ev.Breakpoint != nil:
		return fmt.Sprintf("Breakpoint %d %s, locations = %d", ev.Breakpoint.ID, ev.Breakpoint.Kind, ev.Breakpoint.NumLocations)
	}
	return ev.Broadcaster
}

// PrintBreakpoint writes a breakpoint and its locations.
func PrintBreakpoint(out io.Writer, bp *proc.Breakpoint) {
	fmt.Fprint(out, bp)
	if !bp.IsEnabled() {
		fmt.Fprint(out, " (disabled)")
	}
	fmt.Fprintln(out)
	if cond := bp.Condition(); cond != "" {
		fmt.Fprintf(out, "    condition = %q\n", cond)
	}
	for _, loc := range bp.Locations() {
		state := "enabled"
		if !loc.IsEnabled() {
			state = "disabled"
		}
		where := loc.FunctionName
		if loc.File != "" {
			where = fmt.Sprintf("%s %s:%d", loc.FunctionName, loc.File, loc.Line)
		}
		fmt.Fprintf(out, "  %s: where = %s, address = %#x, %s, hit count = %d\n", loc, where, loc.Addr, state, loc.HitCount())
	}
}

// PrintWatchpoint writes a watchpoint.
func PrintWatchpoint(out io.Writer, wp *proc.Watchpoint) {
	fmt.Fprint(out, wp)
	if !wp.IsEnabled() {
		fmt.Fprint(out, " (disabled)")
	}
	fmt.Fprintf(out, ", hit count = %d\n", wp.HitCount())
}
