// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/spf13/pflag"

	"github.com/go-delve/inferior/pkg/proc"
	"github.com/go-delve/inferior/pkg/symbols"
	"github.com/go-delve/inferior/service/debugger"
)

const listContextLines = 5

type callContext struct {
	// Frame is the frame the command runs in, -1 is the selected frame.
	Frame int
}

func (ctx *callContext) scoped() bool {
	return ctx.Frame >= 0
}

type frameDirection int

const (
	frameSet frameDirection = iota
	frameUp
	frameDown
)

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the idb terminal.
type Commands struct {
	cmds []command
	// names indexes every alias for completion.
	names *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <locspec> [if <condition>]

Locspecs:

	<line>            line in the file of the selected frame
	<file>:<line>     line of a source file
	+<offset>         lines after the selected frame
	-<offset>         lines before the selected frame
	/<regex>/         every source line matching regex
	<file>:/<regex>/  source lines of file matching regex
	*<address>        instruction address
	<function>        entry of a function, after its prologue

A breakpoint that does not resolve to any address is kept and resolved
when an image is loaded. With a condition the process only stops when the
condition evaluates to a non-zero value in the frame of the stopped thread.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints and watchpoints."},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes breakpoint.

	clear <breakpoint id>
	clear -all`},
		{aliases: []string{"toggle"}, group: breakCmds, cmdFn: toggle, helpMsg: `Toggles on or off a breakpoint or one of its locations.

	toggle <breakpoint id>
	toggle <breakpoint id>.<location id>`},
		{aliases: []string{"condition", "cond"}, group: breakCmds, cmdFn: conditionCmd, helpMsg: `Set breakpoint condition.

	condition <breakpoint id> [<boolean expression>]

Specifies that the breakpoint should break only if the boolean expression
is true. Without an expression the condition is removed.`},
		{aliases: []string{"watch"}, group: breakCmds, cmdFn: watchpoint, helpMsg: `Set watchpoint.

	watch <global>
	watch *<address>

The process stops when the watched word is written.`},
		{aliases: []string{"unwatch"}, group: breakCmds, cmdFn: unwatch, helpMsg: `Deletes watchpoint.

	unwatch <watchpoint id>`},
		{aliases: []string{"run", "r"}, group: runCmds, cmdFn: run, helpMsg: `Launches the image of the selected target.

	run [-entry] [arguments...]

With -entry the process stops before executing its first instruction,
otherwise it runs until it stops.`},
		{aliases: []string{"spawn"}, group: runCmds, cmdFn: spawn, helpMsg: `Starts a process outside of the debugger.

	spawn <image> [arguments...]

The process can be attached to later with the attach command.`},
		{aliases: []string{"attach"}, group: runCmds, cmdFn: attach, helpMsg: `Attaches to a running process.

	attach <pid>
	attach [-waitfor] <image name>

With -waitfor the debugger waits for a process running the image to start.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"halt"}, group: runCmds, cmdFn: halt, helpMsg: "Stops the running process."},
		{aliases: []string{"stepi", "si"}, group: runCmds, cmdFn: stepInstruction, helpMsg: "Single step a single cpu instruction of the selected thread."},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: "Kills the process of the selected target."},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: "Detaches from the process of the selected target, leaving it running."},
		{aliases: []string{"state"}, group: runCmds, cmdFn: state, helpMsg: "Prints the state of the process of the selected target."},
		{aliases: []string{"handle"}, group: runCmds, cmdFn: handle, helpMsg: `Changes how the debugger handles a signal.

	handle [<signal> [--stop=<bool>] [--pass=<bool>] [--notify=<bool>]]

Without arguments prints the disposition of every signal.

	--stop, -s	stop the process when it receives the signal
	--pass, -p	deliver the signal to the process when it resumes
	--notify, -n	print a notification when the signal is received without stopping`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: stackCommand, helpMsg: `Print stack trace.

	[frame <m>] stack [<depth>]`},
		{aliases: []string{"frame"}, group: stackCmds,
			cmdFn: func(t *Term, ctx callContext, arg string) error {
				return c.frameCommand(t, ctx, arg, frameSet)
			},
			helpMsg: `Set the current frame, or execute command on a different frame.

	frame <m>
	frame <m> <command>

The first form sets frame used by evaluation commands (such as print or call).
The second form runs the command on the given frame.`},
		{aliases: []string{"up"}, group: stackCmds,
			cmdFn: func(t *Term, ctx callContext, arg string) error {
				return c.frameCommand(t, ctx, arg, frameUp)
			},
			helpMsg: `Move the current frame up.

	up [<m>]
	up [<m>] <command>

Move the current frame up by <m>. The second form runs the command on the given frame.`},
		{aliases: []string{"down"}, group: stackCmds,
			cmdFn: func(t *Term, ctx callContext, arg string) error {
				return c.frameCommand(t, ctx, arg, frameDown)
			},
			helpMsg: `Move the current frame down.

	down [<m>]
	down [<m>] <command>

Move the current frame down by <m>. The second form runs the command on the given frame.`},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printVar, helpMsg: `Evaluate an expression.

	[frame <m>] print <expression>

Functions called by the expression run through breakpoints without stopping.`},
		{aliases: []string{"call"}, group: dataCmds, cmdFn: callCmd, helpMsg: `Evaluates an expression that calls functions, stopping at breakpoints.

	[frame <m>] call <expression>

If the call stops before returning it stays suspended on its thread, the
continue command completes it.`},
		{aliases: []string{"list", "ls", "l"}, group: otherCmds, cmdFn: listCommand, helpMsg: `Show source code.

	[frame <m>] list [<line> | <file>:<line> | <function>]

Show source around the selected frame or the given location.`},
		{aliases: []string{"target"}, group: otherCmds, cmdFn: targetCommand, helpMsg: `Manages the targets of the session.

	target
	target create <image>
	target select <index>

Without arguments prints every target, the selected one is marked with a star.`},
		{aliases: []string{"source"}, group: otherCmds, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of idb commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script.
If path is a single '-' character an interactive starlark interpreter will start instead.
Type 'exit' to exit.`},
		{aliases: []string{"config"}, group: otherCmds, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config image-search-path -add <dir>
	config image-search-path -remove <dir>

Adds or removes a directory of the image search path.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"transcript"}, group: otherCmds, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is
specified and the output file exists it is truncated. If -x is specified
output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

If the process was attached to, the debugger asks whether it should be
killed or left running.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.rebuildNames()
	return c
}

func (c *Commands) rebuildNames() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

// complete returns the command names starting with line, it only completes
// the first word of the command line.
func (c *Commands) complete(line string) []string {
	if strings.ContainsAny(line, " \t") {
		return nil
	}
	r := c.names.PrefixSearch(line)
	sort.Strings(r)
	return r
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.names.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Frame: -1})
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.rebuildNames()
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return noCmdError
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// splitArgs splits a command line into words the way a shell would,
// without expanding anything.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("Backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, errors.New("illegal commandline")
	}
	return v[0], nil
}

func sortedKeys[V any](m map[string]V) []string {
	r := make([]string, 0, len(m))
	for k := range m {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// withFrame runs fn with the frame of ctx selected, the previously
// selected frame is restored afterwards.
func withFrame(t *Term, ctx callContext, fn func() error) error {
	if !ctx.scoped() {
		return fn()
	}
	old := t.debugger.FrameIndex()
	if _, err := t.debugger.SelectFrame(ctx.Frame); err != nil {
		return err
	}
	defer t.debugger.SelectFrame(old)
	return fn()
}

type byThreadID []*proc.Thread

func (a byThreadID) Len() int           { return len(a) }
func (a byThreadID) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byThreadID) Less(i, j int) bool { return a[i].ID < a[j].ID }

func threads(t *Term, ctx callContext, args string) error {
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	ths := p.Threads()
	sort.Sort(byThreadID(ths))
	selected := p.SelectedThread()
	for _, th := range ths {
		debugger.PrintThread(t.stdout, th, th == selected)
	}
	return nil
}

func thread(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("you must specify a thread")
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	old, _ := t.debugger.SelectedThread()
	if err := t.debugger.SelectThread(tid); err != nil {
		return err
	}
	oldID := "<none>"
	if old != nil {
		oldID = strconv.Itoa(old.ID)
	}
	fmt.Fprintf(t.stdout, "Switched from %s to %d\n", oldID, tid)
	th, err := t.debugger.SelectedThread()
	if err != nil {
		return err
	}
	debugger.PrintThread(t.stdout, th, true)
	return nil
}

// Handle "frame", "up", "down" commands.
func (c *Commands) frameCommand(t *Term, ctx callContext, argstr string, direction frameDirection) error {
	frame := 1
	arg := ""
	if len(argstr) == 0 {
		if direction == frameSet {
			return errors.New("not enough arguments")
		}
	} else {
		args := split2PartsBySpace(argstr)
		var err error
		if frame, err = strconv.Atoi(args[0]); err != nil {
			return err
		}
		if len(args) > 1 {
			arg = args[1]
		}
	}
	cur := t.debugger.FrameIndex()
	if ctx.scoped() {
		cur = ctx.Frame
	}
	switch direction {
	case frameUp:
		frame = cur + frame
	case frameDown:
		frame = cur - frame
	}
	if frame < 0 {
		return fmt.Errorf("Invalid frame %d", frame)
	}
	if len(arg) > 0 {
		ctx.Frame = frame
		return c.CallWithContext(arg, t, ctx)
	}
	f, err := t.debugger.SelectFrame(frame)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, f)
	return printSource(t, f.Current, true)
}

func run(t *Term, ctx callContext, args string) error {
	argv, err := splitArgs(args)
	if err != nil {
		return err
	}
	stopAtEntry := false
	if len(argv) > 0 && argv[0] == "-entry" {
		stopAtEntry = true
		argv = argv[1:]
	}
	p, err := t.debugger.Launch(argv, stopAtEntry)
	if err != nil {
		return err
	}
	debugger.PrintStop(t.stdout, p)
	return nil
}

func spawn(t *Term, ctx callContext, args string) error {
	argv, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return errors.New("not enough arguments: spawn <image> [arguments...]")
	}
	pid, err := t.debugger.Spawn(argv[0], argv[1:])
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d spawned\n", pid)
	return nil
}

func attach(t *Term, ctx callContext, args string) error {
	argv, err := splitArgs(args)
	if err != nil {
		return err
	}
	waitFor := false
	if len(argv) > 0 && argv[0] == "-waitfor" {
		waitFor = true
		argv = argv[1:]
	}
	if len(argv) != 1 {
		return errors.New("wrong number of arguments: attach <pid> | attach [-waitfor] <image name>")
	}

	var p *proc.Process
	if pid, err := strconv.Atoi(argv[0]); err == nil && !waitFor {
		p, err = t.debugger.Attach(pid)
		if err != nil {
			return err
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), t.debugger.WaitTimeout())
		defer cancel()
		p, err = t.debugger.AttachByName(ctx, argv[0], waitFor)
		if err != nil {
			return err
		}
	}
	debugger.PrintStop(t.stdout, p)
	return nil
}

func cont(t *Term, ctx callContext, args string) error {
	if _, err := t.debugger.Continue(); err != nil {
		return err
	}
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	debugger.PrintStop(t.stdout, p)
	return nil
}

func halt(t *Term, ctx callContext, args string) error {
	if _, err := t.debugger.Halt(); err != nil {
		return err
	}
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	debugger.PrintStop(t.stdout, p)
	return nil
}

func stepInstruction(t *Term, ctx callContext, args string) error {
	th, err := t.debugger.StepInstruction()
	if err != nil {
		return err
	}
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	if p.State().IsTerminal() {
		debugger.PrintStop(t.stdout, p)
		return nil
	}
	debugger.PrintThread(t.stdout, th, true)
	return nil
}

func kill(t *Term, ctx callContext, args string) error {
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	if err := t.debugger.Kill(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d killed\n", p.Pid())
	return nil
}

func detach(t *Term, ctx callContext, args string) error {
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	if err := t.debugger.Detach(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d detached\n", p.Pid())
	return nil
}

func state(t *Term, ctx callContext, args string) error {
	p, err := t.debugger.Process()
	if err != nil {
		return err
	}
	debugger.PrintStop(t.stdout, p)
	return nil
}

func handle(t *Term, ctx callContext, args string) error {
	argv, err := splitArgs(args)
	if err != nil {
		return err
	}
	signals := t.debugger.Session().Signals()
	if len(argv) == 0 {
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 1, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTOP\tPASS\tNOTIFY")
		for _, num := range signals.Numbers() {
			d := signals.Disposition(num)
			fmt.Fprintf(w, "%s\t%v\t%v\t%v\n", signals.Name(num), d.Stop, d.Pass, d.Notify)
		}
		return w.Flush()
	}

	fs := pflag.NewFlagSet("handle", pflag.ContinueOnError)
	fs.SetOutput(t.stdout)
	stop := fs.BoolP("stop", "s", false, "stop the process when it receives the signal")
	pass := fs.BoolP("pass", "p", false, "deliver the signal to the process")
	notify := fs.BoolP("notify", "n", false, "notify when the signal is received")
	if err := fs.Parse(argv[1:]); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	changed := func(name string, p *bool) *bool {
		if fs.Changed(name) {
			return p
		}
		return nil
	}
	d, err := t.debugger.HandleSignal(argv[0], changed("stop", stop), changed("pass", pass), changed("notify", notify))
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s: %s\n", argv[0], d)
	return nil
}

func clear(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("not enough arguments")
	}
	if args == "-all" {
		for _, bp := range t.debugger.Breakpoints() {
			if err := t.debugger.ClearBreakpoint(bp.ID); err != nil {
				fmt.Fprintf(t.stdout, "Couldn't delete breakpoint %d: %s\n", bp.ID, err)
				continue
			}
			fmt.Fprintf(t.stdout, "Breakpoint %d cleared\n", bp.ID)
		}
		return nil
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	if err := t.debugger.ClearBreakpoint(id); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared\n", id)
	return nil
}

func toggle(t *Term, ctx callContext, args string) error {
	if args == "" {
		return fmt.Errorf("not enough arguments")
	}
	enabled, err := t.debugger.ToggleBreakpoint(args)
	if err != nil {
		return err
	}
	s := "disabled"
	if enabled {
		s = "enabled"
	}
	fmt.Fprintf(t.stdout, "Breakpoint %s %s\n", args, s)
	return nil
}

func breakpoints(t *Term, ctx callContext, args string) error {
	bps := t.debugger.Breakpoints()
	wps := t.debugger.Watchpoints()
	if len(bps) == 0 && len(wps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints or watchpoints.")
		return nil
	}
	for _, bp := range bps {
		debugger.PrintBreakpoint(t.stdout, bp)
	}
	for _, wp := range wps {
		debugger.PrintWatchpoint(t.stdout, wp)
	}
	return nil
}

func breakpoint(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments: break <locspec> [if <condition>]")
	}
	locStr, cond := args, ""
	if idx := strings.Index(args, " if "); idx >= 0 {
		locStr, cond = strings.TrimSpace(args[:idx]), strings.TrimSpace(args[idx+len(" if "):])
	}
	var bp *proc.Breakpoint
	err := withFrame(t, ctx, func() error {
		var err error
		bp, err = t.debugger.CreateBreakpoint(locStr, cond)
		return err
	})
	if err != nil {
		return err
	}
	debugger.PrintBreakpoint(t.stdout, bp)
	if bp.NumLocations() == 0 {
		fmt.Fprintln(t.stdout, "WARNING: unable to resolve breakpoint to any actual locations.")
	}
	return nil
}

func watchpoint(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments: watch <global> | watch *<address>")
	}
	wp, err := t.debugger.CreateWatchpoint(args)
	if err != nil {
		return err
	}
	debugger.PrintWatchpoint(t.stdout, wp)
	return nil
}

func unwatch(t *Term, ctx callContext, args string) error {
	id, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	if err := t.debugger.ClearWatchpoint(id); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Watchpoint %d cleared\n", id)
	return nil
}

func conditionCmd(t *Term, ctx callContext, argstr string) error {
	args := split2PartsBySpace(argstr)

	if args[0] == "" {
		return fmt.Errorf("not enough arguments")
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	cond := ""
	if len(args) > 1 {
		cond = args[1]
	}
	return t.debugger.AmendBreakpoint(id, cond)
}

func printVar(t *Term, ctx callContext, args string) error {
	return evaluate(t, ctx, args, true)
}

func callCmd(t *Term, ctx callContext, args string) error {
	return evaluate(t, ctx, args, false)
}

func evaluate(t *Term, ctx callContext, expr string, ignoreBreakpoints bool) error {
	if len(expr) == 0 {
		return fmt.Errorf("not enough arguments")
	}
	var e *proc.ExpressionExecution
	err := withFrame(t, ctx, func() error {
		var err error
		e, err = t.debugger.Evaluate(expr, proc.EvalOptions{IgnoreBreakpoints: ignoreBreakpoints})
		return err
	})
	if e != nil && e.State() == proc.ExecutionInterrupted {
		fmt.Fprintln(t.stdout, err)
		fmt.Fprintf(t.stdout, "The call is suspended on thread %d, continue to complete it.\n", e.ThreadID)
		if p, err := t.debugger.Process(); err == nil {
			debugger.PrintStop(t.stdout, p)
		}
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, e.ResultString())
	return nil
}

func stackCommand(t *Term, ctx callContext, args string) error {
	depth := 50
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil {
			return fmt.Errorf("depth must be a number: %v", err)
		}
		depth = n
	}
	stack, err := t.debugger.Stacktrace(depth)
	if err != nil {
		return err
	}
	selected := t.debugger.FrameIndex()
	if ctx.scoped() {
		selected = ctx.Frame
	}
	d := digits(len(stack) - 1)
	for i := range stack {
		mark := " "
		if stack[i].Index == selected {
			mark = "*"
		}
		fmt.Fprintf(t.stdout, "%s %*d  %s\n", mark, d, stack[i].Index, stack[i].Current)
	}
	return nil
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	return int(math.Floor(math.Log10(float64(n)))) + 1
}

func listCommand(t *Term, ctx callContext, args string) error {
	var loc proc.Location
	err := withFrame(t, ctx, func() error {
		if f, err := t.debugger.Frame(); err == nil {
			loc = f.Current
		}
		return nil
	})
	if err != nil {
		return err
	}
	if args == "" {
		if loc.File == "" {
			return errors.New("no source for the selected frame")
		}
		return printSource(t, loc, true)
	}

	tgt := t.debugger.Target()
	if tgt == nil || tgt.BinInfo() == nil {
		return debugger.ErrNoTarget
	}
	bi := tgt.BinInfo()
	showArrow := false
	if n, err := strconv.Atoi(args); err == nil {
		loc.Line = n
	} else if file, line, ok := strings.Cut(args, ":"); ok {
		n, err := strconv.Atoi(line)
		if err != nil {
			return fmt.Errorf("invalid line %q", line)
		}
		loc.File, loc.Line = file, n
	} else {
		fn := bi.Image.LookupFunc(args)
		if fn == nil {
			return fmt.Errorf("location %q not found", args)
		}
		loc.File, loc.Line, _ = bi.PCToLine(fn.Entry)
	}
	if cur, err := t.debugger.Frame(); err == nil && symbols.SameFile(cur.Current.File, loc.File) {
		showArrow = cur.Current.Line == loc.Line
	}
	return printSource(t, loc, showArrow)
}

// printSource lists the lines of the image source around loc.
func printSource(t *Term, loc proc.Location, showArrow bool) error {
	if loc.File == "" {
		return nil
	}
	tgt := t.debugger.Target()
	if tgt == nil || tgt.BinInfo() == nil {
		return nil
	}
	var lines []string
	for name, src := range tgt.BinInfo().Image.Sources {
		if symbols.SameFile(name, loc.File) {
			lines = src
			break
		}
	}
	if lines == nil {
		return fmt.Errorf("no source for %s", loc.File)
	}
	arrowLine := 0
	if showArrow {
		arrowLine = loc.Line
	}
	return t.stdout.ColorizePrint(lines, loc.Line-listContextLines, loc.Line+listContextLines+1, arrowLine)
}

func targetCommand(t *Term, ctx callContext, args string) error {
	v := split2PartsBySpace(args)
	switch v[0] {
	case "":
		cur := t.debugger.Target()
		for i, tgt := range t.debugger.Targets() {
			mark := " "
			if tgt == cur {
				mark = "*"
			}
			path := tgt.Path()
			if path == "" {
				path = "<empty>"
			}
			fmt.Fprintf(t.stdout, "%s target #%d: %s", mark, i, path)
			if p := tgt.Process(); p != nil {
				fmt.Fprintf(t.stdout, " (%s)", debugger.FormatProcessState(p))
			}
			fmt.Fprintln(t.stdout)
		}
		return nil
	case "create":
		if len(v) < 2 || v[1] == "" {
			return errors.New("not enough arguments: target create <image>")
		}
		tgt, err := t.debugger.CreateTarget(v[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Current target set to %q\n", tgt.Path())
		return nil
	case "select":
		if len(v) < 2 {
			return errors.New("not enough arguments: target select <index>")
		}
		i, err := strconv.Atoi(v[1])
		if err != nil {
			return err
		}
		return t.debugger.SelectTarget(i)
	}
	return fmt.Errorf("unknown subcommand %q", v[0])
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

func transcript(t *Term, ctx callContext, args string) error {
	argv := strings.SplitN(args, " ", -1)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			} else {
				path = arg
			}
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits idb.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
