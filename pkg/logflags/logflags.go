package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var debugger = false
var procCtl = false
var fnCall = false
var events = false
var vm = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{logger}
}

func textFormatter() logrus.Formatter {
	colors := false
	if f, ok := logOut.(*os.File); ok {
		colors = isatty.IsTerminal(f.Fd())
	} else if logOut == nil {
		colors = isatty.IsTerminal(os.Stderr.Fd())
	}
	return &logrus.TextFormatter{DisableColors: !colors, FullTimestamp: true}
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() Logger {
	return makeLogger(debugger, Fields{"layer": "debugger"})
}

// Proc returns true if process control (launch, continue, stops) should be
// logged.
func Proc() bool {
	return procCtl
}

// ProcLogger returns a logger for the process controller.
func ProcLogger() Logger {
	return makeLogger(procCtl, Fields{"layer": "proc"})
}

// FnCall returns true if the function call protocol should be logged.
func FnCall() bool {
	return fnCall
}

func FnCallLogger() Logger {
	return makeLogger(fnCall, Fields{"layer": "proc", "kind": "fncall"})
}

// Events returns true if event delivery should be logged.
func Events() bool {
	return events
}

func EventsLogger() Logger {
	return makeLogger(events, Fields{"layer": "proc", "kind": "events"})
}

// VM returns true if the simulated machine should log scheduling and traps.
func VM() bool {
	return vm
}

func VMLogger() Logger {
	return makeLogger(vm, Fields{"layer": "vm"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "idb-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "debugger"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "debugger":
			debugger = true
		case "proc":
			procCtl = true
		case "fncall":
			fnCall = true
		case "events":
			events = true
		case "vm":
			vm = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
