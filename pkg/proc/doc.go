// Package proc controls inferior processes: it launches and attaches to
// them through a Backend, tracks their threads, sets breakpoints and
// watchpoints, delivers events to listeners and evaluates expressions,
// injecting function calls into stopped threads when needed.
package proc
