// Package symbols describes the symbol and type information of an executable
// image: functions, source line mapping, global variables and type layouts.
//
// Images are produced by a backend (see pkg/proc/vm) and consumed by
// pkg/proc for breakpoint resolution, stack unwinding and value rendering.
package symbols

import (
	"path/filepath"
	"regexp"
	"sort"
)

// Arch describes the instruction set properties the debugger needs.
type Arch struct {
	Name string
	// InstrSize is the size of one instruction.
	InstrSize int
	// PtrSize is the size of a pointer.
	PtrSize int
	// BreakpointInstruction is written over the first bytes of an
	// instruction to set a software breakpoint.
	BreakpointInstruction []byte
	// PrologueSize is the size of the standard function prologue
	// (push fp; mov fp, sp).
	PrologueSize uint64
	// RedZone is the number of bytes below SP that a function may use
	// without adjusting SP.
	RedZone uint64
	// ArgRegs is the number of registers used to pass integer arguments.
	ArgRegs int
}

// Variable is a parameter or local variable of a function, stored at a
// fixed offset from the frame pointer.
type Variable struct {
	Name     string
	Type     *Type
	FPOffset int64
}

// Function is a function in the image.
type Function struct {
	Name   string
	Entry  uint64
	End    uint64
	Ret    *Type
	Params []Variable
	Locals []Variable
	// PrologueEnd is the address of the first instruction after the frame
	// setup, zero if it is Entry+Arch.PrologueSize.
	PrologueEnd uint64
	// Returns are the addresses of the return instructions, where the
	// frame has already been torn down.
	Returns []uint64
	// NoFrame is true for functions that do not set up a frame pointer
	// (the startup stub).
	NoFrame bool
}

// Lookup returns the parameter or local called name.
func (fn *Function) Lookup(name string) (Variable, bool) {
	for _, v := range fn.Params {
		if v.Name == name {
			return v, true
		}
	}
	for _, v := range fn.Locals {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// LineEntry maps an address to a source line.
type LineEntry struct {
	Addr uint64
	File string
	Line int
}

// Global is a global variable.
type Global struct {
	Name string
	Addr uint64
	Type *Type
}

// Image is the symbol and type information of an executable.
type Image struct {
	Path  string
	Arch  Arch
	Entry uint64
	// TextStart and TextEnd delimit the code segment.
	TextStart, TextEnd uint64

	Functions []*Function    // sorted by Entry
	Lines     []LineEntry    // sorted by Addr
	Globals   []*Global
	Types     map[string]*Type
	Sources   map[string][]string // file -> source text, one element per line
}

// Name returns the base name of the image path.
func (img *Image) Name() string {
	return filepath.Base(img.Path)
}

// Sort orders functions and line entries by address. Backends call it once
// after building an image.
func (img *Image) Sort() {
	sort.Slice(img.Functions, func(i, j int) bool { return img.Functions[i].Entry < img.Functions[j].Entry })
	sort.SliceStable(img.Lines, func(i, j int) bool { return img.Lines[i].Addr < img.Lines[j].Addr })
}

// LookupFunc returns the function called name.
func (img *Image) LookupFunc(name string) *Function {
	for _, fn := range img.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// LookupGlobal returns the global variable called name.
func (img *Image) LookupGlobal(name string) *Global {
	for _, g := range img.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// LookupType returns the type called name, including predeclared types.
func (img *Image) LookupType(name string) *Type {
	switch name {
	case "int":
		return IntType
	case "bool":
		return BoolType
	case "void":
		return VoidType
	}
	if img.Types != nil {
		return img.Types[name]
	}
	return nil
}

// SameFile is true if path refers to file. A base name matches any
// directory.
func SameFile(file, path string) bool {
	if file == path {
		return true
	}
	if filepath.Base(path) == path {
		return filepath.Base(file) == path
	}
	return false
}

// LineToPCs returns every address mapped to file:line, in address order.
// A single statement can map to more than one address.
func (img *Image) LineToPCs(file string, line int) []uint64 {
	var pcs []uint64
	for _, le := range img.Lines {
		if le.Line == line && SameFile(le.File, file) {
			pcs = append(pcs, le.Addr)
		}
	}
	return pcs
}

// MatchSource returns the lines of file whose text matches re.
func (img *Image) MatchSource(re *regexp.Regexp, file string) (string, []int) {
	for name, lines := range img.Sources {
		if !SameFile(name, file) {
			continue
		}
		var r []int
		for i, text := range lines {
			if re.MatchString(text) {
				r = append(r, i+1)
			}
		}
		return name, r
	}
	return "", nil
}
