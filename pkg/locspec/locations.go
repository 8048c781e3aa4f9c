package locspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/inferior/pkg/proc"
)

// LocationSpec is an interface that represents a parsed location spec string.
type LocationSpec interface {
	// SetBreakpoint creates a breakpoint at the locations matched by the
	// spec. bi is the image of the target and cur the location of the
	// selected frame, both can be nil.
	SetBreakpoint(bt *proc.BreakpointTable, bi *proc.BinaryInfo, cur *proc.Location, opts ...proc.BreakpointOption) (*proc.Breakpoint, error)
}

// NormalLocationSpec represents a basic location spec.
// This can be a file:line or func:line.
type NormalLocationSpec struct {
	Base       string
	LineOffset int
}

// RegexLocationSpec represents a regular expression
// location expression such as /^loop:/.
type RegexLocationSpec struct {
	SourceRegex string
}

// AddrLocationSpec represents an address when used
// as a location spec.
type AddrLocationSpec struct {
	AddrExpr string
}

// OffsetLocationSpec represents a location spec that
// is an offset of the current location (file:line).
type OffsetLocationSpec struct {
	Offset int
}

// LineLocationSpec represents a line number in the current file.
type LineLocationSpec struct {
	Line int
}

var errNoCurrentFile = errors.New("no current file, specify the file name")

// Parse will turn locStr into a parsed LocationSpec.
func Parse(locStr string) (LocationSpec, error) {
	rest := locStr

	malformed := func(reason string) error {
		//lint:ignore ST1005 backwards compatibility
		return fmt.Errorf("Malformed breakpoint location \"%s\" at %d: %s", locStr, len(locStr)-len(rest), reason)
	}

	if len(rest) <= 0 {
		return nil, malformed("empty string")
	}

	switch rest[0] {
	case '+', '-':
		offset, err := strconv.Atoi(rest)
		if err != nil {
			return nil, malformed(err.Error())
		}
		return &OffsetLocationSpec{offset}, nil

	case '/':
		if rest[len(rest)-1] != '/' {
			return parseLocationSpecDefault(locStr, rest)
		}
		rx, rest := readRegex(rest[1:])
		if len(rest) == 0 {
			return nil, malformed("non-terminated regular expression")
		}
		if len(rest) > 1 {
			return nil, malformed("no line offset can be specified for regular expression locations")
		}
		if rx == "" {
			return nil, malformed("empty regular expression")
		}
		return &RegexLocationSpec{rx}, nil

	case '*':
		if len(rest) == 1 {
			return nil, malformed("missing address")
		}
		return &AddrLocationSpec{AddrExpr: rest[1:]}, nil

	default:
		return parseLocationSpecDefault(locStr, rest)
	}
}

func parseLocationSpecDefault(locStr, rest string) (LocationSpec, error) {
	malformed := func(reason string) error {
		//lint:ignore ST1005 backwards compatibility
		return fmt.Errorf("Malformed breakpoint location \"%s\" at %d: %s", locStr, len(locStr)-len(rest), reason)
	}

	v := strings.Split(rest, ":")
	if len(v) > 2 {
		// On Windows, path may contain ":", so split only on last ":"
		v = []string{strings.Join(v[0:len(v)-1], ":"), v[len(v)-1]}
	}

	if len(v) == 1 {
		n, err := strconv.ParseInt(v[0], 0, 64)
		if err == nil {
			return &LineLocationSpec{int(n)}, nil
		}
	}

	spec := &NormalLocationSpec{Base: v[0]}

	if len(v) < 2 {
		spec.LineOffset = -1
		return spec, nil
	}

	rest = v[1]

	var err error
	spec.LineOffset, err = strconv.Atoi(rest)
	if err != nil || spec.LineOffset < 0 {
		return nil, malformed("line offset negative or not a number")
	}

	return spec, nil
}

func readRegex(in string) (rx string, rest string) {
	out := make([]rune, 0, len(in))
	escaped := false
	for i, ch := range in {
		if escaped {
			if ch == '/' {
				out = append(out, '/')
			} else {
				out = append(out, '\\', ch)
			}
			escaped = false
		} else {
			switch ch {
			case '\\':
				escaped = true
			case '/':
				return string(out), in[i:]
			default:
				out = append(out, ch)
			}
		}
	}
	return string(out), ""
}

// currentFile returns the file of cur or, without a current location, the
// source file of the image.
func currentFile(bi *proc.BinaryInfo, cur *proc.Location) (string, error) {
	if cur != nil && cur.File != "" {
		return cur.File, nil
	}
	if bi != nil {
		return bi.Image.Path, nil
	}
	return "", errNoCurrentFile
}

// SetBreakpoint sets a breakpoint on a function, a function line or a
// file line. A base that is not the name of a function is a file name.
func (spec *NormalLocationSpec) SetBreakpoint(bt *proc.BreakpointTable, bi *proc.BinaryInfo, cur *proc.Location, opts ...proc.BreakpointOption) (*proc.Breakpoint, error) {
	if spec.LineOffset < 0 {
		return bt.CreateByName(spec.Base, opts...)
	}
	file := spec.Base
	if bi != nil {
		if fn := bi.Image.LookupFunc(spec.Base); fn != nil {
			file, _, _ = bi.PCToLine(fn.Entry)
		}
	}
	return bt.CreateBySourceLocation(file, spec.LineOffset, opts...)
}

// SetBreakpoint sets a breakpoint on every line of the current file that
// matches the regular expression.
func (spec *RegexLocationSpec) SetBreakpoint(bt *proc.BreakpointTable, bi *proc.BinaryInfo, cur *proc.Location, opts ...proc.BreakpointOption) (*proc.Breakpoint, error) {
	file, err := currentFile(bi, cur)
	if err != nil {
		return nil, err
	}
	return bt.CreateBySourceRegex(spec.SourceRegex, file, opts...)
}

// SetBreakpoint sets a breakpoint at an address or at the entry point of a
// function.
func (spec *AddrLocationSpec) SetBreakpoint(bt *proc.BreakpointTable, bi *proc.BinaryInfo, cur *proc.Location, opts ...proc.BreakpointOption) (*proc.Breakpoint, error) {
	addr, err := strconv.ParseUint(spec.AddrExpr, 0, 64)
	if err != nil {
		if bi == nil {
			return nil, fmt.Errorf("could not find function %s: target has no image", spec.AddrExpr)
		}
		fn := bi.Image.LookupFunc(spec.AddrExpr)
		if fn == nil {
			return nil, fmt.Errorf("could not find function %s", spec.AddrExpr)
		}
		addr = fn.Entry
	}
	return bt.CreateByAddress(addr, opts...)
}

// SetBreakpoint sets a breakpoint on a line of the current file.
func (spec *LineLocationSpec) SetBreakpoint(bt *proc.BreakpointTable, bi *proc.BinaryInfo, cur *proc.Location, opts ...proc.BreakpointOption) (*proc.Breakpoint, error) {
	file, err := currentFile(bi, cur)
	if err != nil {
		return nil, err
	}
	return bt.CreateBySourceLocation(file, spec.Line, opts...)
}

// SetBreakpoint sets a breakpoint on a line relative to the current line.
func (spec *OffsetLocationSpec) SetBreakpoint(bt *proc.BreakpointTable, bi *proc.BinaryInfo, cur *proc.Location, opts ...proc.BreakpointOption) (*proc.Breakpoint, error) {
	if cur == nil || cur.File == "" {
		return nil, errors.New("could not determine current location")
	}
	line := cur.Line + spec.Offset
	if line <= 0 {
		return nil, fmt.Errorf("invalid line offset %d from line %d", spec.Offset, cur.Line)
	}
	return bt.CreateBySourceLocation(cur.File, line, opts...)
}
