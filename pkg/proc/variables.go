package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"go/constant"
	"strconv"
	"strings"

	"github.com/go-delve/inferior/pkg/symbols"
)

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Variable represents a variable. It contains the address, name,
// type and the value read from the memory of the debugged process.
type Variable struct {
	// Addr is the address of the variable, zero for values that are not
	// stored in memory (constants, values returned in registers).
	Addr uint64
	Name string
	Type *symbols.Type

	// Value is the value of scalar variables; pointers, strings and
	// functions hold their address.
	Value constant.Value
	// Base is the address a pointer, string or function points to.
	Base uint64
	// Str is the text of a C string, truncated to the maximum string
	// length.
	Str string
	// Truncated is set when Str was truncated.
	Truncated bool
	// Children are the fields of a struct.
	Children []*Variable

	Unreadable error

	mem MemoryReadWriter
}

// newVariable reads the variable of type typ stored at addr.
func newVariable(name string, addr uint64, typ *symbols.Type, mem MemoryReadWriter, maxStringLen int) *Variable {
	v := &Variable{Name: name, Addr: addr, Type: typ, mem: mem}
	v.load(maxStringLen)
	return v
}

// newRegisterVariable returns the scalar value val of type typ.
func newRegisterVariable(name string, val uint64, typ *symbols.Type, mem MemoryReadWriter, maxStringLen int) *Variable {
	v := &Variable{Name: name, Type: typ, mem: mem}
	v.setRaw(val, maxStringLen)
	return v
}

// newConstant returns a variable holding the constant val.
func newConstant(val constant.Value, typ *symbols.Type, mem MemoryReadWriter) *Variable {
	v := &Variable{Type: typ, Value: val, mem: mem}
	if typ.Kind == symbols.Pointer || typ.Kind == symbols.CString || typ.Kind == symbols.Func {
		v.Base, _ = constant.Uint64Val(val)
	}
	return v
}

func (v *Variable) load(maxStringLen int) {
	switch v.Type.Kind {
	case symbols.Void:
		return
	case symbols.Struct:
		for _, f := range v.Type.Fields {
			v.Children = append(v.Children, newVariable(f.Name, v.Addr+uint64(f.Offset), f.Type, v.mem, maxStringLen))
		}
		return
	}
	size := v.Type.Size
	if size <= 0 || size > 8 {
		v.Unreadable = fmt.Errorf("unsupported size %d for %s", size, v.Type)
		return
	}
	var buf [8]byte
	if _, err := v.mem.ReadMemory(buf[:size], v.Addr); err != nil {
		v.Unreadable = err
		return
	}
	raw := binary.LittleEndian.Uint64(buf[:])
	if v.Type.Kind == symbols.Int && size < 8 {
		shift := uint(64 - 8*size)
		raw = uint64(int64(raw<<shift) >> shift)
	}
	v.setRaw(raw, maxStringLen)
}

func (v *Variable) setRaw(raw uint64, maxStringLen int) {
	switch v.Type.Kind {
	case symbols.Int:
		v.Value = constant.MakeInt64(int64(raw))
	case symbols.Bool:
		v.Value = constant.MakeBool(raw != 0)
	case symbols.Pointer, symbols.Func:
		v.Base = raw
		v.Value = constant.MakeUint64(raw)
	case symbols.CString:
		v.Base = raw
		v.Value = constant.MakeUint64(raw)
		if raw != 0 {
			v.Str, v.Truncated, v.Unreadable = readCString(v.mem, raw, maxStringLen)
		}
	}
}

// readCString reads the NUL terminated string at addr, up to maxlen bytes.
func readCString(mem MemoryReadWriter, addr uint64, maxlen int) (string, bool, error) {
	const chunk = 64
	var out []byte
	for len(out) < maxlen {
		n := chunk
		if rem := maxlen - len(out); rem < n {
			n = rem
		}
		buf := make([]byte, n)
		read, err := mem.ReadMemory(buf, addr+uint64(len(out)))
		buf = buf[:read]
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), false, nil
		}
		out = append(out, buf...)
		if err != nil {
			if read > 0 {
				continue
			}
			return string(out), false, err
		}
	}
	return string(out), true, nil
}

// detach clears the address of v and its children, the value stays
// readable but can not be assigned or have its address taken.
func (v *Variable) detach() {
	v.Addr = 0
	for _, c := range v.Children {
		c.detach()
	}
}

// Field returns the struct field called name.
func (v *Variable) Field(name string) *Variable {
	for _, c := range v.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Int64 returns the value of a scalar variable as an integer.
func (v *Variable) Int64() (int64, bool) {
	if v.Value == nil {
		return 0, false
	}
	switch v.Value.Kind() {
	case constant.Bool:
		if constant.BoolVal(v.Value) {
			return 1, true
		}
		return 0, true
	case constant.Int:
		if n, ok := constant.Int64Val(v.Value); ok {
			return n, true
		}
		n, ok := constant.Uint64Val(v.Value)
		return int64(n), ok
	}
	return 0, false
}

// TypeString returns the name of the type of v.
func (v *Variable) TypeString() string {
	if v.Type == nil {
		return "<nil>"
	}
	return v.Type.String()
}

// SinglelineString returns the value of v on a single line, struct fields
// are rendered with their names: (number = 5, name = "five").
func (v *Variable) SinglelineString() string {
	var buf strings.Builder
	v.writeTo(&buf)
	return buf.String()
}

func (v *Variable) writeTo(buf *strings.Builder) {
	if v.Unreadable != nil && v.Type.Kind != symbols.CString {
		fmt.Fprintf(buf, "<unreadable: %v>", v.Unreadable)
		return
	}
	switch v.Type.Kind {
	case symbols.Void:
	case symbols.Struct:
		buf.WriteByte('(')
		for i, c := range v.Children {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(c.Name)
			buf.WriteString(" = ")
			c.writeTo(buf)
		}
		buf.WriteByte(')')
	case symbols.Int:
		buf.WriteString(v.Value.ExactString())
	case symbols.Bool:
		buf.WriteString(strconv.FormatBool(constant.BoolVal(v.Value)))
	case symbols.CString:
		switch {
		case v.Base == 0:
			buf.WriteString("(null)")
		case v.Unreadable != nil:
			fmt.Fprintf(buf, "%#x <unreadable: %v>", v.Base, v.Unreadable)
		default:
			buf.WriteString(strconv.Quote(v.Str))
			if v.Truncated {
				buf.WriteString("...")
			}
		}
	case symbols.Pointer, symbols.Func:
		fmt.Fprintf(buf, "%#016x", v.Base)
	default:
		buf.WriteString("<invalid>")
	}
}

// ResultString formats v as an expression result: (Type) $N = value.
func (v *Variable) ResultString() string {
	if v.Type.Kind == symbols.Void {
		return "(void)"
	}
	return fmt.Sprintf("(%s) %s = %s", v.TypeString(), v.Name, v.SinglelineString())
}

// write stores the scalar value of src into v.
func (v *Variable) write(src *Variable) error {
	if v.Addr == 0 {
		return fmt.Errorf("can not assign to %s: not addressable", v.Name)
	}
	n, ok := src.Int64()
	if !ok {
		return fmt.Errorf("can not assign %s to %s", src.TypeString(), v.TypeString())
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	if _, err := v.mem.WriteMemory(v.Addr, buf[:v.Type.Size]); err != nil {
		return err
	}
	return nil
}
