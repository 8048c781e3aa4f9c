package symbols

import (
	"fmt"
	"strings"
)

// Kind is the category of a Type.
type Kind uint8

const (
	Invalid Kind = iota
	Void
	Int     // signed integer, Size bytes
	Bool    // one machine word, zero is false
	CString // pointer to a NUL terminated byte sequence
	Pointer // pointer to Elem
	Struct  // fields laid out at fixed offsets
	Func    // function value, holds an entry address
)

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case CString:
		return "cstring"
	case Pointer:
		return "pointer"
	case Struct:
		return "struct"
	case Func:
		return "func"
	default:
		return "invalid"
	}
}

// Type describes the memory layout of a value in the inferior.
type Type struct {
	Name   string
	Kind   Kind
	Size   int64
	Elem   *Type   // pointed-to type for Pointer
	Fields []Field // for Struct, ordered by offset
}

// Field is a member of a struct type.
type Field struct {
	Name   string
	Type   *Type
	Offset int64
}

// Predeclared types.
var (
	VoidType    = &Type{Name: "void", Kind: Void}
	IntType     = &Type{Name: "int", Kind: Int, Size: 8}
	BoolType    = &Type{Name: "bool", Kind: Bool, Size: 8}
	CStringType = &Type{Name: "const char *", Kind: CString, Size: 8}
	FuncType    = &Type{Name: "func", Kind: Func, Size: 8}
)

// PointerTo returns the pointer type to elem.
func PointerTo(elem *Type) *Type {
	return &Type{Name: elem.Name + " *", Kind: Pointer, Size: 8, Elem: elem}
}

// Field returns the field called name or nil.
func (t *Type) Field(name string) *Field {
	if t == nil {
		return nil
	}
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// IsScalar is true for types that fit a machine register.
func (t *Type) IsScalar() bool {
	switch t.Kind {
	case Int, Bool, CString, Pointer, Func:
		return true
	}
	return false
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind != Struct || t.Name != "" {
		return t.Name
	}
	fields := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		fields[i] = fmt.Sprintf("%s %s", f.Type, f.Name)
	}
	return "struct { " + strings.Join(fields, "; ") + " }"
}

// NewStruct lays out fields sequentially with word alignment and returns
// the resulting struct type.
func NewStruct(name string, names []string, types []*Type) *Type {
	t := &Type{Name: name, Kind: Struct}
	off := int64(0)
	for i := range names {
		t.Fields = append(t.Fields, Field{Name: names[i], Type: types[i], Offset: off})
		sz := types[i].Size
		if rem := sz % 8; rem != 0 {
			sz += 8 - rem
		}
		off += sz
	}
	t.Size = off
	return t
}
