package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NumGPR is the number of general purpose registers.
const NumGPR = 8

// Registers is the register set of a thread.
// Integer arguments are passed in GPR[0..5], scalar return values in
// GPR[0] and the address of the result slot of a call returning an
// aggregate in GPR[7].
type Registers struct {
	PC  uint64
	SP  uint64
	FP  uint64
	GPR [NumGPR]uint64
}

// SretReg is the register holding the result slot address for calls that
// return an aggregate.
const SretReg = 7

// Register represents a CPU register.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

// AppendQwordReg appends a quad word (64 bit) register to regs.
func AppendQwordReg(regs []Register, name string, value uint64) []Register {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, value)
	return append(regs, Register{name, buf.Bytes(), fmt.Sprintf("%#016x", value)})
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *Registers) Slice() []Register {
	var out []Register
	out = AppendQwordReg(out, "pc", r.PC)
	out = AppendQwordReg(out, "sp", r.SP)
	out = AppendQwordReg(out, "fp", r.FP)
	for i := range r.GPR {
		out = AppendQwordReg(out, fmt.Sprintf("r%d", i), r.GPR[i])
	}
	return out
}

// Get returns the value of the register called name.
func (r *Registers) Get(name string) (uint64, bool) {
	switch name {
	case "pc":
		return r.PC, true
	case "sp":
		return r.SP, true
	case "fp":
		return r.FP, true
	}
	var n int
	if _, err := fmt.Sscanf(name, "r%d", &n); err == nil && n >= 0 && n < NumGPR && name == fmt.Sprintf("r%d", n) {
		return r.GPR[n], true
	}
	return 0, false
}
