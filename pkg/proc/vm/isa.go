package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/inferior/pkg/symbols"
)

// Memory layout.
const (
	MemSize   = 0x10000
	TextStart = 0x1000
	// StackTop is the top of the stack of the first thread, every other
	// thread gets StackSize bytes below the previous one.
	StackTop   = 0x10000
	StackSize  = 0x1000
	MaxThreads = 8
	// programLimit is the end of the space available to code and data.
	programLimit = StackTop - MaxThreads*StackSize

	InstrSize = 8
	RedZone   = 128
	NumArgs   = 6
)

// Instruction encoding: op, a, b, 0, imm (int32 little endian).
const (
	opInvalid = 0x00
	opNop     = 0x01
	opMov     = 0x02 // a = b
	opLi      = 0x03 // a = imm
	opAdd     = 0x04 // a += b
	opAddi    = 0x05 // a += imm
	opSub     = 0x06 // a -= b
	opMul     = 0x07 // a *= b
	opSlt     = 0x08 // a = a < b
	opSeq     = 0x09 // a = a == b
	opLd      = 0x0a // a = [b+imm]
	opSt      = 0x0b // [b+imm] = a
	opPush    = 0x0c
	opPop     = 0x0d
	opJmp     = 0x0e // pc = imm
	opJz      = 0x0f // if a == 0 pc = imm
	opJnz     = 0x10 // if a != 0 pc = imm
	opCall    = 0x11 // push pc+8, pc = imm
	opCallr   = 0x12 // push pc+8, pc = a
	opLeave   = 0x13 // sp = fp, fp = pop
	opRet     = 0x14 // pc = pop
	opSyscall = 0x15 // syscall imm
	opTrap    = 0xcc
)

// Register numbers used in instructions.
const (
	regSP   = 8
	regFP   = 9
	regNone = 15
)

// Syscall numbers. Arguments are passed in r0-r2, the result is
// returned in r0.
const (
	sysExit       = 0
	sysWrite      = 1 // write(fd, cstring)
	sysSleep      = 2 // sleep(milliseconds), returns the time left
	sysGetpid     = 3
	sysSignal     = 4 // signal(sig, handler), returns the previous handler
	sysRaise      = 5
	sysThread     = 6 // thread(fn, arg), returns the thread id
	sysThreadExit = 7
	sysExec       = 8 // exec(path)
	sysSigreturn  = 9
	sysRead       = 10 // read(buf, size) from stdin, returns 0 at end of file
)

var syscallNames = map[string]int32{
	"exit":       sysExit,
	"write":      sysWrite,
	"sleep":      sysSleep,
	"getpid":     sysGetpid,
	"signal":     sysSignal,
	"raise":      sysRaise,
	"thread":     sysThread,
	"threadexit": sysThreadExit,
	"exec":       sysExec,
	"sigreturn":  sysSigreturn,
	"read":       sysRead,
}

// sigframeWords is the number of words saved on the stack when a signal
// handler is invoked: pc, sp, fp and the general purpose registers.
const sigframeWords = 11

// Arch describes the machine to the debugger.
var Arch = symbols.Arch{
	Name:                  "vm64",
	InstrSize:             InstrSize,
	PtrSize:               8,
	BreakpointInstruction: []byte{opTrap},
	PrologueSize:          2 * InstrSize,
	RedZone:               RedZone,
	ArgRegs:               NumArgs,
}

type instruction struct {
	op   byte
	a, b byte
	imm  int32
}

func (ins instruction) encode(buf []byte) {
	buf[0], buf[1], buf[2], buf[3] = ins.op, ins.a, ins.b, 0
	binary.LittleEndian.PutUint32(buf[4:], uint32(ins.imm))
}

func decode(buf []byte) instruction {
	return instruction{op: buf[0], a: buf[1], b: buf[2], imm: int32(binary.LittleEndian.Uint32(buf[4:]))}
}

func regName(r byte) string {
	switch r {
	case regSP:
		return "sp"
	case regFP:
		return "fp"
	case regNone:
		return ""
	}
	return fmt.Sprintf("r%d", r)
}

func (ins instruction) String() string {
	switch ins.op {
	case opNop, opLeave, opRet:
		return opNames[ins.op]
	case opTrap:
		return "trap"
	case opMov, opAdd, opSub, opMul, opSlt, opSeq:
		return fmt.Sprintf("%s %s, %s", opNames[ins.op], regName(ins.a), regName(ins.b))
	case opLi, opAddi:
		return fmt.Sprintf("%s %s, %d", opNames[ins.op], regName(ins.a), ins.imm)
	case opLd:
		return fmt.Sprintf("ld %s, [%s%+d]", regName(ins.a), regName(ins.b), ins.imm)
	case opSt:
		return fmt.Sprintf("st [%s%+d], %s", regName(ins.b), ins.imm, regName(ins.a))
	case opPush, opPop, opCallr:
		return fmt.Sprintf("%s %s", opNames[ins.op], regName(ins.a))
	case opJmp, opCall:
		return fmt.Sprintf("%s %#x", opNames[ins.op], ins.imm)
	case opJz, opJnz:
		return fmt.Sprintf("%s %s, %#x", opNames[ins.op], regName(ins.a), ins.imm)
	case opSyscall:
		return fmt.Sprintf("syscall %d", ins.imm)
	}
	return fmt.Sprintf("invalid %#x", ins.op)
}

var opNames = map[byte]string{
	opNop:     "nop",
	opMov:     "mov",
	opLi:      "li",
	opAdd:     "add",
	opAddi:    "addi",
	opSub:     "sub",
	opMul:     "mul",
	opSlt:     "slt",
	opSeq:     "seq",
	opLd:      "ld",
	opSt:      "st",
	opPush:    "push",
	opPop:     "pop",
	opJmp:     "jmp",
	opJz:      "jz",
	opJnz:     "jnz",
	opCall:    "call",
	opCallr:   "callr",
	opLeave:   "leave",
	opRet:     "ret",
	opSyscall: "syscall",
}
