package proc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/inferior/pkg/symbols"
)

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	Current Location
	// Index is the position of the frame in the stack, 0 is the innermost.
	Index int
	// FrameBase is the frame pointer of the frame, parameters and locals are
	// at fixed offsets from it. It is zero when the frame has not been set
	// up yet or was already torn down.
	FrameBase uint64
	// CFA is the value of SP after the frame returns.
	CFA uint64
	// Return address for this stack frame (as read from the stack frame itself).
	Ret uint64

	thread *Thread
}

// Thread returns the thread this frame belongs to.
func (frame *Stackframe) Thread() *Thread { return frame.thread }

func (frame *Stackframe) String() string {
	return fmt.Sprintf("frame #%d: %s", frame.Index, frame.Current)
}

const maxStackDepth = 256

var errUnreadableFrame = errors.New("could not read frame")

func readUint64(mem MemoryReadWriter, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// threadStacktrace unwinds the stack of t following the chain of frame
// pointers. Each function saves the caller's frame pointer at [fp] and the
// return address is at [fp+8]; in the first two instructions of a
// function and at its return instructions the frame is not set up and
// the return address is read relative to SP instead.
func (p *Process) threadStacktrace(bi *BinaryInfo, t *Thread, depth int) ([]Stackframe, error) {
	if depth <= 0 || depth > maxStackDepth {
		depth = maxStackDepth
	}
	regs, err := p.inf.Registers(t.ID)
	if err != nil {
		return nil, err
	}
	mem := p.inf
	instrSize := uint64(bi.Arch.InstrSize)

	pc, sp, fp := regs.PC, regs.SP, regs.FP
	var frames []Stackframe
	for len(frames) < depth {
		file, line, fn := bi.PCToLine(pc)
		frame := Stackframe{Current: Location{PC: pc, File: file, Line: line, Fn: fn}, Index: len(frames), thread: t}
		if fn == nil || fn.NoFrame {
			frames = append(frames, frame)
			break
		}

		var ret, callerFP, cfa uint64
		switch {
		case pc == fn.Entry || isReturnPC(fn, pc):
			ret, err = readUint64(mem, sp)
			callerFP, cfa = fp, sp+8
		case pc == fn.Entry+instrSize:
			callerFP, err = readUint64(mem, sp)
			if err == nil {
				ret, err = readUint64(mem, sp+8)
			}
			cfa = sp + 16
		default:
			frame.FrameBase = fp
			callerFP, err = readUint64(mem, fp)
			if err == nil {
				ret, err = readUint64(mem, fp+8)
			}
			cfa = fp + 16
		}
		frame.Ret = ret
		frame.CFA = cfa
		frames = append(frames, frame)
		if err != nil || ret == 0 {
			break
		}
		pc, sp, fp = ret, cfa, callerFP
		if len(frames) == 1 {
			continue
		}
		if frames[len(frames)-2].CFA >= cfa {
			// the stack grows down, a CFA that does not increase means the
			// chain is corrupted
			break
		}
	}
	if len(frames) == 0 {
		return nil, errUnreadableFrame
	}
	return frames, nil
}

func isReturnPC(fn *symbols.Function, pc uint64) bool {
	for _, r := range fn.Returns {
		if r == pc {
			return true
		}
	}
	return false
}

// Arguments returns the parameters of the function of the frame.
func (frame *Stackframe) Arguments(maxStringLen int) ([]*Variable, error) {
	if frame.Current.Fn == nil {
		return nil, fmt.Errorf("no function at %#x", frame.Current.PC)
	}
	return frame.variables(frame.Current.Fn.Params, maxStringLen)
}

// Locals returns the local variables of the function of the frame.
func (frame *Stackframe) Locals(maxStringLen int) ([]*Variable, error) {
	if frame.Current.Fn == nil {
		return nil, fmt.Errorf("no function at %#x", frame.Current.PC)
	}
	return frame.variables(frame.Current.Fn.Locals, maxStringLen)
}

func (frame *Stackframe) variables(vars []symbols.Variable, maxStringLen int) ([]*Variable, error) {
	p := frame.thread.Process()
	if p == nil {
		return nil, ErrNoProcess
	}
	r := make([]*Variable, 0, len(vars))
	for _, v := range vars {
		r = append(r, frame.variable(p, v, maxStringLen))
	}
	return r, nil
}

func (frame *Stackframe) variable(p *Process, v symbols.Variable, maxStringLen int) *Variable {
	if frame.FrameBase == 0 {
		return &Variable{Name: v.Name, Type: v.Type, Unreadable: fmt.Errorf("frame of %s is not set up", frame.Current.Fn.Name)}
	}
	addr := uint64(int64(frame.FrameBase) + v.FPOffset)
	return newVariable(v.Name, addr, v.Type, p.inf, maxStringLen)
}
