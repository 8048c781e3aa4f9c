package proc

import (
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/symbols"
)

const fnCacheSize = 256

// BinaryInfo holds information on the binary being executed.
type BinaryInfo struct {
	Image *symbols.Image
	Arch  symbols.Arch

	// fnCache maps PCs to the function containing them, negative lookups
	// are cached too.
	fnCache *lru.Cache
}

// NewBinaryInfo returns an initialized BinaryInfo for img.
func NewBinaryInfo(img *symbols.Image) *BinaryInfo {
	img.Sort()
	c, err := lru.New(fnCacheSize)
	if err != nil {
		logflags.ProcLogger().Errorf("could not create function cache: %v", err)
	}
	return &BinaryInfo{Image: img, Arch: img.Arch, fnCache: c}
}

// PCToFunc returns the function containing the given PC address
func (bi *BinaryInfo) PCToFunc(pc uint64) *symbols.Function {
	if bi.fnCache != nil {
		if v, ok := bi.fnCache.Get(pc); ok {
			return v.(*symbols.Function)
		}
	}
	fns := bi.Image.Functions
	i := sort.Search(len(fns), func(i int) bool { return fns[i].End > pc })
	var fn *symbols.Function
	if i < len(fns) && fns[i].Entry <= pc {
		fn = fns[i]
	}
	if bi.fnCache != nil {
		bi.fnCache.Add(pc, fn)
	}
	return fn
}

// PCToLine converts an instruction address to a file/line/function.
func (bi *BinaryInfo) PCToLine(pc uint64) (string, int, *symbols.Function) {
	fn := bi.PCToFunc(pc)
	lines := bi.Image.Lines
	i := sort.Search(len(lines), func(i int) bool { return lines[i].Addr > pc })
	if i == 0 {
		return "", 0, fn
	}
	le := lines[i-1]
	if fn != nil && le.Addr < fn.Entry {
		return "", 0, fn
	}
	return le.File, le.Line, fn
}

// LineToPCs returns the addresses of file:line. When the line has no code
// the first following line that has code is used, the returned line is
// the one actually resolved.
func (bi *BinaryInfo) LineToPCs(file string, line int) ([]uint64, int) {
	if pcs := bi.Image.LineToPCs(file, line); len(pcs) > 0 {
		return pcs, line
	}
	best := 0
	for _, le := range bi.Image.Lines {
		if le.Line > line && symbols.SameFile(le.File, file) && (best == 0 || le.Line < best) {
			best = le.Line
		}
	}
	if best == 0 {
		return nil, line
	}
	fn := bi.PCToFunc(bi.Image.LineToPCs(file, best)[0])
	if fn == nil || bi.functionForLine(file, line) != fn {
		// never move a breakpoint into another function
		return nil, line
	}
	return bi.Image.LineToPCs(file, best), best
}

// functionForLine returns the function whose code surrounds file:line.
func (bi *BinaryInfo) functionForLine(file string, line int) *symbols.Function {
	var before *symbols.Function
	beforeLine := 0
	for _, le := range bi.Image.Lines {
		if !symbols.SameFile(le.File, file) || le.Line > line || le.Line < beforeLine {
			continue
		}
		beforeLine = le.Line
		before = bi.PCToFunc(le.Addr)
	}
	return before
}

// FirstPCAfterPrologue returns the address of the first instruction after
// the prologue of fn.
func (bi *BinaryInfo) FirstPCAfterPrologue(fn *symbols.Function) uint64 {
	if fn.NoFrame {
		return fn.Entry
	}
	if fn.PrologueEnd > fn.Entry && fn.PrologueEnd < fn.End {
		return fn.PrologueEnd
	}
	pc := fn.Entry + bi.Arch.PrologueSize
	if pc >= fn.End {
		return fn.Entry
	}
	return pc
}

// ValidCodeAddr returns true if addr is the address of an instruction.
func (bi *BinaryInfo) ValidCodeAddr(addr uint64) bool {
	img := bi.Image
	return addr >= img.TextStart && addr < img.TextEnd && (addr-img.TextStart)%uint64(bi.Arch.InstrSize) == 0
}
