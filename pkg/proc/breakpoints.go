package proc

import (
	"fmt"
	"go/parser"
	"regexp"
	"sort"
	"sync"

	"github.com/go-delve/inferior/pkg/logflags"
)

// BreakpointKind is how the locations of a breakpoint are specified.
type BreakpointKind uint8

const (
	BreakpointBySourceLocation BreakpointKind = iota
	BreakpointByAddress
	BreakpointBySourceRegex
	BreakpointByName
)

func (k BreakpointKind) String() string {
	switch k {
	case BreakpointBySourceLocation:
		return "source"
	case BreakpointByAddress:
		return "address"
	case BreakpointBySourceRegex:
		return "regex"
	case BreakpointByName:
		return "name"
	}
	return "unknown"
}

// Breakpoint is a logical breakpoint. It resolves to zero or more
// locations in the image of its target, each location is an address where
// the program stops. Breakpoints that resolve to nothing stay pending and
// are resolved again when a new image is loaded.
type Breakpoint struct {
	ID   int
	Kind BreakpointKind

	// Specification, depending on Kind.
	File         string
	Line         int
	Addr         uint64
	Pattern      string
	FunctionName string

	table *BreakpointTable

	// The following fields are protected by the mutex of the table.
	enabled   bool
	cond      string
	locations []*BreakpointLocation
	hitCount  uint64
}

// BreakpointLocation is an address a breakpoint resolved to.
type BreakpointLocation struct {
	ID         int
	Breakpoint *Breakpoint

	Addr         uint64
	File         string
	Line         int
	FunctionName string

	enabled  bool
	hitCount uint64
}

func (loc *BreakpointLocation) String() string {
	return fmt.Sprintf("%d.%d", loc.Breakpoint.ID, loc.ID)
}

// IsEnabled returns true if the location is enabled. A location stops the
// program only when both it and its breakpoint are enabled.
func (loc *BreakpointLocation) IsEnabled() bool {
	bt := loc.Breakpoint.table
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return loc.enabled
}

// SetEnabled enables or disables the location.
func (loc *BreakpointLocation) SetEnabled(enabled bool) {
	bt := loc.Breakpoint.table
	bt.mu.Lock()
	loc.enabled = enabled
	bt.mu.Unlock()
}

// HitCount returns the number of times the location was hit.
func (loc *BreakpointLocation) HitCount() uint64 {
	bt := loc.Breakpoint.table
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return loc.hitCount
}

// String returns a description of the breakpoint.
func (bp *Breakpoint) String() string {
	bt := bp.table
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return fmt.Sprintf("Breakpoint %d: %s, locations = %d, hit count = %d", bp.ID, bp.spec(), len(bp.locations), bp.hitCount)
}

func (bp *Breakpoint) spec() string {
	switch bp.Kind {
	case BreakpointByAddress:
		return fmt.Sprintf("address = %#x", bp.Addr)
	case BreakpointBySourceRegex:
		return fmt.Sprintf("source regex = %q", bp.Pattern)
	case BreakpointByName:
		return fmt.Sprintf("name = %q", bp.FunctionName)
	}
	return fmt.Sprintf("file = %q, line = %d", bp.File, bp.Line)
}

// IsEnabled returns true if the breakpoint is enabled.
func (bp *Breakpoint) IsEnabled() bool {
	bp.table.mu.Lock()
	defer bp.table.mu.Unlock()
	return bp.enabled
}

// SetEnabled enables or disables the breakpoint. Disabled breakpoints
// keep their locations and hit counts.
func (bp *Breakpoint) SetEnabled(enabled bool) {
	bt := bp.table
	bt.mu.Lock()
	changed := bp.enabled != enabled
	bp.enabled = enabled
	n := len(bp.locations)
	bt.mu.Unlock()
	if !changed {
		return
	}
	kind := BreakpointDisabled
	if enabled {
		kind = BreakpointEnabled
	}
	bt.notify(kind, bp.ID, n)
}

// HitCount returns the number of times the breakpoint stopped the
// program.
func (bp *Breakpoint) HitCount() uint64 {
	bp.table.mu.Lock()
	defer bp.table.mu.Unlock()
	return bp.hitCount
}

// Condition returns the condition of the breakpoint, empty if it has none.
func (bp *Breakpoint) Condition() string {
	bp.table.mu.Lock()
	defer bp.table.mu.Unlock()
	return bp.cond
}

// SetCondition sets the condition of the breakpoint, the program stops
// only when the condition evaluates to true. An empty condition removes
// it.
func (bp *Breakpoint) SetCondition(cond string) error {
	if cond != "" {
		if _, err := parser.ParseExpr(cond); err != nil {
			return CompileError{Expr: cond, Err: err}
		}
	}
	bt := bp.table
	bt.mu.Lock()
	bp.cond = cond
	n := len(bp.locations)
	bt.mu.Unlock()
	bt.notify(BreakpointConditionChanged, bp.ID, n)
	return nil
}

// NumLocations returns the number of locations of the breakpoint.
func (bp *Breakpoint) NumLocations() int {
	bp.table.mu.Lock()
	defer bp.table.mu.Unlock()
	return len(bp.locations)
}

// Locations returns the locations of the breakpoint.
func (bp *Breakpoint) Locations() []*BreakpointLocation {
	bp.table.mu.Lock()
	defer bp.table.mu.Unlock()
	return append([]*BreakpointLocation(nil), bp.locations...)
}

// LocationByID returns the location with the given id or nil.
func (bp *Breakpoint) LocationByID(id int) *BreakpointLocation {
	bp.table.mu.Lock()
	defer bp.table.mu.Unlock()
	for _, loc := range bp.locations {
		if loc.ID == id {
			return loc
		}
	}
	return nil
}

type resolvedLocation struct {
	addr uint64
	file string
	line int
	fn   string
}

// resolve finds the addresses of bp in the image described by bi.
func (bp *Breakpoint) resolve(bi *BinaryInfo) ([]resolvedLocation, error) {
	var pcs []uint64
	switch bp.Kind {
	case BreakpointBySourceLocation:
		pcs, _ = bi.LineToPCs(bp.File, bp.Line)
	case BreakpointByAddress:
		if !bi.ValidCodeAddr(bp.Addr) {
			return nil, InvalidAddressError{Address: bp.Addr}
		}
		pcs = []uint64{bp.Addr}
	case BreakpointBySourceRegex:
		re, err := regexp.Compile(bp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid source regex %q: %w", bp.Pattern, err)
		}
		file, lines := bi.Image.MatchSource(re, bp.File)
		for _, line := range lines {
			pcs = append(pcs, bi.Image.LineToPCs(file, line)...)
		}
	case BreakpointByName:
		if fn := bi.Image.LookupFunc(bp.FunctionName); fn != nil {
			pcs = []uint64{bi.FirstPCAfterPrologue(fn)}
		}
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	var locs []resolvedLocation
	for i, pc := range pcs {
		if i > 0 && pcs[i-1] == pc {
			continue
		}
		file, line, fn := bi.PCToLine(pc)
		rl := resolvedLocation{addr: pc, file: file, line: line}
		if fn != nil {
			rl.fn = fn.Name
		}
		locs = append(locs, rl)
	}
	return locs, nil
}

// setLocations replaces the locations of bp, locations at addresses that
// did not change keep their id, enable state and hit count.
func (bp *Breakpoint) setLocations(locs []resolvedLocation) {
	old := bp.locations
	bp.locations = nil
	nextID := 1
	for _, loc := range old {
		if loc.ID >= nextID {
			nextID = loc.ID + 1
		}
	}
	for _, rl := range locs {
		var loc *BreakpointLocation
		for _, oloc := range old {
			if oloc.Addr == rl.addr && oloc.FunctionName == rl.fn {
				loc = oloc
				break
			}
		}
		if loc == nil {
			loc = &BreakpointLocation{ID: nextID, Breakpoint: bp, enabled: true}
			nextID++
		}
		loc.Addr, loc.File, loc.Line, loc.FunctionName = rl.addr, rl.file, rl.line, rl.fn
		bp.locations = append(bp.locations, loc)
	}
}

// Watchpoint stops the program when a thread writes to the watched
// memory.
type Watchpoint struct {
	ID   int
	Addr uint64
	Size int

	table    *BreakpointTable
	enabled  bool
	hitCount uint64
}

// IsEnabled returns true if the watchpoint is enabled.
func (wp *Watchpoint) IsEnabled() bool {
	wp.table.mu.Lock()
	defer wp.table.mu.Unlock()
	return wp.enabled
}

// SetEnabled enables or disables the watchpoint.
func (wp *Watchpoint) SetEnabled(enabled bool) {
	wp.table.mu.Lock()
	wp.enabled = enabled
	wp.table.mu.Unlock()
}

// HitCount returns the number of times the watchpoint stopped the program.
func (wp *Watchpoint) HitCount() uint64 {
	wp.table.mu.Lock()
	defer wp.table.mu.Unlock()
	return wp.hitCount
}

func (wp *Watchpoint) String() string {
	return fmt.Sprintf("Watchpoint %d: addr = %#x size = %d", wp.ID, wp.Addr, wp.Size)
}

// BreakpointOption configures a breakpoint being created.
type BreakpointOption func(*breakpointOptions)

type breakpointOptions struct {
	expect    int
	hasExpect bool
	cond      string
	disabled  bool
}

// ExpectLocations makes the creation fail with a ResolutionError unless
// the breakpoint resolves to exactly n locations. A negative n means at
// least one location.
func ExpectLocations(n int) BreakpointOption {
	return func(o *breakpointOptions) {
		o.expect, o.hasExpect = n, true
	}
}

// WithCondition sets the condition of the new breakpoint.
func WithCondition(cond string) BreakpointOption {
	return func(o *breakpointOptions) {
		o.cond = cond
	}
}

// Disabled creates the breakpoint disabled.
func Disabled() BreakpointOption {
	return func(o *breakpointOptions) {
		o.disabled = true
	}
}

// BreakpointTable holds the breakpoints and watchpoints of a target.
// Breakpoint ids are never reused.
type BreakpointTable struct {
	t *Target

	mu       sync.Mutex
	bps      []*Breakpoint
	lastID   int
	wps      []*Watchpoint
	lastWpID int
}

func newBreakpointTable(t *Target) *BreakpointTable {
	return &BreakpointTable{t: t}
}

func (bt *BreakpointTable) notify(kind BreakpointEventKind, id, numLocations int) {
	bt.t.bc.broadcast(Event{Type: EventBreakpointChanged, Breakpoint: &BreakpointEventData{Kind: kind, ID: id, NumLocations: numLocations}})
}

// CreateBySourceLocation creates a breakpoint at file:line. If the line
// has no code the breakpoint moves to the next line that has code in the
// same function.
func (bt *BreakpointTable) CreateBySourceLocation(file string, line int, opts ...BreakpointOption) (*Breakpoint, error) {
	return bt.create(&Breakpoint{Kind: BreakpointBySourceLocation, File: file, Line: line}, opts)
}

// CreateByAddress creates a breakpoint at the instruction at addr.
func (bt *BreakpointTable) CreateByAddress(addr uint64, opts ...BreakpointOption) (*Breakpoint, error) {
	return bt.create(&Breakpoint{Kind: BreakpointByAddress, Addr: addr}, opts)
}

// CreateBySourceRegex creates a breakpoint on every line of file whose
// text matches pattern.
func (bt *BreakpointTable) CreateBySourceRegex(pattern, file string, opts ...BreakpointOption) (*Breakpoint, error) {
	return bt.create(&Breakpoint{Kind: BreakpointBySourceRegex, Pattern: pattern, File: file}, opts)
}

// CreateByName creates a breakpoint after the prologue of the named
// function.
func (bt *BreakpointTable) CreateByName(name string, opts ...BreakpointOption) (*Breakpoint, error) {
	return bt.create(&Breakpoint{Kind: BreakpointByName, FunctionName: name}, opts)
}

func (bt *BreakpointTable) create(bp *Breakpoint, opts []BreakpointOption) (*Breakpoint, error) {
	var o breakpointOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.cond != "" {
		if _, err := parser.ParseExpr(o.cond); err != nil {
			return nil, CompileError{Expr: o.cond, Err: err}
		}
	}
	var locs []resolvedLocation
	if bi := bt.t.BinInfo(); bi != nil {
		var err error
		locs, err = bp.resolve(bi)
		if err != nil {
			return nil, err
		}
	} else if bp.Kind == BreakpointByAddress {
		return nil, InvalidAddressError{Address: bp.Addr}
	}
	if o.hasExpect {
		if (o.expect < 0 && len(locs) == 0) || (o.expect >= 0 && len(locs) != o.expect) {
			return nil, ResolutionError{Spec: bp.spec(), Expected: o.expect, Got: len(locs)}
		}
	}

	bt.mu.Lock()
	bt.lastID++
	bp.ID = bt.lastID
	bp.table = bt
	bp.enabled = !o.disabled
	bp.cond = o.cond
	bp.setLocations(locs)
	bt.bps = append(bt.bps, bp)
	n := len(bp.locations)
	bt.mu.Unlock()

	logflags.ProcLogger().Debugf("created breakpoint %d (%s) with %d locations", bp.ID, bp.spec(), n)
	bt.notify(BreakpointAdded, bp.ID, n)
	return bp, nil
}

// Breakpoints returns the breakpoints, ordered by id.
func (bt *BreakpointTable) Breakpoints() []*Breakpoint {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return append([]*Breakpoint(nil), bt.bps...)
}

// FindByID returns the breakpoint with the given id or nil.
func (bt *BreakpointTable) FindByID(id int) *Breakpoint {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	for _, bp := range bt.bps {
		if bp.ID == id {
			return bp
		}
	}
	return nil
}

// Delete removes a breakpoint, its sites are removed from the process the
// next time it resumes.
func (bt *BreakpointTable) Delete(id int) error {
	bt.mu.Lock()
	for i, bp := range bt.bps {
		if bp.ID == id {
			bt.bps = append(bt.bps[:i], bt.bps[i+1:]...)
			n := len(bp.locations)
			bt.mu.Unlock()
			bt.notify(BreakpointRemoved, id, n)
			return nil
		}
	}
	bt.mu.Unlock()
	return fmt.Errorf("no breakpoint with id %d", id)
}

// resolveAll resolves every breakpoint against a new image.
func (bt *BreakpointTable) resolveAll(bi *BinaryInfo) {
	type change struct{ id, n int }
	var changes []change
	bt.mu.Lock()
	for _, bp := range bt.bps {
		locs, err := bp.resolve(bi)
		if err != nil {
			locs = nil
		}
		before := len(bp.locations)
		bp.setLocations(locs)
		if len(bp.locations) != before || len(locs) > 0 {
			changes = append(changes, change{bp.ID, len(bp.locations)})
		}
	}
	bt.mu.Unlock()
	for _, c := range changes {
		bt.notify(BreakpointLocationsResolved, c.id, c.n)
	}
}

// locationsAt returns the enabled locations of enabled breakpoints at
// addr.
func (bt *BreakpointTable) locationsAt(addr uint64) []*BreakpointLocation {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	var r []*BreakpointLocation
	for _, bp := range bt.bps {
		if !bp.enabled {
			continue
		}
		for _, loc := range bp.locations {
			if loc.enabled && loc.Addr == addr {
				r = append(r, loc)
			}
		}
	}
	return r
}

// activeAddrs returns the addresses where a breakpoint site is needed.
func (bt *BreakpointTable) activeAddrs() []uint64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	var r []uint64
	for _, bp := range bt.bps {
		if !bp.enabled {
			continue
		}
		for _, loc := range bp.locations {
			if loc.enabled {
				r = append(r, loc.Addr)
			}
		}
	}
	return r
}

// recordHits counts a stop at hits. Every breakpoint is counted once even
// if more than one of its locations is at the stop address.
func (bt *BreakpointTable) recordHits(hits []*BreakpointLocation) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	seen := make(map[*Breakpoint]bool)
	for _, loc := range hits {
		loc.hitCount++
		if !seen[loc.Breakpoint] {
			seen[loc.Breakpoint] = true
			loc.Breakpoint.hitCount++
		}
	}
}

// CreateWatchpoint creates a watchpoint on the size bytes at addr. Size
// must be 1, 2, 4 or 8.
func (bt *BreakpointTable) CreateWatchpoint(addr uint64, size int) (*Watchpoint, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("invalid watchpoint size %d", size)
	}
	if addr%uint64(size) != 0 {
		return nil, fmt.Errorf("watchpoint address %#x is not aligned to %d", addr, size)
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	for _, wp := range bt.wps {
		if wp.Addr == addr {
			return nil, fmt.Errorf("watchpoint %d already watches %#x", wp.ID, addr)
		}
	}
	bt.lastWpID++
	wp := &Watchpoint{ID: bt.lastWpID, Addr: addr, Size: size, table: bt, enabled: true}
	bt.wps = append(bt.wps, wp)
	return wp, nil
}

// DeleteWatchpoint removes a watchpoint.
func (bt *BreakpointTable) DeleteWatchpoint(id int) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	for i, wp := range bt.wps {
		if wp.ID == id {
			bt.wps = append(bt.wps[:i], bt.wps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no watchpoint with id %d", id)
}

// Watchpoints returns the watchpoints, ordered by id.
func (bt *BreakpointTable) Watchpoints() []*Watchpoint {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return append([]*Watchpoint(nil), bt.wps...)
}

func (bt *BreakpointTable) recordWatchpointHit(wp *Watchpoint) {
	bt.mu.Lock()
	wp.hitCount++
	bt.mu.Unlock()
}

// CreateWatchpointByName creates a watchpoint on the named global
// variable.
func (bt *BreakpointTable) CreateWatchpointByName(name string) (*Watchpoint, error) {
	bi := bt.t.BinInfo()
	if bi == nil {
		return nil, fmt.Errorf("could not find global %s: target has no image", name)
	}
	g := bi.Image.LookupGlobal(name)
	if g == nil {
		return nil, fmt.Errorf("could not find global %s", name)
	}
	if !g.Type.IsScalar() {
		return nil, fmt.Errorf("can not watch %s of type %s", name, g.Type)
	}
	return bt.CreateWatchpoint(g.Addr, int(g.Type.Size))
}
