// Package segment holds FunctionSegment, a contiguous run of instructions
// executed inside one function activation, and Frame, a transient
// (segment, instruction) pair used for backtraces.
//
// Grounded on original_source/.../trace/FunctionSegment.{h,cpp}, with the
// DESIGN NOTES §9 "arena + index" alternative adopted: ids are dense,
// per-ThreadTrace insertion-order counters rather than the source's
// process-wide global_id, and parent/prev/next are plain Go pointers (no
// smart-pointer ownership distinction is meaningful once the runtime is
// garbage collected).
package segment

import "github.com/ocsd-labs/pttrace/instr"

// Handle names either a function or a symbol resolved from an address. A
// zero Handle is "missing" (Valid() == false) — spec.md §3 allows either or
// both of a segment's function/symbol handle to be absent.
type Handle struct {
	name         string
	startAddress uint64
	valid        bool
}

// NewHandle builds a valid Handle.
func NewHandle(name string, startAddress uint64) Handle {
	return Handle{name: name, startAddress: startAddress, valid: true}
}

// Valid reports whether this handle resolved to anything.
func (h Handle) Valid() bool { return h.valid }

// Name returns the resolved name, or "" if invalid.
func (h Handle) Name() string { return h.name }

// StartAddress returns the resolved entity's start address.
func (h Handle) StartAddress() uint64 { return h.startAddress }

// Function is a contiguous run of instructions executed inside one function
// activation (spec.md §3's FunctionSegment). Mutated only during the build
// pass that produces it (calltree.Builder); frozen thereafter.
type Function struct {
	id       int
	function Handle
	symbol   Handle
	first    instr.Instruction
	last     instr.Instruction
	level    int
	isGap    bool

	parent *Function // strong: the segment that called this one
	prev   *Function // strong: previous segment of the same function activation span
	next   *Function // weak (no cycle risk in Go, kept for documentation of the invariant)
}

// NewRoot creates a non-gap segment with no parent (a root, or a segment
// introduced as a return into an untraced ancestor).
func NewRoot(id int, function, symbol Handle, first instr.Instruction, level int) *Function {
	return &Function{id: id, function: function, symbol: symbol, first: first, last: first, level: level}
}

// NewChild creates a non-gap segment parented under parent.
func NewChild(id int, function, symbol Handle, first instr.Instruction, level int, parent *Function) *Function {
	return &Function{id: id, function: function, symbol: symbol, first: first, last: first, level: level, parent: parent}
}

// NewGap creates a gap segment at the given level. Gap segments never nest
// and are identified solely by IsGap(); function/symbol handles are both
// invalid.
func NewGap(id int, firstError instr.Instruction, level int) *Function {
	return &Function{id: id, first: firstError, last: firstError, level: level, isGap: true}
}

// ID is the dense, insertion-order integer identity of this segment within
// its ThreadTrace.
func (f *Function) ID() int { return f.id }

// FunctionHandle returns the resolved function handle (may be invalid).
func (f *Function) FunctionHandle() Handle { return f.function }

// SymbolHandle returns the resolved symbol handle (may be invalid).
func (f *Function) SymbolHandle() Handle { return f.symbol }

// Name returns the function's display name, falling back to the symbol name,
// then "(null)" — mirrors FunctionSegment::GetFunctionName.
func (f *Function) Name() string {
	if f.function.Valid() {
		return f.function.Name()
	}
	if f.symbol.Valid() {
		return f.symbol.Name()
	}
	return "(null)"
}

// First returns the segment's first instruction.
func (f *Function) First() instr.Instruction { return f.first }

// Last returns the segment's last instruction.
func (f *Function) Last() instr.Instruction { return f.last }

// AppendInstruction extends the segment to cover insn as its new last
// instruction.
func (f *Function) AppendInstruction(insn instr.Instruction) { f.last = insn }

// Level is this segment's nesting level; 0 at the outermost of its
// contiguous (non-gap) region after finalization.
func (f *Function) Level() int { return f.level }

// SetLevel overrides the segment's level (used by return resolution and by
// Builder.Finalize's per-run renormalization).
func (f *Function) SetLevel(level int) { f.level = level }

// IsGap reports whether this segment represents a decode gap.
func (f *Function) IsGap() bool { return f.isGap }

// Parent returns the segment that called this one, or nil for roots and for
// segments introduced as returns into untraced ancestors.
func (f *Function) Parent() *Function { return f.parent }

// SetParent rewrites the calling segment. Used by return resolution's
// re-parenting of whole spans (spec.md §4.2).
func (f *Function) SetParent(parent *Function) { f.parent = parent }

// Prev returns the previous segment of the same function activation span.
func (f *Function) Prev() *Function { return f.prev }

// Next returns the successor segment of the same function activation span.
func (f *Function) Next() *Function { return f.next }

// SetNext links next as this segment's successor in the same activation
// span, inheriting this segment's level and parent — mirrors
// FunctionSegment::SetNextSegment.
func (f *Function) SetNext(next *Function) {
	f.next = next
	next.prev = f
	next.level = f.level
	next.parent = f.parent
}

// Frame is a transient (segment, instruction) pair representing one stack
// frame at a trace position. Instruction is absent (zero value with no
// valid address) when the frame is synthesized purely from stack
// reconstruction without an observed call site (spec.md §4.3).
type Frame struct {
	Seg        *Function
	Insn       instr.Instruction
	HasInsn    bool
}
