// Package calltree reconstructs a tree of FunctionSegments from a flat,
// ordered instruction log, capturing call/return/tail-call/context-switch
// semantics even when symbol information is partial (spec.md §4.2).
//
// Grounded line-for-line on
// original_source/.../trace/FunctionCallTreeBuilder.cpp: DidSwitchFunctions
// is switched(); both overloads of GetInnermostCaller are
// innermostCallerByIdentity/innermostCallerByCall; FixCaller is inlined into
// resolveReturn's third branch; the four AppendNew*FunctionSegment methods
// are appendRoot/appendChild/appendSibling plus resolveReturn's own
// bookkeeping; Finalize is Builder.Finalize.
package calltree

import (
	"strings"

	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/segment"
)

// Builder is a streaming state machine: instructions are fed in log order
// via Append, and Finalize is called once after the last instruction to
// normalize segment nesting levels.
type Builder struct {
	segments []*segment.Function
}

// NewBuilder returns an empty Builder ready to consume instructions in
// order starting at log index 0.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) tail() *segment.Function {
	if len(b.segments) == 0 {
		return nil
	}
	return b.segments[len(b.segments)-1]
}

// Append consumes the next instruction in log order. function and symbol
// are the caller-resolved (function, symbol) handles for insn's address;
// both must be the zero Handle for gap instructions. It returns insn
// annotated with the segment that now owns it — the caller (decoder) is
// responsible for storing the returned value back into the thread's
// instruction log.
func (b *Builder) Append(insn instr.Instruction, function, symbol segment.Handle) instr.Instruction {
	if insn.IsError() {
		return b.appendGap(insn)
	}

	tail := b.tail()
	if tail == nil || tail.IsGap() {
		return b.appendRoot(function, symbol, insn)
	}

	prev := tail.Last()
	switch prev.Class() {
	case instr.Call:
		// PIC "call to next instruction" idiom: no real call happened, fall
		// through to the identity check below (which will find the same
		// function and simply extend the tail).
		if insn.Address() != prev.Address()+uint64(prev.Size()) {
			return b.appendChild(tail, function, symbol, insn)
		}

	case instr.Return:
		name := tail.Name()
		if name == "_dl_runtime_resolve" || name == "_dl_runtime_resolve_xsave" {
			return b.appendChild(tail, function, symbol, insn)
		}
		return b.resolveReturn(tail, function, symbol, insn)

	case instr.Jump:
		if start, ok := startAddress(function, symbol); ok && start == insn.Address() {
			return b.appendChild(tail, function, symbol, insn)
		}

		if strings.HasPrefix(tail.Name(), "_Unwind_") {
			if innermostCallerByIdentity(tail.Parent(), function, symbol) != nil {
				return b.resolveReturn(tail, function, symbol, insn)
			}
		}

		if _, ok := startAddress(function, symbol); !ok && switchedFromSegment(tail, function, symbol) {
			return b.appendChild(tail, function, symbol, insn)
		}

	default:
		// other: fall through to the identity check.
	}

	if switchedFromSegment(tail, function, symbol) {
		return b.appendSibling(tail, function, symbol, insn)
	}
	tail.AppendInstruction(insn)
	return insn.WithSegment(tail)
}

// Finalize normalizes segment levels: for each maximal run of contiguous
// non-gap segments, the minimum level across the run is subtracted from
// every segment's level in that run, so each run starts at level 0. It
// returns the ordered, dense segment list.
func (b *Builder) Finalize() []*segment.Function {
	segs := b.segments
	for i := 0; i < len(segs); {
		if segs[i].IsGap() {
			i++
			continue
		}
		minLevel := segs[i].Level()
		j := i
		for j+1 < len(segs) && !segs[j+1].IsGap() {
			j++
			if segs[j].Level() < minLevel {
				minLevel = segs[j].Level()
			}
		}
		for k := i; k <= j; k++ {
			segs[k].SetLevel(segs[k].Level() - minLevel)
		}
		i = j + 1
	}
	return segs
}

func startAddress(function, symbol segment.Handle) (uint64, bool) {
	if function.Valid() {
		return function.StartAddress(), true
	}
	if symbol.Valid() {
		return symbol.StartAddress(), true
	}
	return 0, false
}

// switched implements spec.md §4.2's identity rule: two adjacent
// instructions are in the *same* function iff none of these four
// conditions holds.
func switched(prevFunc, prevSym, curFunc, curSym segment.Handle) bool {
	if prevSym.Valid() && curSym.Valid() && prevSym.Name() != curSym.Name() {
		return true
	}
	if prevFunc.Valid() && curFunc.Valid() && prevFunc.StartAddress() != curFunc.StartAddress() {
		return true
	}
	if (prevFunc.Valid() || prevSym.Valid()) && !curFunc.Valid() && !curSym.Valid() {
		return true
	}
	if !prevFunc.Valid() && !prevSym.Valid() && (curFunc.Valid() || curSym.Valid()) {
		return true
	}
	return false
}

func switchedFromSegment(s *segment.Function, function, symbol segment.Handle) bool {
	return switched(s.FunctionHandle(), s.SymbolHandle(), function, symbol)
}

// innermostCallerByIdentity walks the parent chain starting at start,
// returning the innermost ancestor whose (function, symbol) identity
// matches (function, symbol) under the identity rule.
func innermostCallerByIdentity(start *segment.Function, function, symbol segment.Handle) *segment.Function {
	for it := start; it != nil; it = it.Parent() {
		if !switchedFromSegment(it, function, symbol) {
			return it
		}
	}
	return nil
}

// innermostCallerByCall walks the parent chain starting at start, returning
// the innermost ancestor whose last instruction was a call.
func innermostCallerByCall(start *segment.Function) *segment.Function {
	for it := start; it != nil; it = it.Parent() {
		if it.Last().Class() == instr.Call {
			return it
		}
	}
	return nil
}

func (b *Builder) nextID() int { return len(b.segments) }

func (b *Builder) appendGap(insn instr.Instruction) instr.Instruction {
	tail := b.tail()
	if tail == nil || !tail.IsGap() {
		gap := segment.NewGap(b.nextID(), insn, 0)
		b.segments = append(b.segments, gap)
		return insn.WithSegment(gap)
	}
	tail.AppendInstruction(insn)
	return insn.WithSegment(tail)
}

func (b *Builder) appendRoot(function, symbol segment.Handle, insn instr.Instruction) instr.Instruction {
	seg := segment.NewRoot(b.nextID(), function, symbol, insn, 0)
	b.segments = append(b.segments, seg)
	return insn.WithSegment(seg)
}

func (b *Builder) appendChild(parent *segment.Function, function, symbol segment.Handle, insn instr.Instruction) instr.Instruction {
	seg := segment.NewChild(b.nextID(), function, symbol, insn, parent.Level()+1, parent)
	b.segments = append(b.segments, seg)
	return insn.WithSegment(seg)
}

func (b *Builder) appendSibling(tail *segment.Function, function, symbol segment.Handle, insn instr.Instruction) instr.Instruction {
	seg := segment.NewChild(b.nextID(), function, symbol, insn, tail.Level(), tail.Parent())
	b.segments = append(b.segments, seg)
	return insn.WithSegment(seg)
}

// resolveReturn implements spec.md §4.2's return resolution algorithm.
func (b *Builder) resolveReturn(tail *segment.Function, function, symbol segment.Handle, insn instr.Instruction) instr.Instruction {
	newSeg := segment.NewRoot(b.nextID(), function, symbol, insn, 0)

	if caller := innermostCallerByIdentity(tail.Parent(), function, symbol); caller != nil {
		caller.SetNext(newSeg)
	} else if caller2 := innermostCallerByCall(tail.Parent()); caller2 != nil {
		newSeg.SetLevel(tail.Level() - 1)
		tail.SetParent(newSeg)
	} else {
		topmost := tail
		for topmost.Parent() != nil {
			topmost = topmost.Parent()
		}
		newSeg.SetLevel(topmost.Level() - 1)
		topmost.SetParent(newSeg)
		for p := topmost.Prev(); p != nil; p = p.Prev() {
			p.SetParent(newSeg)
		}
		for n := topmost.Next(); n != nil; n = n.Next() {
			n.SetParent(newSeg)
		}
	}

	b.segments = append(b.segments, newSeg)
	return insn.WithSegment(newSeg)
}
