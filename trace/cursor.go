package trace

import (
	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/pterrors"
	"github.com/ocsd-labs/pttrace/segment"
)

// Direction is the sign of cursor movement.
type Direction int

const (
	Forward Direction = 1
	Reverse Direction = -1
)

func (d Direction) delta() int { return int(d) }

// StepInst moves the cursor by one instruction in dir. Returns
// pterrors.EndOfTrace if the log boundary was already reached (no move
// possible) — spec.md §4.3's primitive navigation rule.
func (t *ThreadTrace) StepInst(dir Direction) error {
	next := t.cursor + dir.delta()
	if next < 0 || next >= len(t.Log) {
		return pterrors.New(pterrors.EndOfTrace, "step-inst: already at log boundary").WithThread(t.ProcessID, t.ThreadID)
	}
	t.cursor = next
	return nil
}

// Continue moves the cursor in dir until an instruction address in bps is
// reached, or the log boundary is hit. Returns (hitBreakpoint, error).
// error is pterrors.EndOfTrace only if the cursor could not move at all.
func (t *ThreadTrace) Continue(dir Direction, bps []uint64) (bool, error) {
	bpSet := make(map[uint64]bool, len(bps))
	for _, a := range bps {
		bpSet[a] = true
	}

	moved := false
	for {
		next := t.cursor + dir.delta()
		if next < 0 || next >= len(t.Log) {
			break
		}
		t.cursor = next
		moved = true
		if insn, ok := t.InstructionAt(t.cursor); ok && bpSet[insn.Address()] {
			return true, nil
		}
	}
	if !moved {
		return false, pterrors.New(pterrors.EndOfTrace, "continue: already at log boundary").WithThread(t.ProcessID, t.ThreadID)
	}
	return false, nil
}

func (t *ThreadTrace) segmentAt(pos int) *segment.Function {
	insn, ok := t.InstructionAt(pos)
	if !ok {
		return nil
	}
	s := insn.Segment()
	if s == nil {
		return nil
	}
	return t.Segments[s.ID()]
}

// StepOver resolves the current instruction's line entry through syms and
// steps until the source line changes at the same call depth, a
// breakpoint is hit, or the current function returns (spec.md §4.3). If no
// line entry is available at the cursor, it falls back to StepInst.
func (t *ThreadTrace) StepOver(dir Direction, syms host.Symbols, bps []uint64) error {
	insn, ok := t.InstructionAt(t.cursor)
	if !ok {
		return t.StepInst(dir)
	}
	info, err := syms.Resolve(t.ProcessID, insn.Address())
	if err != nil {
		return pterrors.Wrap(pterrors.HostFailure, err, "step-over: resolving line entry").WithThread(t.ProcessID, t.ThreadID)
	}
	if !info.HasLine {
		return t.StepInst(dir)
	}

	startSeg := t.segmentAt(t.cursor)
	if startSeg == nil {
		return t.StepInst(dir)
	}
	level := startSeg.Level()
	line := info.Line

	bpSet := make(map[uint64]bool, len(bps))
	for _, a := range bps {
		bpSet[a] = true
	}

	for {
		next := t.cursor + dir.delta()
		if next < 0 || next >= len(t.Log) {
			return pterrors.New(pterrors.EndOfTrace, "step-over: reached log boundary").WithThread(t.ProcessID, t.ThreadID)
		}
		t.cursor = next

		cur, _ := t.InstructionAt(t.cursor)
		if bpSet[cur.Address()] {
			return nil
		}

		curSeg := t.segmentAt(t.cursor)
		if curSeg == nil {
			continue
		}
		if curSeg.Level() < level {
			return nil
		}
		if curSeg.Level() > level {
			continue
		}
		if cur.Address() < line.StartAddr || cur.Address() >= line.EndAddr {
			return nil
		}
	}
}

// Backtrace reconstructs the stack at pos without re-executing anything:
// the innermost frame pairs with the instruction at pos, and each outer
// frame pairs with its caller's last instruction only if the trace
// actually observed the call (spec.md §4.3).
func (t *ThreadTrace) Backtrace(pos int) ([]segment.Frame, error) {
	insn, ok := t.InstructionAt(pos)
	if !ok {
		return nil, pterrors.New(pterrors.CursorOutOfRange, "backtrace: position %d outside log", pos).WithThread(t.ProcessID, t.ThreadID)
	}
	s := insn.Segment()
	if s == nil {
		return nil, pterrors.New(pterrors.CursorOutOfRange, "backtrace: instruction %d has no owning segment", pos).WithThread(t.ProcessID, t.ThreadID)
	}
	cur := t.Segments[s.ID()]

	frames := []segment.Frame{{Seg: cur, Insn: insn, HasInsn: true}}
	calleeID := cur.ID()
	for p := cur.Parent(); p != nil; p = p.Parent() {
		if calleeID > p.ID() {
			frames = append(frames, segment.Frame{Seg: p, Insn: p.Last(), HasInsn: true})
		} else {
			frames = append(frames, segment.Frame{Seg: p})
		}
		calleeID = p.ID()
	}
	return frames, nil
}

// FunctionCallHistory returns the segment list in order, as consumed by
// show-function-call-history: each entry carries its id, level, start
// address and display name via the segment.Function accessors.
func (t *ThreadTrace) FunctionCallHistory() []*segment.Function {
	return t.Segments
}
