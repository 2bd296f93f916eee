package trace

import (
	"testing"

	"github.com/ocsd-labs/pttrace/calltree"
	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/segment"
)

func mkInsn(id int, addr uint64, size int, class instr.Class) instr.Instruction {
	return instr.New(id, addr, make([]byte, size), class, false)
}

func fn(name string, start uint64) segment.Handle {
	return segment.NewHandle(name, start)
}

var none segment.Handle

// buildSimpleCallReturn reproduces spec.md §8 scenario 1 and returns a
// populated ThreadTrace with the cursor reset to the log tail.
func buildSimpleCallReturn() *ThreadTrace {
	b := calltree.NewBuilder()
	var log []instr.Instruction
	log = append(log, b.Append(mkInsn(0, 0x100, 2, instr.Other), fn("A", 0x100), none))
	log = append(log, b.Append(mkInsn(1, 0x102, 5, instr.Call), fn("A", 0x100), none))
	log = append(log, b.Append(mkInsn(2, 0x200, 1, instr.Other), fn("B", 0x200), none))
	log = append(log, b.Append(mkInsn(3, 0x201, 1, instr.Return), fn("B", 0x200), none))

	tt := New(1, 100)
	tt.Log = log
	tt.Segments = b.Finalize()
	tt.ResetCursor()
	return tt
}

func TestResetCursorAtTail(t *testing.T) {
	tt := buildSimpleCallReturn()
	if tt.Cursor() != 3 {
		t.Fatalf("cursor = %d, want 3 (log tail)", tt.Cursor())
	}
}

func TestStepInstForwardAndReverseIdempotent(t *testing.T) {
	tt := buildSimpleCallReturn()
	_ = tt.GoTo(1)
	if err := tt.StepInst(Forward); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tt.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", tt.Cursor())
	}
	if err := tt.StepInst(Reverse); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tt.Cursor() != 1 {
		t.Fatalf("cursor = %d after reverse, want 1 (idempotent round trip)", tt.Cursor())
	}
}

func TestStepInstAtBoundaryReturnsEndOfTrace(t *testing.T) {
	tt := buildSimpleCallReturn()
	_ = tt.GoTo(3)
	if err := tt.StepInst(Forward); !isKind(err, "EndOfTrace") {
		t.Fatalf("expected EndOfTrace at log tail, got %v", err)
	}
}

func TestContinueStopsAtBreakpoint(t *testing.T) {
	tt := buildSimpleCallReturn()
	_ = tt.GoTo(0)
	hit, err := tt.Continue(Forward, []uint64{0x200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Fatal("expected breakpoint hit")
	}
	if tt.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2 (address 0x200)", tt.Cursor())
	}
}

func TestContinueReachesBoundaryWithoutBreakpoint(t *testing.T) {
	tt := buildSimpleCallReturn()
	_ = tt.GoTo(0)
	hit, err := tt.Continue(Forward, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatal("expected no breakpoint hit")
	}
	if tt.Cursor() != 3 {
		t.Fatalf("cursor = %d, want 3 (log tail)", tt.Cursor())
	}
}

func TestBacktraceAtInnermostFrame(t *testing.T) {
	tt := buildSimpleCallReturn()
	frames, err := tt.Backtrace(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames (B, A), got %d", len(frames))
	}
	if frames[0].Seg.Name() != "B" || !frames[0].HasInsn || frames[0].Insn.ID() != 3 {
		t.Errorf("innermost frame mismatch: %+v", frames[0])
	}
	if frames[1].Seg.Name() != "A" {
		t.Errorf("outer frame should be A, got %s", frames[1].Seg.Name())
	}
}

func TestWindowFromTail(t *testing.T) {
	tt := buildSimpleCallReturn()
	win, err := tt.Window(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(win) != 1 || win[0].ID() != 3 {
		t.Fatalf("expected instruction 3, got %+v", win)
	}
}

func TestWindowOutOfRangeIsError(t *testing.T) {
	tt := buildSimpleCallReturn()
	if _, err := tt.Window(10, 1); !isKind(err, "CursorOutOfRange") {
		t.Fatalf("expected CursorOutOfRange, got %v", err)
	}
}

// fakeSymbols implements host.Symbols returning a fixed line range,
// grounding spec.md §8 scenario 5 (reverse-step-over).
type fakeSymbols struct {
	lines map[uint64]host.LineEntry
}

func (f *fakeSymbols) Resolve(processID, addr uint64) (host.AddressInfo, error) {
	if le, ok := f.lines[addr]; ok {
		return host.AddressInfo{HasLine: true, Line: le}, nil
	}
	return host.AddressInfo{}, nil
}

func (f *fakeSymbols) Sections(processID uint64) ([]image.Section, error) { return nil, nil }

// buildStepOverScenario builds a trace with two lines in function F, the
// second of which calls into G and returns, grounding spec.md §8 scenario
// 5: reverse-step-over from the instruction after the call should land
// back at the last instruction of the first line, skipping the callee.
func buildStepOverScenario() (*ThreadTrace, *fakeSymbols) {
	b := calltree.NewBuilder()
	var log []instr.Instruction
	log = append(log, b.Append(mkInsn(0, 0x100, 1, instr.Other), fn("F", 0x100), none)) // line 1
	log = append(log, b.Append(mkInsn(1, 0x101, 5, instr.Call), fn("F", 0x100), none))  // line 2 (call)
	log = append(log, b.Append(mkInsn(2, 0x300, 1, instr.Other), fn("G", 0x300), none))
	log = append(log, b.Append(mkInsn(3, 0x301, 1, instr.Return), fn("G", 0x300), none))
	log = append(log, b.Append(mkInsn(4, 0x106, 1, instr.Other), fn("F", 0x100), none)) // line 2 continued

	tt := New(1, 100)
	tt.Log = log
	tt.Segments = b.Finalize()
	_ = tt.GoTo(4)

	syms := &fakeSymbols{lines: map[uint64]host.LineEntry{
		0x100: {File: "f.c", Line: 1, StartAddr: 0x100, EndAddr: 0x101},
		0x101: {File: "f.c", Line: 2, StartAddr: 0x101, EndAddr: 0x107},
		0x106: {File: "f.c", Line: 2, StartAddr: 0x101, EndAddr: 0x107},
	}}
	return tt, syms
}

func TestReverseStepOverSkipsCallee(t *testing.T) {
	tt, syms := buildStepOverScenario()
	if err := tt.StepOver(Reverse, syms, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tt.Cursor() != 0 {
		t.Fatalf("cursor = %d, want 0 (last instruction of the previous line, callee skipped)", tt.Cursor())
	}
}

func TestReverseStepOverStopsAtBreakpoint(t *testing.T) {
	tt, syms := buildStepOverScenario()
	if err := tt.StepOver(Reverse, syms, []uint64{0x301}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tt.Cursor() != 3 {
		t.Fatalf("cursor = %d, want 3 (breakpoint inside callee)", tt.Cursor())
	}
}

func isKind(err error, kind string) bool {
	type kinder interface{ Error() string }
	_, ok := err.(kinder)
	if !ok {
		return false
	}
	return containsKind(err.Error(), kind)
}

func containsKind(msg, kind string) bool {
	return len(msg) >= len(kind) && indexOf(msg, kind) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
