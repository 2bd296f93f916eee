// Package trace holds ThreadTrace, the per-thread decode result (spec.md
// §3's ThreadTrace), and Cursor, the time-travel navigation state machine
// over it (spec.md §4.3). Grounded on internal/pipeline/tree.go's
// DecodeTree, which is the teacher's nearest analogue to a per-stream
// decode container holding raw bytes, memory mapping, and decoded output
// together — adapted here to also hold the call-tree's segment list and a
// mutable cursor position, since spec.md folds all three into one
// container per thread.
package trace

import (
	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/pterrors"
	"github.com/ocsd-labs/pttrace/segment"
)

// ThreadTrace is the decode result and live cursor for one (process-id,
// thread-id). Created lazily on first query once tracing is active;
// invalidated by the registry when the thread's stop-id advances.
type ThreadTrace struct {
	ProcessID uint64
	ThreadID  uint64

	RawBytes []byte
	Sections []image.Section
	CPU      host.CPUDescriptor
	Handle   host.TraceHandle

	// StopID is the thread stop-id as of the last successful decode; the
	// registry compares this against the live value to decide staleness.
	StopID uint64

	Log      []instr.Instruction
	Segments []*segment.Function

	cursor int
}

// New returns a ThreadTrace with an empty log; the decoder populates Log
// and Segments and then calls ResetCursor.
func New(processID, threadID uint64) *ThreadTrace {
	return &ThreadTrace{ProcessID: processID, ThreadID: threadID}
}

// ResetCursor positions the cursor at the last observed instruction, as
// required right after a decode pass (spec.md §4.3).
func (t *ThreadTrace) ResetCursor() {
	t.cursor = len(t.Log) - 1
	if t.cursor < 0 {
		t.cursor = 0
	}
}

// Cursor returns the current position. It is always a valid Log index
// (0 <= Cursor() < len(Log)) once the trace has been decoded; StepInst,
// Continue, and StepOver clamp to the last instruction rather than
// stepping one past it.
func (t *ThreadTrace) Cursor() int { return t.cursor }

// GoTo sets the cursor to an explicit position. Returns CursorOutOfRange if
// pos is outside [0, len(Log)-1] (or pos != 0 when Log is empty).
func (t *ThreadTrace) GoTo(pos int) error {
	max := len(t.Log) - 1
	if max < 0 {
		max = 0
	}
	if pos < 0 || pos > max {
		return pterrors.New(pterrors.CursorOutOfRange, "go-to position %d outside [0,%d]", pos, max).WithThread(t.ProcessID, t.ThreadID)
	}
	t.cursor = pos
	return nil
}

// InstructionAt returns the instruction at pos, and false if pos is outside
// the log.
func (t *ThreadTrace) InstructionAt(pos int) (instr.Instruction, bool) {
	if pos < 0 || pos >= len(t.Log) {
		return instr.Instruction{}, false
	}
	return t.Log[pos], true
}

// Window returns the instruction sub-range for a show-instr-log request
// (spec.md §4.3): offset counts backward from the log tail, offset=0
// meaning the last instruction; count is the number of instructions
// requested starting there moving forward.
func (t *ThreadTrace) Window(offset, count int) ([]instr.Instruction, error) {
	n := len(t.Log)
	if offset < 0 || count <= 0 || offset >= n {
		return nil, pterrors.New(pterrors.CursorOutOfRange, "window offset=%d count=%d invalid for log length %d", offset, count, n).WithThread(t.ProcessID, t.ThreadID)
	}
	start := n - 1 - offset
	end := start + count
	if end > n {
		end = n
	}
	if start >= end {
		return nil, pterrors.New(pterrors.CursorOutOfRange, "window offset=%d count=%d yields empty range", offset, count).WithThread(t.ProcessID, t.ThreadID)
	}
	return t.Log[start:end], nil
}
