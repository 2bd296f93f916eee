// Package ptdecode defines the boundary between pttrace and an external
// Intel PT packet decoding library. Decoding raw PT packets into waypoints
// (taken/not-taken branches, sync points, overflow) is out of this module's
// scope (spec.md's Non-goals) — ptdecode.Source is the seam a real decoder
// plugs into, and softpt is a small reference/test implementation of that
// seam grounded on the teacher's internal/codefollower + internal/idec
// (instruction-by-instruction code following from a waypoint to the next).
package ptdecode

import "github.com/ocsd-labs/pttrace/instr"

// Event is one decoded instruction or decode-gap event, as produced by a
// Source in trace order. It mirrors instr.Instruction's fields before a
// segment has been assigned.
type Event struct {
	Address     uint64
	Raw         []byte
	Class       instr.Class
	Speculative bool
	// Gap is true when this event represents a decode error (packet loss,
	// overflow, disabled-region gap) rather than a real instruction. When
	// Gap is true, ErrorCode is nonzero and the other fields are ignored.
	Gap       bool
	ErrorCode int
}

// Source produces a single thread's decoded instruction stream in trace
// order. A real implementation wraps an external PT decode library (e.g. a
// cgo binding to libipt, or a pure-Go PT packet decoder); Next is called
// repeatedly until it returns io.EOF-equivalent via the ok return.
type Source interface {
	// Next returns the next decoded event. ok is false once the trace is
	// exhausted; err is non-nil only on an unrecoverable decode failure
	// (the caller should stop decoding, not just skip ahead).
	Next() (ev Event, ok bool, err error)
}
