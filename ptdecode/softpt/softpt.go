// Package softpt is a reference ptdecode.Source for tests and for hosts
// without a real PT decode library wired in. It does not decode real PT
// packets (that is out of scope, per spec.md's Non-goals) — it takes the
// already-decoded waypoint list a real PT library would have produced
// (successive taken-branch targets) and code-follows the image between
// them, exactly as internal/codefollower.CodeFollower.TraceToWaypoint
// follows opcodes from one waypoint to the next. This gives the rest of
// pttrace a source of Events without needing a real decoder to exercise
// calltree/trace/decoder.
//
// Instructions in the synthetic image use a 2-byte encoding: byte 0 is the
// instr.Class tag, byte 1 is the encoded length in bytes (including these
// two header bytes). A run of "other" instructions is followed linearly;
// reaching a non-"other" instruction ends the current waypoint run, and
// the decoded PT packet (not a redisassembly) supplies where control goes
// next — mirrored here by popping the next entry off the waypoint list.
package softpt

import (
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/ptdecode"
)

// Waypoint is one already-decoded branch outcome: after executing the
// instruction at the end of a linear run, control transferred to TargetAddr.
type Waypoint struct {
	TargetAddr uint64
}

// Source is a ptdecode.Source that code-follows a Mapper's image, starting
// at startAddr and jumping to each successive Waypoint's target whenever a
// non-linear instruction is decoded.
type Source struct {
	mapper    *image.Mapper
	waypoints []Waypoint
	cur       uint64
	wpIdx     int
	done      bool
}

// New returns a Source beginning at startAddr. waypoints hold the branch
// targets of the non-"other" instructions in trace order; once the list is
// exhausted, the next non-"other" instruction is the last event produced.
func New(mapper *image.Mapper, startAddr uint64, waypoints []Waypoint) *Source {
	return &Source{mapper: mapper, waypoints: waypoints, cur: startAddr}
}

// Next decodes the instruction at the current address. Grounded on
// CodeFollower.decodeSingleOpCode (read header bytes, classify, soft-fail
// to a gap on an inaccessible address or an invalid length) plus
// TraceToWaypoint's advance step. A gap ends the stream.
func (s *Source) Next() (ptdecode.Event, bool, error) {
	if s.done {
		return ptdecode.Event{}, false, nil
	}

	var header [2]byte
	if n := s.mapper.ReadBytes(s.cur, header[:]); n < 2 {
		s.done = true
		return ptdecode.Event{Gap: true, ErrorCode: 1}, true, nil
	}

	class := instr.Class(header[0])
	size := int(header[1])
	if size < 2 {
		s.done = true
		return ptdecode.Event{Gap: true, ErrorCode: 3}, true, nil
	}

	addr := s.cur
	raw := make([]byte, size)
	if got := s.mapper.ReadBytes(addr, raw); got < size {
		s.done = true
		return ptdecode.Event{Gap: true, ErrorCode: 2}, true, nil
	}

	if class == instr.Other {
		s.cur = addr + uint64(size)
	} else {
		if s.wpIdx >= len(s.waypoints) {
			s.done = true
		} else {
			s.cur = s.waypoints[s.wpIdx].TargetAddr
			s.wpIdx++
		}
	}

	return ptdecode.Event{Address: addr, Raw: raw, Class: class}, true, nil
}
