// Package decoder orchestrates a ptdecode.Source and a calltree.Builder to
// turn a ThreadTrace's raw configuration into a fully materialized
// instruction log and segment list (spec.md §4.1).
//
// Grounded on internal/pipeline/tree.go's DecodeTree.ProcessBuffer: set up
// the memory mapping and decoders once, then drive a pull loop that
// accumulates output and logs progress, with configuration failures
// reported before any output is produced and per-record failures folded
// into the output stream instead of aborting it.
package decoder

import (
	"github.com/sirupsen/logrus"

	"github.com/ocsd-labs/pttrace/calltree"
	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/pterrors"
	"github.com/ocsd-labs/pttrace/ptdecode"
	"github.com/ocsd-labs/pttrace/segment"
	"github.com/ocsd-labs/pttrace/trace"
)

// Decoder drives a ptdecode.Source to completion for one ThreadTrace.
type Decoder struct {
	log *logrus.Entry
}

// New returns a Decoder that logs through log, or a package default logger
// if log is nil.
func New(log *logrus.Entry) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{log: log}
}

// Decode drains src in trace order, resolving each non-gap event's address
// through syms to get the (function, symbol) identity the call-tree
// builder's identity rule needs, and storing the resulting log and segment
// list into tt. tt.Sections must already be populated; an empty section
// list is a DecodeFatal error, mirroring spec.md §4.1's "no registered
// sections" configuration failure.
func (d *Decoder) Decode(tt *trace.ThreadTrace, src ptdecode.Source, syms host.Symbols) error {
	if len(tt.Sections) == 0 {
		return pterrors.New(pterrors.DecodeFatal, "no read-execute image sections registered").WithThread(tt.ProcessID, tt.ThreadID)
	}

	b := calltree.NewBuilder()
	var log []instr.Instruction
	gapCount := 0
	id := 0

	for {
		ev, ok, err := src.Next()
		if err != nil {
			return pterrors.Wrap(pterrors.DecodeFatal, err, "packet source failed").WithThread(tt.ProcessID, tt.ThreadID)
		}
		if !ok {
			break
		}

		var insn instr.Instruction
		var function, symbol segment.Handle
		if ev.Gap {
			insn = instr.NewGap(id, ev.ErrorCode)
			gapCount++
			d.log.WithFields(logrus.Fields{
				"process_id": tt.ProcessID,
				"thread_id":  tt.ThreadID,
				"error_code": ev.ErrorCode,
			}).Debug("decode gap")
		} else {
			insn = instr.New(id, ev.Address, ev.Raw, ev.Class, ev.Speculative)
			function, symbol, err = resolveIdentity(syms, tt.ProcessID, ev.Address)
			if err != nil {
				return pterrors.Wrap(pterrors.HostFailure, err, "resolving address 0x%x", ev.Address).WithThread(tt.ProcessID, tt.ThreadID)
			}
		}

		annotated := b.Append(insn, function, symbol)
		log = append(log, annotated)
		id++
	}

	tt.Log = log
	tt.Segments = b.Finalize()
	tt.ResetCursor()

	d.log.WithFields(logrus.Fields{
		"process_id":       tt.ProcessID,
		"thread_id":        tt.ThreadID,
		"instructions":     len(tt.Log),
		"segments":         len(tt.Segments),
		"gap_instructions": gapCount,
	}).Info("decode complete")
	return nil
}

// resolveIdentity turns a host address resolution into the (function,
// symbol) Handles the call-tree builder's identity rule compares.
func resolveIdentity(syms host.Symbols, processID, addr uint64) (function, symbol segment.Handle, err error) {
	info, err := syms.Resolve(processID, addr)
	if err != nil {
		return segment.Handle{}, segment.Handle{}, err
	}
	if info.Function.Valid {
		function = segment.NewHandle(info.Function.Name, info.Function.StartAddress)
	}
	if info.Symbol.Valid {
		symbol = segment.NewHandle(info.Symbol.Name, info.Symbol.StartAddress)
	}
	return function, symbol, nil
}
