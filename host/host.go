// Package host declares the capability surface pttrace consumes from its
// embedding debugger (spec.md §6): everything about live process/thread
// state, symbol and line resolution, breakpoints, and trace capture that
// this module treats as an external collaborator rather than implementing
// itself. Grounded on internal/common/decode_base.go's narrow
// single-purpose interfaces (TargetMemAccess, InstrDecode, …) — the teacher
// never hands a component one fat interface, it hands each the slice it
// needs.
package host

import "github.com/ocsd-labs/pttrace/image"

// LineEntry is a resolved source line: its start/end load addresses bound
// the range step-over uses to decide "still on this line" (spec.md §4.3).
type LineEntry struct {
	File        string
	Line        int
	StartAddr   uint64
	EndAddr     uint64
}

// Symbol names either a function or a bare symbol resolved from a load
// address, with the start address of whichever was resolved.
type Symbol struct {
	Name         string
	StartAddress uint64
	Valid        bool
}

// AddressInfo is everything address resolution can report about one load
// address (spec.md §6's "address resolution" capability).
type AddressInfo struct {
	Module   string
	Function Symbol
	Symbol   Symbol
	Line     LineEntry
	HasLine  bool
}

// ProcessState enumerates the liveness states Context reports.
type ProcessState int

const (
	ProcessInvalid ProcessState = iota
	ProcessLive
	ProcessDetached
	ProcessExited
)

// TraceParams is the "start trace" request body (spec.md §6).
type TraceParams struct {
	TraceBufferSize    uint64
	MetadataBufferSize uint64
	ThreadID           uint64 // 0 means whole-process
	CustomParamsJSON   string
}

// TraceHandle identifies a host-side trace capture.
type TraceHandle struct {
	Opaque uint64
}

// Context resolves the ambient debugger/target/process/thread identity a
// command runs against.
type Context interface {
	DebuggerID() uint64
	ProcessID() (uint64, error)
	ProcessState() (ProcessState, error)
	// ThreadIDs returns the live thread ids of the selected process, in
	// host-defined order.
	ThreadIDs() ([]uint64, error)
	// ThreadIndexToID maps a 1-based display index (as used by the "-t"
	// flag) to a thread id.
	ThreadIndexToID(index int) (uint64, error)
	// StopID is the monotonically increasing counter that changes on every
	// stop/run transition; used to invalidate a cached ThreadTrace.
	StopID(threadID uint64) (uint64, error)
}

// Symbols resolves load addresses to symbol/line information.
type Symbols interface {
	Resolve(processID uint64, addr uint64) (AddressInfo, error)
	// Sections enumerates every module's read-execute sections for the
	// process's current image.
	Sections(processID uint64) ([]image.Section, error)
}

// Breakpoints enumerates currently set breakpoint addresses.
type Breakpoints interface {
	Addresses(processID uint64) ([]uint64, error)
}

// Image reads the backing bytes of an enumerated section, either from the
// live inferior's memory or from its on-disk image file at the recorded
// file offset — the host decides which, pttrace only needs the bytes.
type Image interface {
	ReadSection(processID uint64, sec image.Section) ([]byte, error)
}

// TraceCapture drives the host's PT capture facility.
type TraceCapture interface {
	StartTrace(processID uint64, params TraceParams) (TraceHandle, error)
	StopTrace(handle TraceHandle) error
	// StopProcessTrace stops a whole-process trace started with
	// ThreadID == 0.
	StopProcessTrace(processID uint64) error
	ReadRawBytes(handle TraceHandle) ([]byte, error)
	CPUDescriptor(handle TraceHandle) (CPUDescriptor, error)
}

// CPUDescriptor is the minimal CPU identification the PT library needs to
// configure its decoder (family/model/stepping, or vendor-specific bits);
// left opaque here since pttrace never interprets it itself.
type CPUDescriptor struct {
	Vendor   string
	Family   int
	Model    int
	Stepping int
}

// Shell lets pttrace invoke host commands by name, for the two operations
// spec.md §6 says are "invoked by name through the host's command shell":
// listing source at an address, and disassembling at an address.
type Shell interface {
	SourceListAt(processID, addr uint64) (string, error)
	DisassembleAt(processID, addr uint64) (string, error)
}

// Host bundles every capability a Manager needs. Components that need less
// should depend on the narrower interfaces above instead.
type Host interface {
	Context
	Symbols
	Breakpoints
	TraceCapture
	Shell
	Image
}
