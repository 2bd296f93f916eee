// Package hosttest is an in-memory fake of host.Host for tests, grounded on
// the teacher's snapshot-driven test fixtures (internal/snapshot reads a
// whole target image from a file; here the "image" is just bytes handed
// to the fake directly, since no on-disk snapshot format is in scope).
package hosttest

import (
	"errors"
	"sync"

	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/image"
)

var (
	errIndexRange    = errors.New("hosttest: thread index out of range")
	errNoSuchSection = errors.New("hosttest: no such section")
)

// Section associates an image.Section with the bytes that back it.
type Section struct {
	Sec  image.Section
	Data []byte
}

// Host is a single-process, single-debugger fake implementing host.Host.
type Host struct {
	mu sync.Mutex

	DebuggerIDValue uint64
	ProcessIDValue  uint64
	State           host.ProcessState
	Threads         []uint64

	StopIDs map[uint64]uint64 // thread id -> current stop id

	Sects    []Section
	Breaks   []uint64
	CPU      host.CPUDescriptor
	RawBytes []byte

	nextHandleID uint64
	handles      map[uint64]host.TraceParams
	resolved     map[uint64]host.AddressInfo

	SourceText map[uint64]string
	DisasmText map[uint64]string
}

// New returns an empty Host fake.
func New() *Host {
	return &Host{
		StopIDs:    make(map[uint64]uint64),
		handles:    make(map[uint64]host.TraceParams),
		resolved:   make(map[uint64]host.AddressInfo),
		SourceText: make(map[uint64]string),
		DisasmText: make(map[uint64]string),
	}
}

func (h *Host) DebuggerID() uint64 { return h.DebuggerIDValue }

func (h *Host) ProcessID() (uint64, error) { return h.ProcessIDValue, nil }

func (h *Host) ProcessState() (host.ProcessState, error) { return h.State, nil }

func (h *Host) ThreadIDs() ([]uint64, error) { return h.Threads, nil }

func (h *Host) ThreadIndexToID(index int) (uint64, error) {
	if index < 1 || index > len(h.Threads) {
		return 0, errIndexRange
	}
	return h.Threads[index-1], nil
}

func (h *Host) StopID(threadID uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.StopIDs[threadID], nil
}

// BumpStopID advances threadID's stop-id, simulating a run/stop cycle that
// should invalidate any cached ThreadTrace.
func (h *Host) BumpStopID(threadID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.StopIDs[threadID]++
}

// AddSymbol registers a resolved address->info mapping for Resolve.
func (h *Host) AddSymbol(addr uint64, info host.AddressInfo) {
	h.resolved[addr] = info
}

func (h *Host) Resolve(processID uint64, addr uint64) (host.AddressInfo, error) {
	return h.resolved[addr], nil
}

func (h *Host) Sections(processID uint64) ([]image.Section, error) {
	out := make([]image.Section, len(h.Sects))
	for i, s := range h.Sects {
		out[i] = s.Sec
	}
	return out, nil
}

func (h *Host) Addresses(processID uint64) ([]uint64, error) { return h.Breaks, nil }

func (h *Host) ReadSection(processID uint64, sec image.Section) ([]byte, error) {
	for _, s := range h.Sects {
		if s.Sec.LoadAddress == sec.LoadAddress {
			return s.Data, nil
		}
	}
	return nil, errNoSuchSection
}

func (h *Host) StartTrace(processID uint64, params host.TraceParams) (host.TraceHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextHandleID++
	handle := host.TraceHandle{Opaque: h.nextHandleID}
	h.handles[handle.Opaque] = params
	return handle, nil
}

func (h *Host) StopTrace(handle host.TraceHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handles, handle.Opaque)
	return nil
}

func (h *Host) StopProcessTrace(processID uint64) error { return nil }

func (h *Host) ReadRawBytes(handle host.TraceHandle) ([]byte, error) { return h.RawBytes, nil }

func (h *Host) CPUDescriptor(handle host.TraceHandle) (host.CPUDescriptor, error) { return h.CPU, nil }

func (h *Host) SourceListAt(processID, addr uint64) (string, error) { return h.SourceText[addr], nil }

func (h *Host) DisassembleAt(processID, addr uint64) (string, error) { return h.DisasmText[addr], nil }
