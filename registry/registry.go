// Package registry implements the Manager facade (spec.md §4.4): the
// stable, mutex-protected surface the command layer calls into, keyed
// debugger-id → process-id → thread-id → ThreadTrace, with staleness
// detection and lazy per-thread synthesis under whole-process tracing.
//
// Grounded on internal/pipeline/tree.go's DecodeTree ownership pattern
// (one struct owning raw bytes + mapping + decode output) generalized to a
// two-level registry, and on internal/common/component.go's AttachPt[T]
// generic attachment-point idiom for "lazily create on first touch,
// release explicitly" lifecycle management.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ocsd-labs/pttrace/decoder"
	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/pterrors"
	"github.com/ocsd-labs/pttrace/ptdecode"
	"github.com/ocsd-labs/pttrace/trace"
)

// MaxTraceBufferSize is the hardware-implied clamp on a single trace
// buffer's size (spec.md §4.4's "Start" rule). 16 MiB matches the largest
// practical single-threaded PT buffer on current Intel CPUs.
const MaxTraceBufferSize = 16 << 20

// DefaultCustomParams is the minimum custom-params JSON blob spec.md §6
// requires when the caller supplies none.
const DefaultCustomParams = `{"trace-tech":"intel-pt"}`

// InvalidThreadID is the whole-process tracing sentinel (spec.md §4.4).
const InvalidThreadID = 0

// SourceFactory builds a ptdecode.Source over raw, already-captured PT
// bytes and an image mapper — the seam where a real PT decode library
// plugs in (spec.md's "PT packet decoder library" external collaborator).
type SourceFactory func(raw []byte, mapper *image.Mapper, cpu host.CPUDescriptor) (ptdecode.Source, error)

// TraceOptions is the per-thread (or whole-process) configuration recorded
// at Start, returned by show-trace-options.
type TraceOptions struct {
	ThreadID           uint64
	TraceBufferSize    uint64
	MetadataBufferSize uint64
	CustomParamsJSON   string
}

type threadEntry struct {
	opts   TraceOptions
	handle host.TraceHandle
	tt     *trace.ThreadTrace
}

type processEntry struct {
	wholeProcess bool
	wholeOpts    TraceOptions
	threads      map[uint64]*threadEntry
}

type debuggerEntry struct {
	processes map[uint64]*processEntry
}

// Manager is the registry facade. Start, Stop and the Get* methods acquire
// mu for their entire duration; Symbols and Shell only return the bound host
// and do not lock (spec.md §5: registry mutation and any lookup that
// may insert is serialized by one mutex held across the whole operation,
// including the synchronous host calls a decode triggers).
type Manager struct {
	mu         sync.Mutex
	debuggers  map[uint64]*debuggerEntry
	host       host.Host
	newSource  SourceFactory
	dec        *decoder.Decoder
	log        *logrus.Entry
}

// NewManager returns an empty Manager bound to h for host calls and
// newSource for constructing a PT decode source on (re)decode.
func NewManager(h host.Host, newSource SourceFactory, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		debuggers: make(map[uint64]*debuggerEntry),
		host:      h,
		newSource: newSource,
		dec:       decoder.New(log),
		log:       log,
	}
}

// Symbols exposes the Manager's bound host as a host.Symbols so callers
// (notably cmd/pt's step-over commands) can resolve line entries without
// reaching into the Manager's internals.
func (m *Manager) Symbols() host.Symbols {
	return m.host
}

// Shell exposes the Manager's bound host as a host.Shell so callers can
// invoke the "source list at address" and "disassemble at address" host
// commands spec.md §6 names (after step-over, and during instruction-log
// display, respectively) without reaching into the Manager's internals.
func (m *Manager) Shell() host.Shell {
	return m.host
}

func (m *Manager) debugger(debuggerID uint64, create bool) *debuggerEntry {
	d, ok := m.debuggers[debuggerID]
	if !ok {
		if !create {
			return nil
		}
		d = &debuggerEntry{processes: make(map[uint64]*processEntry)}
		m.debuggers[debuggerID] = d
	}
	return d
}

// Start enforces spec.md §4.4's Start rules: trace-type is always
// processor-trace, buffer size is clamped, and threadID ==
// InvalidThreadID requests whole-process tracing.
func (m *Manager) Start(debuggerID, processID, threadID uint64, bufferSize, metadataSize uint64, customParamsJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bufferSize > MaxTraceBufferSize {
		bufferSize = MaxTraceBufferSize
	}
	if customParamsJSON == "" {
		customParamsJSON = DefaultCustomParams
	}
	if !json.Valid([]byte(customParamsJSON)) {
		return pterrors.New(pterrors.HostFailure, "custom trace params are not valid JSON").WithThread(processID, threadID)
	}

	params := host.TraceParams{
		TraceBufferSize:    bufferSize,
		MetadataBufferSize: metadataSize,
		ThreadID:           threadID,
		CustomParamsJSON:   customParamsJSON,
	}
	handle, err := m.host.StartTrace(processID, params)
	if err != nil {
		return pterrors.Wrap(pterrors.HostFailure, err, "start trace").WithThread(processID, threadID)
	}

	d := m.debugger(debuggerID, true)
	p, ok := d.processes[processID]
	if !ok {
		p = &processEntry{threads: make(map[uint64]*threadEntry)}
		d.processes[processID] = p
	}

	opts := TraceOptions{ThreadID: threadID, TraceBufferSize: bufferSize, MetadataBufferSize: metadataSize, CustomParamsJSON: customParamsJSON}
	if threadID == InvalidThreadID {
		p.wholeProcess = true
		p.wholeOpts = opts
	} else {
		p.threads[threadID] = &threadEntry{opts: opts, handle: handle}
	}
	return nil
}

// Stop terminates a thread or whole-process trace and removes matching
// registry entries (spec.md §4.4).
func (m *Manager) Stop(debuggerID, processID, threadID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.debugger(debuggerID, false)
	if d == nil {
		return pterrors.New(pterrors.InvalidContext, "unknown debugger").WithThread(processID, threadID)
	}
	p, ok := d.processes[processID]
	if !ok {
		return pterrors.New(pterrors.NotTracing, "process has no active trace").WithThread(processID, threadID)
	}

	if threadID == InvalidThreadID {
		if !p.wholeProcess {
			return pterrors.New(pterrors.NotTracing, "process has no whole-process trace").WithThread(processID, threadID)
		}
		if err := m.host.StopProcessTrace(processID); err != nil {
			return pterrors.Wrap(pterrors.HostFailure, err, "stop process trace").WithThread(processID, threadID)
		}
		delete(d.processes, processID)
		return nil
	}

	te, ok := p.threads[threadID]
	if !ok {
		return pterrors.New(pterrors.NotTracing, "thread has no active trace").WithThread(processID, threadID)
	}
	if err := m.host.StopTrace(te.handle); err != nil {
		return pterrors.Wrap(pterrors.HostFailure, err, "stop trace").WithThread(processID, threadID)
	}
	delete(p.threads, threadID)
	return nil
}

// GetThreadTrace resolves the ThreadTrace for (processID, threadID),
// (re)decoding it if absent or stale. Cross-debugger isolation: a
// ThreadTrace registered under a different debuggerID is never visible
// here (spec.md §4.4).
func (m *Manager) GetThreadTrace(debuggerID, processID, threadID uint64) (*trace.ThreadTrace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getThreadTraceLocked(debuggerID, processID, threadID)
}

func (m *Manager) getThreadTraceLocked(debuggerID, processID, threadID uint64) (*trace.ThreadTrace, error) {
	d := m.debugger(debuggerID, false)
	if d == nil {
		return nil, pterrors.New(pterrors.InvalidContext, "unknown debugger").WithThread(processID, threadID)
	}
	p, ok := d.processes[processID]
	if !ok {
		return nil, pterrors.New(pterrors.NotTracing, "process is not traced").WithThread(processID, threadID)
	}

	te, ok := p.threads[threadID]
	if !ok {
		if !p.wholeProcess {
			return nil, pterrors.New(pterrors.NotTracing, "thread is not traced").WithThread(processID, threadID)
		}
		handle, err := m.host.StartTrace(processID, host.TraceParams{
			TraceBufferSize:    p.wholeOpts.TraceBufferSize,
			MetadataBufferSize: p.wholeOpts.MetadataBufferSize,
			ThreadID:           threadID,
			CustomParamsJSON:   p.wholeOpts.CustomParamsJSON,
		})
		if err != nil {
			return nil, pterrors.Wrap(pterrors.HostFailure, err, "synthesizing per-thread trace under whole-process tracing").WithThread(processID, threadID)
		}
		te = &threadEntry{opts: TraceOptions{ThreadID: threadID, TraceBufferSize: p.wholeOpts.TraceBufferSize, MetadataBufferSize: p.wholeOpts.MetadataBufferSize, CustomParamsJSON: p.wholeOpts.CustomParamsJSON}, handle: handle}
		p.threads[threadID] = te
	}

	stopID, err := m.host.StopID(threadID)
	if err != nil {
		return nil, pterrors.Wrap(pterrors.HostFailure, err, "reading stop-id").WithThread(processID, threadID)
	}

	if te.tt != nil && te.tt.StopID == stopID {
		return te.tt, nil
	}

	tt, err := m.decode(processID, threadID, te.handle, stopID)
	if err != nil {
		return nil, err
	}
	te.tt = tt
	return tt, nil
}

func (m *Manager) decode(processID, threadID uint64, handle host.TraceHandle, stopID uint64) (*trace.ThreadTrace, error) {
	raw, err := m.host.ReadRawBytes(handle)
	if err != nil {
		return nil, pterrors.Wrap(pterrors.HostFailure, err, "reading raw trace bytes").WithThread(processID, threadID)
	}
	cpu, err := m.host.CPUDescriptor(handle)
	if err != nil {
		return nil, pterrors.Wrap(pterrors.HostFailure, err, "reading CPU descriptor").WithThread(processID, threadID)
	}
	sections, err := m.host.Sections(processID)
	if err != nil {
		return nil, pterrors.Wrap(pterrors.HostFailure, err, "enumerating image sections").WithThread(processID, threadID)
	}
	if len(sections) == 0 {
		return nil, pterrors.New(pterrors.DecodeFatal, "no read-execute image sections available").WithThread(processID, threadID)
	}

	mapper := image.NewMapper()
	for _, sec := range sections {
		data, err := m.host.ReadSection(processID, sec)
		if err != nil {
			return nil, pterrors.Wrap(pterrors.HostFailure, err, "reading section bytes for %s", sec.ImagePath).WithThread(processID, threadID)
		}
		acc := image.NewFileAccessor(sec.LoadAddress, sec.FileOffset, sec.Size, sec.ImagePath, data)
		if err := mapper.AddAccessor(acc); err != nil {
			return nil, pterrors.Wrap(pterrors.DecodeFatal, err, "registering image section").WithThread(processID, threadID)
		}
	}

	src, err := m.newSource(raw, mapper, cpu)
	if err != nil {
		return nil, pterrors.Wrap(pterrors.DecodeFatal, err, "constructing PT decode source").WithThread(processID, threadID)
	}

	tt := trace.New(processID, threadID)
	tt.RawBytes = raw
	tt.Sections = sections
	tt.CPU = cpu
	tt.Handle = handle
	tt.StopID = stopID

	if err := m.dec.Decode(tt, src, m.host); err != nil {
		return nil, err
	}
	return tt, nil
}

// GetTraceOptions returns the configuration recorded at Start for threadID,
// falling back to the whole-process options if threadID has no per-thread
// entry yet.
func (m *Manager) GetTraceOptions(debuggerID, processID, threadID uint64) (TraceOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.debugger(debuggerID, false)
	if d == nil {
		return TraceOptions{}, pterrors.New(pterrors.InvalidContext, "unknown debugger").WithThread(processID, threadID)
	}
	p, ok := d.processes[processID]
	if !ok {
		return TraceOptions{}, pterrors.New(pterrors.NotTracing, "process is not traced").WithThread(processID, threadID)
	}
	if te, ok := p.threads[threadID]; ok {
		return te.opts, nil
	}
	if p.wholeProcess {
		return p.wholeOpts, nil
	}
	return TraceOptions{}, pterrors.New(pterrors.NotTracing, "thread is not traced").WithThread(processID, threadID)
}

// GetInstructionLogAtOffset resolves the ThreadTrace and returns its
// instruction window, decoding/re-decoding as needed (spec.md §4.4/§4.3).
func (m *Manager) GetInstructionLogAtOffset(debuggerID, processID, threadID uint64, offset, count int) ([]instrWindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tt, err := m.getThreadTraceLocked(debuggerID, processID, threadID)
	if err != nil {
		return nil, err
	}
	win, err := tt.Window(offset, count)
	if err != nil {
		return nil, err
	}
	out := make([]instrWindowResult, len(win))
	for i, insn := range win {
		out[i] = instrWindowResult{ID: insn.ID(), Address: insn.Address(), Class: insn.Class().String(), IsError: insn.IsError()}
	}
	return out, nil
}

// instrWindowResult is the display-ready projection of an Instruction for
// show-instr-log, decoupled from instr.Instruction so callers outside this
// module never need to import it just to print a window.
type instrWindowResult struct {
	ID      int
	Address uint64
	Class   string
	IsError bool
}

// ProcessorTraceInfo is the summary get-processor-trace-info reports.
type ProcessorTraceInfo struct {
	ProcessID      uint64
	ThreadID       uint64
	InstructionLen int
	SegmentLen     int
	StopID         uint64
}

// GetProcessorTraceInfo resolves the ThreadTrace and reports a summary.
func (m *Manager) GetProcessorTraceInfo(debuggerID, processID, threadID uint64) (ProcessorTraceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tt, err := m.getThreadTraceLocked(debuggerID, processID, threadID)
	if err != nil {
		return ProcessorTraceInfo{}, err
	}
	return ProcessorTraceInfo{
		ProcessID:      tt.ProcessID,
		ThreadID:       tt.ThreadID,
		InstructionLen: len(tt.Log),
		SegmentLen:     len(tt.Segments),
		StopID:         tt.StopID,
	}, nil
}
