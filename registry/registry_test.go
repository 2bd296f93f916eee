package registry

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/host/hosttest"
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/ptdecode"
	"github.com/ocsd-labs/pttrace/ptdecode/softpt"
)

func encode(class instr.Class, size int) []byte {
	return []byte{byte(class), byte(size)}
}

func newFixtureHost() *hosttest.Host {
	h := hosttest.New()
	h.DebuggerIDValue = 1
	h.ProcessIDValue = 42
	h.Threads = []uint64{7}
	h.State = host.ProcessLive

	mem := make([]byte, 0x40)
	copy(mem[0x00:], encode(instr.Other, 2))
	copy(mem[0x02:], encode(instr.Other, 2))
	copy(mem[0x04:], encode(instr.Call, 2))
	copy(mem[0x20:], encode(instr.Return, 2))
	h.Sects = []hosttest.Section{{
		Sec:  image.Section{LoadAddress: 0x1000, Size: uint64(len(mem)), ImagePath: "/bin/target"},
		Data: mem,
	}}

	h.AddSymbol(0x1000, host.AddressInfo{Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true}})
	h.AddSymbol(0x1002, host.AddressInfo{Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true}})
	h.AddSymbol(0x1004, host.AddressInfo{Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true}})
	h.AddSymbol(0x1020, host.AddressInfo{Function: host.Symbol{Name: "callee", StartAddress: 0x1020, Valid: true}})
	return h
}

func newTestManager(h *hosttest.Host) *Manager {
	return NewManager(h, func(raw []byte, m *image.Mapper, cpu host.CPUDescriptor) (ptdecode.Source, error) {
		return softpt.New(m, 0x1000, []softpt.Waypoint{{TargetAddr: 0x1020}}), nil
	}, nil)
}

func TestStartThenGetThreadTraceDecodes(t *testing.T) {
	h := newFixtureHost()
	m := newTestManager(h)

	if err := m.Start(1, 42, 7, 1<<20, 1<<16, ""); err != nil {
		t.Fatalf("unexpected error from Start: %v", err)
	}

	tt, err := m.GetThreadTrace(1, 42, 7)
	if err != nil {
		t.Fatalf("unexpected error from GetThreadTrace: %v", err)
	}
	if len(tt.Log) == 0 {
		t.Fatal("expected a non-empty decoded instruction log")
	}
	if len(tt.Segments) != 2 {
		t.Fatalf("expected 2 segments (main, callee), got %d", len(tt.Segments))
	}

	gotNames := make([]string, len(tt.Segments))
	for i, s := range tt.Segments {
		gotNames[i] = s.Name()
	}
	wantNames := []string{"main", "callee"}
	if diff := cmp.Diff(wantNames, gotNames); diff != "" {
		t.Errorf("segment name order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetThreadTraceCrossDebuggerIsolation(t *testing.T) {
	h := newFixtureHost()
	m := newTestManager(h)
	if err := m.Start(1, 42, 7, 1<<20, 1<<16, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.GetThreadTrace(2, 42, 7); err == nil {
		t.Fatal("expected a hard error accessing another debugger's registry slot")
	}
}

func TestGetThreadTraceNotTracingWithoutStart(t *testing.T) {
	h := newFixtureHost()
	m := newTestManager(h)
	if _, err := m.GetThreadTrace(1, 42, 7); err == nil {
		t.Fatal("expected NotTracing before Start is called")
	}
}

func TestStopRemovesRegistryEntry(t *testing.T) {
	h := newFixtureHost()
	m := newTestManager(h)
	if err := m.Start(1, 42, 7, 1<<20, 1<<16, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.GetThreadTrace(1, 42, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Stop(1, 42, 7); err != nil {
		t.Fatalf("unexpected error from Stop: %v", err)
	}
	if _, err := m.GetThreadTrace(1, 42, 7); err == nil {
		t.Fatal("expected NotTracing after Stop")
	}
}

func TestStaleTraceIsRedecodedOnStopIDChange(t *testing.T) {
	h := newFixtureHost()
	m := newTestManager(h)
	if err := m.Start(1, 42, 7, 1<<20, 1<<16, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := m.GetThreadTrace(1, 42, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.BumpStopID(7)
	second, err := m.GetThreadTrace(1, 42, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatal("expected a freshly decoded ThreadTrace after stop-id changed")
	}
	if second.StopID != 1 {
		t.Fatalf("expected re-decoded trace to carry the new stop-id, got %d", second.StopID)
	}
}

func TestTraceBufferSizeIsClamped(t *testing.T) {
	h := newFixtureHost()
	m := newTestManager(h)
	if err := m.Start(1, 42, 7, MaxTraceBufferSize*2, 0, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts, err := m.GetTraceOptions(1, 42, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.TraceBufferSize != MaxTraceBufferSize {
		t.Fatalf("buffer size = %d, want clamp to %d", opts.TraceBufferSize, MaxTraceBufferSize)
	}
}
