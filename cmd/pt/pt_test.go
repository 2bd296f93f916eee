package pt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/host/hosttest"
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/instr"
	"github.com/ocsd-labs/pttrace/ptdecode"
	"github.com/ocsd-labs/pttrace/ptdecode/softpt"
	"github.com/ocsd-labs/pttrace/registry"
)

func encode(class instr.Class, size int) []byte {
	return []byte{byte(class), byte(size)}
}

func newFixture(t *testing.T) (*registry.Manager, *hosttest.Host, *bytes.Buffer) {
	t.Helper()
	h := hosttest.New()
	h.DebuggerIDValue = 1
	h.ProcessIDValue = 42
	h.Threads = []uint64{7}
	h.State = host.ProcessLive

	mem := make([]byte, 0x40)
	copy(mem[0x00:], encode(instr.Other, 2))
	copy(mem[0x02:], encode(instr.Return, 2))
	h.Sects = []hosttest.Section{{
		Sec:  image.Section{LoadAddress: 0x1000, Size: uint64(len(mem)), ImagePath: "/bin/target"},
		Data: mem,
	}}
	h.AddSymbol(0x1000, host.AddressInfo{Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true}})
	h.AddSymbol(0x1002, host.AddressInfo{Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true}})

	mgr := registry.NewManager(h, func(raw []byte, m *image.Mapper, cpu host.CPUDescriptor) (ptdecode.Source, error) {
		return softpt.New(m, 0x1000, nil), nil
	}, nil)

	var out bytes.Buffer
	return mgr, h, &out
}

func TestStartStopRoundTrip(t *testing.T) {
	mgr, h, out := newFixture(t)
	root := NewRootCommand(mgr, h, out)

	root.SetArgs([]string{"start", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !strings.Contains(out.String(), "started") {
		t.Fatalf("expected start confirmation, got %q", out.String())
	}

	out.Reset()
	root.SetArgs([]string{"stop", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !strings.Contains(out.String(), "stopped") {
		t.Fatalf("expected stop confirmation, got %q", out.String())
	}
}

func TestShowFunctionCallHistoryAfterStart(t *testing.T) {
	mgr, h, out := newFixture(t)
	root := NewRootCommand(mgr, h, out)

	root.SetArgs([]string{"start", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	out.Reset()
	root.SetArgs([]string{"show-function-call-history", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("show-function-call-history failed: %v", err)
	}
	if !strings.Contains(out.String(), "main") {
		t.Fatalf("expected the main segment in history output, got %q", out.String())
	}
}

func TestStepOverSkipsCallInOneCommand(t *testing.T) {
	h := hosttest.New()
	h.DebuggerIDValue = 1
	h.ProcessIDValue = 42
	h.Threads = []uint64{7}
	h.State = host.ProcessLive

	mem := make([]byte, 0x40)
	copy(mem[0x00:], encode(instr.Other, 2))
	copy(mem[0x02:], encode(instr.Call, 2))
	copy(mem[0x04:], encode(instr.Return, 2))
	copy(mem[0x20:], encode(instr.Return, 2))
	h.Sects = []hosttest.Section{{
		Sec:  image.Section{LoadAddress: 0x1000, Size: uint64(len(mem)), ImagePath: "/bin/target"},
		Data: mem,
	}}
	h.AddSymbol(0x1000, host.AddressInfo{
		Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true},
		HasLine:  true,
		Line:     host.LineEntry{File: "main.c", Line: 10, StartAddr: 0x1000, EndAddr: 0x1002},
	})
	h.AddSymbol(0x1002, host.AddressInfo{
		Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true},
		HasLine:  true,
		Line:     host.LineEntry{File: "main.c", Line: 11, StartAddr: 0x1002, EndAddr: 0x1004},
	})
	h.AddSymbol(0x1004, host.AddressInfo{
		Function: host.Symbol{Name: "main", StartAddress: 0x1000, Valid: true},
		HasLine:  true,
		Line:     host.LineEntry{File: "main.c", Line: 12, StartAddr: 0x1004, EndAddr: 0x1006},
	})
	h.AddSymbol(0x1020, host.AddressInfo{Function: host.Symbol{Name: "callee", StartAddress: 0x1020, Valid: true}})

	mgr := registry.NewManager(h, func(raw []byte, m *image.Mapper, cpu host.CPUDescriptor) (ptdecode.Source, error) {
		return softpt.New(m, 0x1000, []softpt.Waypoint{{TargetAddr: 0x1020}, {TargetAddr: 0x1004}}), nil
	}, nil)

	var out bytes.Buffer
	root := NewRootCommand(mgr, h, &out)

	root.SetArgs([]string{"start", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Decode leaves the cursor at the log tail; move it to the call on line 11.
	root.SetArgs([]string{"go-to", "1", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("go-to failed: %v", err)
	}

	out.Reset()
	root.SetArgs([]string{"step-over", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("step-over failed: %v", err)
	}
	if !strings.Contains(out.String(), "cursor now at 3") {
		t.Fatalf("expected step-over to skip the callee and stop at 3, got %q", out.String())
	}
}

func TestStepInAndStepOutAreUnimplemented(t *testing.T) {
	mgr, h, out := newFixture(t)
	root := NewRootCommand(mgr, h, out)
	root.SetArgs([]string{"start", "-t", "1"})
	if err := root.Execute(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	root.SetArgs([]string{"step-in", "-t", "1"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected step-in to report Unimplemented")
	}

	root.SetArgs([]string{"step-out", "-t", "1"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected step-out to report Unimplemented")
	}
}
