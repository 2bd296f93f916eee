// Command pttrace exposes the processor-trace command tree for manual
// testing outside a real debugger host. It wires cmd/pt's cobra tree to an
// in-memory host.Host fake (host/hosttest) rather than a live process,
// since the real host — live process/thread state, symbol resolution,
// breakpoints, raw PT capture — is always supplied by the embedding
// debugger (spec.md §6) and is out of this module's scope. A real
// embedding builds its own main that wires cmd/pt.NewRootCommand to its
// own host.Host implementation instead of this one.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ocsd-labs/pttrace/cmd/pt"
	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/host/hosttest"
	"github.com/ocsd-labs/pttrace/image"
	"github.com/ocsd-labs/pttrace/ptdecode"
	"github.com/ocsd-labs/pttrace/ptdecode/softpt"
	"github.com/ocsd-labs/pttrace/registry"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	h := hosttest.New()
	h.DebuggerIDValue = 1
	h.ProcessIDValue = 1
	h.State = host.ProcessLive
	h.Threads = []uint64{1}

	mgr := registry.NewManager(h, func(raw []byte, mapper *image.Mapper, cpu host.CPUDescriptor) (ptdecode.Source, error) {
		return softpt.New(mapper, 0, nil), nil
	}, logrus.NewEntry(logrus.StandardLogger()))

	root := pt.NewRootCommand(mgr, h, os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
