// Package pt builds the `processor-trace` (alias `pt`) command tree
// spec.md §6 describes, wired to a registry.Manager. Grounded on the
// teacher's flag-based cmd/trc_pkt_lister/main.go for the shape of "parse
// flags, call into the core, write to a result stream" — adapted to
// github.com/spf13/cobra's declarative command tree since spec.md's
// surface is a multiword command with many aliased subcommands, which
// cobra models directly instead of hand-rolling dispatch on argv[0].
package pt

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ocsd-labs/pttrace/host"
	"github.com/ocsd-labs/pttrace/pterrors"
	"github.com/ocsd-labs/pttrace/registry"
	"github.com/ocsd-labs/pttrace/trace"
)

// Context supplies the ambient debugger/process identity a command needs
// to resolve its target thread before calling into the Manager.
type Context interface {
	host.Context
}

// resolveThreadID applies spec.md §6's "-t <thread-index>" convention: a
// bare integer is a 1-based display index resolved through ctx;
// "all" resolves to registry.InvalidThreadID (whole-process).
func resolveThreadID(ctx Context, raw string) (uint64, error) {
	if raw == "" || raw == "all" {
		return registry.InvalidThreadID, nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid -t value %q: %w", raw, err)
	}
	return ctx.ThreadIndexToID(idx)
}

// NewRootCommand builds the `processor-trace` command tree. out receives
// result-stream output for every subcommand, matching spec.md §6's "exit
// status success/failed, message written to result stream".
func NewRootCommand(mgr *registry.Manager, ctx Context, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:     "processor-trace",
		Aliases: []string{"pt"},
		Short:   "Intel Processor Trace post-processing commands",
	}

	var threadFlag string
	persistent := func(cmd *cobra.Command) {
		cmd.Flags().StringVarP(&threadFlag, "thread", "t", "", "thread index, or \"all\" for whole-process")
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start processor trace capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			bufSize, _ := cmd.Flags().GetUint64("buffer-size")
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			if err := mgr.Start(ctx.DebuggerID(), processID(ctx), threadID, bufSize, 0, ""); err != nil {
				return err
			}
			fmt.Fprintln(out, "processor trace started")
			return nil
		},
	}
	start.Flags().Uint64P("buffer-size", "b", 4<<20, "trace buffer size in bytes")
	persistent(start)

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop processor trace capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			if err := mgr.Stop(ctx.DebuggerID(), processID(ctx), threadID); err != nil {
				return err
			}
			fmt.Fprintln(out, "processor trace stopped")
			return nil
		},
	}
	persistent(stop)

	showTraceOptions := &cobra.Command{
		Use:   "show-trace-options",
		Short: "Show the trace configuration recorded for a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			opts, err := mgr.GetTraceOptions(ctx.DebuggerID(), processID(ctx), threadID)
			if err != nil {
				return err
			}
			enc, _ := json.MarshalIndent(opts, "", "  ")
			fmt.Fprintln(out, string(enc))
			return nil
		},
	}
	persistent(showTraceOptions)

	showInstrLog := &cobra.Command{
		Use:   "show-instr-log",
		Short: "Show a window of the decoded instruction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			offset, _ := cmd.Flags().GetInt("offset")
			count, _ := cmd.Flags().GetInt("count")
			win, err := mgr.GetInstructionLogAtOffset(ctx.DebuggerID(), processID(ctx), threadID, offset, count)
			if err != nil {
				return err
			}
			for _, insn := range win {
				disasm, _ := mgr.Shell().DisassembleAt(processID(ctx), insn.Address)
				if disasm != "" {
					fmt.Fprintf(out, "%d: 0x%x %s  %s\n", insn.ID, insn.Address, insn.Class, disasm)
				} else {
					fmt.Fprintf(out, "%d: 0x%x %s\n", insn.ID, insn.Address, insn.Class)
				}
			}
			return nil
		},
	}
	showInstrLog.Flags().IntP("offset", "o", 0, "instructions back from the log tail")
	showInstrLog.Flags().IntP("count", "c", 1, "number of instructions to show")
	persistent(showInstrLog)

	showFnHistory := &cobra.Command{
		Use:   "show-function-call-history",
		Short: "Show the reconstructed function call history",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			tt, err := mgr.GetThreadTrace(ctx.DebuggerID(), processID(ctx), threadID)
			if err != nil {
				return err
			}
			for _, seg := range tt.FunctionCallHistory() {
				kind := ""
				if seg.IsGap() {
					kind = " (gap)"
				}
				fmt.Fprintf(out, "%*s#%d %s [0x%x..0x%x]%s\n", seg.Level()*2, "", seg.ID(), seg.Name(), seg.First().Address(), seg.Last().Address(), kind)
			}
			return nil
		},
	}
	persistent(showFnHistory)

	backtrace := &cobra.Command{
		Use:   "backtrace",
		Short: "Reconstruct a stack backtrace at the current cursor position",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			tt, err := mgr.GetThreadTrace(ctx.DebuggerID(), processID(ctx), threadID)
			if err != nil {
				return err
			}
			frames, err := tt.Backtrace(tt.Cursor())
			if err != nil {
				return err
			}
			for i, fr := range frames {
				if fr.HasInsn {
					fmt.Fprintf(out, "#%d %s at 0x%x\n", i, fr.Seg.Name(), fr.Insn.Address())
				} else {
					fmt.Fprintf(out, "#%d %s (call site not captured)\n", i, fr.Seg.Name())
				}
			}
			return nil
		},
	}
	persistent(backtrace)

	goTo := &cobra.Command{
		Use:   "go-to <position>",
		Short: "Move the cursor to an explicit instruction log position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := resolveThreadID(ctx, threadFlag)
			if err != nil {
				return err
			}
			pos, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			tt, err := mgr.GetThreadTrace(ctx.DebuggerID(), processID(ctx), threadID)
			if err != nil {
				return err
			}
			if err := tt.GoTo(pos); err != nil {
				return err
			}
			fmt.Fprintf(out, "cursor now at %d\n", tt.Cursor())
			return nil
		},
	}
	persistent(goTo)

	root.AddCommand(start, stop, showTraceOptions, showInstrLog, showFnHistory, backtrace, goTo)

	type navSpec struct {
		use, alias, short string
		dir               trace.Direction
	}
	navs := []navSpec{
		{"step-inst", "ptsi", "Step forward by one instruction", trace.Forward},
		{"reverse-step-inst", "ptrsi", "Step backward by one instruction", trace.Reverse},
	}
	for _, n := range navs {
		n := n
		cmd := &cobra.Command{
			Use:     n.use,
			Aliases: []string{n.alias},
			Short:   n.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				threadID, err := resolveThreadID(ctx, threadFlag)
				if err != nil {
					return err
				}
				tt, err := mgr.GetThreadTrace(ctx.DebuggerID(), processID(ctx), threadID)
				if err != nil {
					return err
				}
				if err := tt.StepInst(n.dir); err != nil {
					return err
				}
				fmt.Fprintf(out, "cursor now at %d\n", tt.Cursor())
				return nil
			},
		}
		persistent(cmd)
		root.AddCommand(cmd)
	}

	contSpecs := []navSpec{
		{"continue", "ptc", "Continue forward to the next breakpoint", trace.Forward},
		{"reverse-continue", "ptrc", "Continue backward to the previous breakpoint", trace.Reverse},
	}
	for _, n := range contSpecs {
		n := n
		cmd := &cobra.Command{
			Use:     n.use,
			Aliases: []string{n.alias},
			Short:   n.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				threadID, err := resolveThreadID(ctx, threadFlag)
				if err != nil {
					return err
				}
				tt, err := mgr.GetThreadTrace(ctx.DebuggerID(), processID(ctx), threadID)
				if err != nil {
					return err
				}
				bps, err := hostBreakpoints(ctx, mgr, processID(ctx))
				if err != nil {
					return err
				}
				hit, err := tt.Continue(n.dir, bps)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "cursor now at %d (breakpoint hit: %v)\n", tt.Cursor(), hit)
				return nil
			},
		}
		persistent(cmd)
		root.AddCommand(cmd)
	}

	overSpecs := []navSpec{
		{"step-over", "ptn", "Step over the current source line", trace.Forward},
		{"reverse-step-over", "ptrn", "Step over the current source line in reverse", trace.Reverse},
	}
	for _, n := range overSpecs {
		n := n
		cmd := &cobra.Command{
			Use:     n.use,
			Aliases: []string{n.alias},
			Short:   n.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				threadID, err := resolveThreadID(ctx, threadFlag)
				if err != nil {
					return err
				}
				tt, err := mgr.GetThreadTrace(ctx.DebuggerID(), processID(ctx), threadID)
				if err != nil {
					return err
				}
				bps, err := hostBreakpoints(ctx, mgr, processID(ctx))
				if err != nil {
					return err
				}
				if err := tt.StepOver(n.dir, mgr.Symbols(), bps); err != nil {
					return err
				}
				fmt.Fprintf(out, "cursor now at %d\n", tt.Cursor())
				if insn, ok := tt.InstructionAt(tt.Cursor()); ok {
					if src, _ := mgr.Shell().SourceListAt(processID(ctx), insn.Address()); src != "" {
						fmt.Fprintln(out, src)
					}
				}
				return nil
			},
		}
		persistent(cmd)
		root.AddCommand(cmd)
	}

	// step-in/step-out are declared in spec.md's command surface but left
	// without defined behavior (spec.md §9 Open Question); they return
	// Unimplemented rather than silently no-op.
	undefined := []struct{ use, alias, short string }{
		{"step-in", "pts", "Step into a call (undefined, see design notes)"},
		{"reverse-step-in", "ptrs", "Step into a call in reverse (undefined)"},
		{"step-out", "ptfinish", "Step out of the current function (undefined)"},
		{"reverse-step-out", "ptrfinish", "Step out of the current function in reverse (undefined)"},
	}
	for _, n := range undefined {
		n := n
		cmd := &cobra.Command{
			Use:     n.use,
			Aliases: []string{n.alias},
			Short:   n.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return pterrors.New(pterrors.Unimplemented, "%s has no defined behavior", n.use)
			},
		}
		persistent(cmd)
		root.AddCommand(cmd)
	}

	return root
}

func processID(ctx Context) uint64 {
	pid, err := ctx.ProcessID()
	if err != nil {
		return 0
	}
	return pid
}

func hostBreakpoints(ctx Context, mgr *registry.Manager, processID uint64) ([]uint64, error) {
	type bp interface {
		Addresses(uint64) ([]uint64, error)
	}
	if b, ok := ctx.(bp); ok {
		return b.Addresses(processID)
	}
	return nil, nil
}
