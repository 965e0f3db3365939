package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/emulator"
)

func newRunCmd(o *options) *cobra.Command {
	var (
		breaks []string
		regs   bool
	)
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Run a guest image until it stops, a breakpoint or the cycle limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := o.boot(ctx, cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			for _, b := range breaks {
				addr, err := parseAddr(b)
				if err != nil {
					return err
				}
				s.m.SetBreakpoint(addr)
			}

			out := cmd.OutOrStdout()
			state, err := s.run(ctx, o.cycles)
			if err != nil {
				var fatal *emulator.FatalError
				if errors.As(err, &fatal) {
					fmt.Fprintf(out, "emulation core crashed\n  kind:       %s\n  guest pc:   %08x\n  host:       %s\n  generation: %d\n",
						fatal.Kind, fatal.GuestPC, fatal.HostLocation, fatal.Generation)
				}
				return err
			}
			snap, err := s.m.GetExecutionContextSnapshot()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "stopped: %s at %08x after %d instructions\n", state, snap.PC, snap.Retired)
			printStats(out, s.m)
			if regs {
				printRegisters(out, &snap.Registers)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&breaks, "break", "b", nil, "breakpoint addresses")
	cmd.Flags().BoolVar(&regs, "regs", false, "print registers when stopped")
	return cmd
}

func printStats(w io.Writer, m *emulator.Machine) {
	st := m.Cache().Stats()
	fmt.Fprintf(w, "cache: %d blocks, %d bytes, generation %d, %d compiles, %d invalidated, %d evicted, %d healed links\n",
		st.Blocks, st.Size, st.Generation, st.Compiles, st.Invalidated, st.Evicted, st.Healed)
	if m.Fastmem() {
		fs := m.FastmemStats()
		fmt.Fprintf(w, "fastmem: %d faults handled (%d redirected, %d skipped), %d unrecognized\n",
			fs.Handled, fs.Redirected, fs.Skipped, fs.Unrecognized)
	}
}

func printRegisters(w io.Writer, r *cpu.Registers) {
	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(w, "r%-2d %08x  r%-2d %08x  r%-2d %08x  r%-2d %08x\n",
			i, r.GPR[i], i+1, r.GPR[i+1], i+2, r.GPR[i+2], i+3, r.GPR[i+3])
	}
	fmt.Fprintf(w, "pc  %08x  lr  %08x  ctr %08x  cr  %08x\n", r.PC, r.LR, r.CTR, r.CR)
	fmt.Fprintf(w, "xer %08x  msr %08x  srr0 %08x srr1 %08x\n", r.XER, r.MSR, r.SRR0, r.SRR1)
	fmt.Fprintf(w, "dar %08x  dsisr %08x fpscr %08x\n", r.DAR, r.DSISR, r.FPSCR)
}
