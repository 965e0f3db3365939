package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/dynarec/emulator"
	"github.com/colorfulnotion/dynarec/isa"
)

var errQuit = errors.New("quit")

const monitorHelp = `commands:
  break|b <addr>       set a breakpoint
  tbreak <addr>        set a breakpoint removed on first hit
  delete|d <addr>      remove a breakpoint
  enable|disable <addr>
  watch <addr> [n]     stop before stores to n bytes (default 4)
  rwatch <addr> [n]    stop before loads
  awatch <addr> [n]    stop before loads and stores
  unwatch <addr> [n]   remove a memory breakpoint
  info                 list breakpoints
  step|s [n]           execute n instructions
  continue|c           run until a breakpoint or ctrl-c
  regs|r               print registers
  mem|x <addr> [n]     dump n bytes of guest memory
  disasm|l [addr] [n]  disassemble n instructions
  blocks               print the translated blocks as a link tree
  stats                print cache and fastmem counters
  quit|q`

func newDebugCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug <image>",
		Short: "Interactive monitor: breakpoints, stepping and inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			s, err := o.boot(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "(dynarec) ",
				HistoryFile:     filepath.Join(os.TempDir(), "dynarec_history.txt"),
				InterruptPrompt: "^C",
				EOFPrompt:       "quit",
			})
			if err != nil {
				return fmt.Errorf("start readline: %w", err)
			}
			defer rl.Close()

			mon := &monitor{m: s.m, entry: s.entry, out: rl.Stdout()}
			fmt.Fprintf(mon.out, "stopped at %08x, type help for commands\n", s.entry)
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err != nil {
					return nil
				}
				if err := mon.exec(cmd.Context(), line); errors.Is(err, errQuit) {
					return nil
				} else if err != nil {
					fmt.Fprintf(mon.out, "error: %v\n", err)
				}
			}
		},
	}
	return cmd
}

// monitor executes debugger commands against a suspended machine.
type monitor struct {
	m     *emulator.Machine
	entry uint32
	out   io.Writer
	last  string
}

func (mon *monitor) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		line = mon.last
	}
	mon.last = line
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	addr := func(i int) (uint32, error) {
		if len(args) <= i {
			return 0, fmt.Errorf("%s needs an address", cmd)
		}
		return parseAddr(args[i])
	}
	count := func(i, def int) (int, error) {
		if len(args) <= i {
			return def, nil
		}
		return strconv.Atoi(args[i])
	}

	switch cmd {
	case "help", "h", "?":
		fmt.Fprintln(mon.out, monitorHelp)
	case "quit", "q", "exit":
		return errQuit
	case "break", "b", "tbreak":
		a, err := addr(0)
		if err != nil {
			return err
		}
		if cmd == "tbreak" {
			mon.m.SetTemporaryBreakpoint(a)
		} else {
			mon.m.SetBreakpoint(a)
		}
	case "delete", "d":
		a, err := addr(0)
		if err != nil {
			return err
		}
		if !mon.m.ClearBreakpoint(a) {
			return fmt.Errorf("no breakpoint at %08x", a)
		}
	case "enable", "disable":
		a, err := addr(0)
		if err != nil {
			return err
		}
		return mon.m.EnableBreakpoint(a, cmd == "enable")
	case "watch", "rwatch", "awatch", "unwatch":
		a, err := addr(0)
		if err != nil {
			return err
		}
		n, err := count(1, 4)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("%s needs a positive length", cmd)
		}
		end := a + uint32(n)
		if cmd == "unwatch" {
			if !mon.m.ClearMemoryBreakpoint(a, end) {
				return fmt.Errorf("no memory breakpoint at %08x-%08x", a, end)
			}
			return nil
		}
		return mon.m.SetMemoryBreakpoint(a, end, cmd != "watch", cmd != "rwatch")
	case "info":
		for _, bp := range mon.m.Breakpoints() {
			fmt.Fprintf(mon.out, "%s hits=%d\n", bp, bp.Hits)
		}
		for _, w := range mon.m.MemoryBreakpoints() {
			fmt.Fprintf(mon.out, "%s hits=%d\n", w, w.Hits)
		}
	case "step", "s":
		n, err := count(0, 1)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if _, err := mon.m.Step(ctx); err != nil {
				return err
			}
		}
		return mon.where()
	case "continue", "c":
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		state, err := mon.m.Run(runCtx)
		stop()
		if err != nil {
			return err
		}
		fmt.Fprintf(mon.out, "%s\n", state)
		return mon.where()
	case "regs", "r":
		regs, err := mon.m.Registers()
		if err != nil {
			return err
		}
		printRegisters(mon.out, regs)
	case "mem", "x":
		a, err := addr(0)
		if err != nil {
			return err
		}
		n, err := count(1, 64)
		if err != nil {
			return err
		}
		b, err := mon.m.ReadMemory(a, n)
		if err != nil {
			return err
		}
		hexdump(mon.out, a, b)
	case "disasm", "l":
		regs, err := mon.m.Registers()
		if err != nil {
			return err
		}
		a := regs.PC
		if len(args) > 0 {
			if a, err = addr(0); err != nil {
				return err
			}
		}
		n, err := count(1, 8)
		if err != nil {
			return err
		}
		return mon.disasm(a, n)
	case "blocks":
		fmt.Fprint(mon.out, linkTree(mon.m.Cache(), mon.entry).String())
	case "stats":
		printStats(mon.out, mon.m)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

// where prints the instruction at PC, preceded by the access that stopped
// the core when a memory breakpoint did.
func (mon *monitor) where() error {
	regs, err := mon.m.Registers()
	if err != nil {
		return err
	}
	if hit, ok := mon.m.LastMemoryHit(); ok {
		fmt.Fprintf(mon.out, "memory breakpoint: %s\n", hit)
	}
	return mon.disasm(regs.PC, 1)
}

func (mon *monitor) disasm(addr uint32, n int) error {
	b, err := mon.m.ReadMemory(addr, 4*n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		pc := addr + uint32(4*i)
		word := uint32(b[4*i])<<24 | uint32(b[4*i+1])<<16 | uint32(b[4*i+2])<<8 | uint32(b[4*i+3])
		fmt.Fprintf(mon.out, "%08x  %08x  %s\n", pc, word, isa.Decode(word).Disassemble(pc, true))
	}
	return nil
}

func hexdump(w io.Writer, addr uint32, b []byte) {
	for i := 0; i < len(b); i += 16 {
		end := i + 16
		if end > len(b) {
			end = len(b)
		}
		fmt.Fprintf(w, "%08x ", addr+uint32(i))
		for _, c := range b[i:end] {
			fmt.Fprintf(w, " %02x", c)
		}
		fmt.Fprintln(w)
	}
}
