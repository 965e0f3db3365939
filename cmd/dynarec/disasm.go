package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/blockcache"
)

func newDisasmCmd(o *options) *cobra.Command {
	var maxBlocks int
	cmd := &cobra.Command{
		Use:   "disasm <image>",
		Short: "List the basic blocks reachable from the entry point",
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
			listBlocks(cmd.OutOrStdout(), s.m.Cache(), s.entry, maxBlocks)
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxBlocks, "blocks", "n", 64, "maximum number of blocks to list")
	return cmd
}

// listBlocks analyzes blocks breadth first from entry along static exits
// and prints them in address order.
func listBlocks(w io.Writer, c *blockcache.Cache, entry uint32, max int) {
	seen := map[uint32]*analyzer.Block{}
	queue := []uint32{entry}
	for len(queue) > 0 && len(seen) < max {
		pc := queue[0]
		queue = queue[1:]
		if _, ok := seen[pc]; ok {
			continue
		}
		b := c.Analyze(pc)
		seen[pc] = b
		for _, e := range b.Exits {
			if e.Kind == analyzer.ExitStatic {
				queue = append(queue, e.Target)
			}
		}
	}
	starts := make([]uint32, 0, len(seen))
	for pc := range seen {
		starts = append(starts, pc)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for _, pc := range starts {
		printBlock(w, seen[pc])
	}
}

func printBlock(w io.Writer, b *analyzer.Block) {
	flags := ""
	if b.Idle {
		flags += " idle"
	}
	if b.Broken {
		flags += " broken"
	}
	fmt.Fprintf(w, "%08x-%08x  %d ops, %d cycles, ends: %s%s\n", b.Start, b.End, b.Len(), b.Cycles, b.Reason, flags)
	if b.FetchFault != nil {
		fmt.Fprintf(w, "  %v\n", b.FetchFault)
	}
	for _, op := range b.Ops {
		fmt.Fprintf(w, "  %08x  %08x  %s\n", op.PC, op.Inst.Word, op.Inst.Disassemble(op.PC, true))
	}
	for _, e := range b.Exits {
		switch {
		case e.Kind != analyzer.ExitStatic:
			fmt.Fprintf(w, "  -> indirect\n")
		case e.Fallthrough:
			fmt.Fprintf(w, "  -> %08x (fallthrough)\n", e.Target)
		default:
			fmt.Fprintf(w, "  -> %08x\n", e.Target)
		}
	}
}
