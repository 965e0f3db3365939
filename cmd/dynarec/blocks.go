package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/colorfulnotion/dynarec/blockcache"
)

func newBlocksCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks <image>",
		Short: "Run an image, then print the translated blocks as a link tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			s, err := o.boot(ctx, cfg, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if _, err := s.run(ctx, o.cycles); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), linkTree(s.m.Cache(), s.entry).String())
			return nil
		},
	}
	return cmd
}

// linkTree roots the installed blocks at the entry block and hangs every
// block under the first block linking to it. Blocks nothing links to become
// extra roots.
func linkTree(c *blockcache.Cache, entry uint32) treeprint.Tree {
	blocks := c.Blocks()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start < blocks[j].Start })

	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("generation %d, %d blocks", c.Generation(), len(blocks)))
	placed := map[uint32]bool{}
	var add func(parent treeprint.Tree, b *blockcache.Block)
	add = func(parent treeprint.Tree, b *blockcache.Block) {
		placed[b.Start] = true
		branch := parent.AddBranch(blockLabel(b))
		for _, l := range b.Links {
			if l == nil {
				branch.AddNode("indirect")
				continue
			}
			next := c.Lookup(l.Target)
			switch {
			case next == nil:
				branch.AddNode(fmt.Sprintf("%08x (not translated)", l.Target))
			case placed[next.Start]:
				branch.AddNode(fmt.Sprintf("%08x (see above)", l.Target))
			default:
				add(branch, next)
			}
		}
	}
	if b := c.Lookup(entry); b != nil {
		add(tree, b)
	}
	for _, b := range blocks {
		if !placed[b.Start] {
			add(tree, b)
		}
	}
	return tree
}

func blockLabel(b *blockcache.Block) string {
	return fmt.Sprintf("%08x-%08x ops=%d runs=%d size=%d gen=%d", b.Start, b.End, b.Len(), b.Runs(), b.Size(), b.Generation)
}
