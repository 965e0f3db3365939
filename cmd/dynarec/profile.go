package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/dynarec/blockcache"
)

func newProfileCmd(o *options) *cobra.Command {
	var (
		top   int
		chart string
	)
	cmd := &cobra.Command{
		Use:   "profile <image>",
		Short: "Run an image and rank the translated blocks by how often they ran",
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

			hot := hottest(s.m.Cache().Blocks(), top)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-17s %10s %5s %12s\n", "block", "runs", "ops", "instructions")
			for _, b := range hot {
				fmt.Fprintf(out, "%08x-%08x %10d %5d %12d\n", b.Start, b.End, b.Runs(), b.Len(), b.Runs()*uint64(b.Len()))
			}
			if chart == "" {
				return nil
			}
			f, err := os.Create(chart)
			if err != nil {
				return err
			}
			if err := renderProfile(f, hot); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", 20, "number of blocks to show")
	cmd.Flags().StringVar(&chart, "chart", "", "write an HTML chart of the hottest blocks to this file")
	return cmd
}

// hottest returns up to n blocks ordered by run count, then address.
func hottest(blocks []*blockcache.Block, n int) []*blockcache.Block {
	sort.Slice(blocks, func(i, j int) bool {
		if ri, rj := blocks[i].Runs(), blocks[j].Runs(); ri != rj {
			return ri > rj
		}
		return blocks[i].Start < blocks[j].Start
	})
	if len(blocks) > n {
		blocks = blocks[:n]
	}
	return blocks
}

func renderProfile(w io.Writer, blocks []*blockcache.Block) error {
	labels := make([]string, 0, len(blocks))
	runs := make([]opts.BarData, 0, len(blocks))
	insts := make([]opts.BarData, 0, len(blocks))
	size := make([]opts.PieData, 0, len(blocks))
	for _, b := range blocks {
		label := fmt.Sprintf("%08x", b.Start)
		labels = append(labels, label)
		runs = append(runs, opts.BarData{Value: b.Runs()})
		insts = append(insts, opts.BarData{Value: b.Runs() * uint64(b.Len())})
		size = append(size, opts.PieData{Name: label, Value: b.Size()})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Hottest blocks", Subtitle: "runs and guest instructions retired"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "block"}),
	)
	bar.SetXAxis(labels).
		AddSeries("runs", runs).
		AddSeries("instructions", insts)

	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Translated code size"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	pie.AddSeries("size", size, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}))

	page := components.NewPage()
	page.PageTitle = "dynarec profile"
	page.AddCharts(bar, pie)
	return page.Render(w)
}
