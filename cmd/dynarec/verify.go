package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cobra"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/dispatcher"
	"github.com/colorfulnotion/dynarec/emulator"
)

var ErrDiverged = errors.New("execution modes diverged")

// outcome is what must agree between execution modes at the same
// breakpoint. The downcount is left out: it depends on where each mode
// reaches a block boundary when hardware is serviced.
type outcome struct {
	State    string       `json:"state"`
	Snapshot cpu.Snapshot `json:"snapshot"`
	RAM      string       `json:"ram_xxhash"`
}

func newVerifyCmd(o *options) *cobra.Command {
	var (
		until string
		modes []string
	)
	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Run an image under several execution modes and diff the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stopAt, err := parseAddr(until)
			if err != nil {
				return err
			}
			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			var results [][]byte
			for _, name := range modes {
				mode, err := dispatcher.ParseMode(name)
				if err != nil {
					return err
				}
				cfg.Dispatcher.Mode = mode
				res, err := o.verifyRun(cmd.Context(), cfg, args[0], stopAt)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				results = append(results, res)
			}
			out := cmd.OutOrStdout()
			var diverged bool
			for i := 1; i < len(results); i++ {
				diff, err := diffOutcomes(results[0], results[i])
				if err != nil {
					return err
				}
				if diff != "" {
					diverged = true
					fmt.Fprintf(out, "%s vs %s:\n%s\n", modes[0], modes[i], diff)
				}
			}
			if diverged {
				return ErrDiverged
			}
			fmt.Fprintf(out, "%s agree at %08x\n", strings.Join(modes, ", "), stopAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "breakpoint every mode runs to")
	cmd.Flags().StringSliceVar(&modes, "modes", []string{"interpreter", "threaded", "native"}, "execution modes to compare, the first is the reference")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

// verifyRun powers on a machine, runs it to stopAt and encodes the outcome.
// Machines run one after another so each can own the fault handler.
func (o *options) verifyRun(ctx context.Context, cfg emulator.Config, image string, stopAt uint32) ([]byte, error) {
	s, err := o.boot(ctx, cfg, image)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	s.m.SetBreakpoint(stopAt)
	state, err := s.run(ctx, o.cycles)
	if err != nil {
		return nil, err
	}
	snap, err := s.m.GetExecutionContextSnapshot()
	if err != nil {
		return nil, err
	}
	snap.Downcount = 0
	ram, err := s.m.ReadMemory(0, int(cfg.Memory.RAMSize))
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome{
		State:    state.String(),
		Snapshot: snap,
		RAM:      fmt.Sprintf("%016x", xxhash.Sum64(ram)),
	})
}

// diffOutcomes renders the differences between two encoded outcomes, or ""
// when they agree.
func diffOutcomes(ref, got []byte) (string, error) {
	delta, err := gojsondiff.New().Compare(ref, got)
	if err != nil {
		return "", fmt.Errorf("diff outcomes: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var left map[string]interface{}
	if err := json.Unmarshal(ref, &left); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(delta)
}
