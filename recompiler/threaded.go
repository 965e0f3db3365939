package recompiler

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/isa"
)

// stepSize approximates the footprint of one threaded step for the cache
// budget.
const stepSize = 32

type step struct {
	fn   interpreter.Handler
	inst isa.Instruction
}

type threadedBackend struct{}

// NewThreaded returns the portable strategy: every guest instruction
// becomes a pre-bound call to its interpreter routine.
func NewThreaded() Backend { return threadedBackend{} }

func (threadedBackend) Name() string { return StrategyThreaded }

func (threadedBackend) Translate(b *analyzer.Block, _ Options) (Code, error) {
	c := &threadedCode{block: b, steps: make([]step, len(b.Ops))}
	for i := range b.Ops {
		inst := b.Ops[i].Inst
		c.steps[i] = step{fn: interpreter.HandlerFor(inst.Op), inst: inst}
	}
	return c, nil
}

type threadedCode struct {
	block    *analyzer.Block
	steps    []step
	released atomic.Bool
}

func (c *threadedCode) Execute(ctx *cpu.Context, env interpreter.Env) Exit {
	if c.released.Load() {
		return Exit{Kind: ExitFatal, Err: ErrReleased}
	}
	if c.block.FetchFault != nil {
		return fetchFault(ctx, c.block)
	}
	ctx.PC = c.block.Start
	return c.run(ctx, env, 0, len(c.steps), accounting{block: c.block, step: -1})
}

func (c *threadedCode) ExecuteStep(ctx *cpu.Context, env interpreter.Env, i int) Exit {
	if c.released.Load() {
		return Exit{Kind: ExitFatal, Err: ErrReleased}
	}
	if c.block.FetchFault != nil {
		return fetchFault(ctx, c.block)
	}
	acct := accounting{block: c.block, step: i}
	ctx.PC = c.block.Ops[i].PC
	exit := c.run(ctx, env, i, i+1, acct)
	if exit.Kind == ExitStep {
		acct.stepped(ctx)
	}
	return exit
}

// run executes steps [from, to). Reaching to inside the block yields
// ExitStep; reaching the block end yields the fallthrough exit.
func (c *threadedCode) run(ctx *cpu.Context, env interpreter.Env, from, to int, acct accounting) Exit {
	b := c.block
	for i := from; i < to; i++ {
		s := &c.steps[i]
		switch s.fn(ctx, env, s.inst) {
		case interpreter.Continue:
			ctx.PC += 4
		case interpreter.Raised:
			acct.exception(ctx, i)
			return Exit{Kind: ExitException, Index: i}
		case interpreter.Stopped:
			acct.stop(ctx, i)
			return Exit{Kind: ExitStop, Index: i}
		case interpreter.Branched:
			n, ok := b.ExitAt(i, false)
			if !ok {
				acct.exception(ctx, i)
				return Exit{Kind: ExitIndirect, Index: -1}
			}
			acct.exit(ctx, n)
			return exitFor(b, n)
		}
	}
	if to < len(c.steps) {
		return Exit{Kind: ExitStep, Index: to - 1}
	}
	n, ok := b.ExitAt(len(b.Ops)-1, true)
	if !ok {
		return Exit{Kind: ExitIndirect, Index: -1}
	}
	acct.exit(ctx, n)
	return exitFor(b, n)
}

func (c *threadedCode) HostMap() []HostRange {
	m := make([]HostRange, len(c.steps))
	for i := range c.steps {
		m[i] = HostRange{Op: i, GuestPC: c.block.Ops[i].PC, Start: i, End: i + 1}
	}
	return m
}

func (c *threadedCode) Size() int              { return stepSize * (len(c.steps) + 1) }
func (c *threadedCode) Sites() []*fastmem.Site { return nil }
func (c *threadedCode) Release()               { c.released.Store(true) }

func (c *threadedCode) Disassemble() string {
	var sb strings.Builder
	for i, s := range c.steps {
		pc := c.block.Ops[i].PC
		fmt.Fprintf(&sb, "%04d %08x  call %-8s ; %s\n", i, pc, s.inst.Op, s.inst.Disassemble(pc, true))
	}
	return sb.String()
}
