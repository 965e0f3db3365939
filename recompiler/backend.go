// Package recompiler translates analyzed guest blocks into executable code.
// Two strategies sit behind the same Backend interface: native, which
// register-allocates guest state onto host registers and accesses RAM
// through the fastmem arena, and threaded, which binds interpreter routines
// into a dispatch list. Callers never look at the concrete strategy.
package recompiler

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
)

const (
	StrategyNative   = "native"
	StrategyThreaded = "threaded"
)

var (
	ErrUnknownStrategy = errors.New("unknown code generation strategy")
	ErrReleased        = errors.New("translation already released")
)

type ExitKind uint8

const (
	// ExitLink leaves through static exit Index of the block.
	ExitLink ExitKind = iota
	// ExitIndirect leaves to a target computed at run time (LR, CTR, SRR0).
	ExitIndirect
	// ExitException leaves with a synchronous exception pending; PC is the
	// faulting instruction (the next one for sc).
	ExitException
	// ExitIdle leaves through the back edge of a detected idle loop.
	ExitIdle
	// ExitFatal reports an unrecoverable host fault; Err says why.
	ExitFatal
	// ExitStep is returned by ExecuteStep when the instruction completed
	// without leaving the block.
	ExitStep
	// ExitStop leaves in front of an instruction whose access the
	// environment refused with interpreter.ErrStop. PC addresses it.
	ExitStop
)

func (k ExitKind) String() string {
	switch k {
	case ExitLink:
		return "link"
	case ExitIndirect:
		return "indirect"
	case ExitException:
		return "exception"
	case ExitIdle:
		return "idle"
	case ExitFatal:
		return "fatal"
	case ExitStep:
		return "step"
	case ExitStop:
		return "stop"
	}
	return fmt.Sprintf("exit(%d)", uint8(k))
}

// Exit is the reason a translation stopped running. PC in the context is
// always the next guest instruction to execute.
type Exit struct {
	Kind  ExitKind
	Index int
	Err   error
}

func (e Exit) String() string {
	switch e.Kind {
	case ExitLink, ExitIdle:
		return fmt.Sprintf("%s#%d", e.Kind, e.Index)
	case ExitFatal:
		return fmt.Sprintf("fatal: %v", e.Err)
	case ExitStop:
		return fmt.Sprintf("stop#%d", e.Index)
	}
	return e.Kind.String()
}

// Binding pairs a host register with the guest register it holds.
type Binding struct {
	Host uint8
	GPR  uint8
}

// HostRange maps one guest instruction onto the host code implementing it,
// with the register bindings live on entry and exit.
type HostRange struct {
	Op      int
	GuestPC uint32
	Start   int
	End     int
	Entry   []Binding
	Exit    []Binding
}

// Code is one executable translation.
type Code interface {
	// Execute runs the block from its first instruction to its natural exit
	// and charges cycles and retired instructions to ctx.
	Execute(ctx *cpu.Context, env interpreter.Env) Exit
	// ExecuteStep runs only guest instruction i (ctx.PC must address it).
	ExecuteStep(ctx *cpu.Context, env interpreter.Env, i int) Exit
	HostMap() []HostRange
	// Size is the cost of the translation against the cache budget.
	Size() int
	Sites() []*fastmem.Site
	// Release drops everything the translation registered. The code must
	// not run afterwards.
	Release()
	Disassemble() string
}

// Options tune one translation.
type Options struct {
	// SlowAccess forces checked memory accesses at a guest PC, used for
	// sites that fault too often.
	SlowAccess func(pc uint32) bool
}

func (o Options) slow(pc uint32) bool {
	return o.SlowAccess != nil && o.SlowAccess(pc)
}

type Backend interface {
	Name() string
	Translate(b *analyzer.Block, opts Options) (Code, error)
}

// New returns the named strategy. h may be nil, in which case the native
// strategy uses checked accesses only.
func New(name string, h *fastmem.Handler) (Backend, error) {
	switch name {
	case StrategyNative:
		return NewNative(h), nil
	case StrategyThreaded:
		return NewThreaded(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// FaultError is a host fault in generated code that no registered site
// accounts for.
type FaultError struct {
	HostLoc  fastmem.Loc
	HostAddr uintptr
	GuestPC  uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("unrecognized fault at host %s addr %#x (guest pc %08x)", e.HostLoc, e.HostAddr, e.GuestPC)
}

// exitFor classifies static exit n of b.
func exitFor(b *analyzer.Block, n int) Exit {
	e := b.Exits[n]
	switch {
	case e.Kind == analyzer.ExitIndirect:
		return Exit{Kind: ExitIndirect, Index: n}
	case b.Idle && n == len(b.Exits)-1:
		return Exit{Kind: ExitIdle, Index: n}
	}
	return Exit{Kind: ExitLink, Index: n}
}

// accounting charges a context for how far a block got. In step mode only
// the stepped instruction is charged.
type accounting struct {
	block *analyzer.Block
	step  int // -1 outside ExecuteStep
}

func (a accounting) exit(ctx *cpu.Context, n int) {
	if a.step >= 0 {
		ctx.Charge(a.block.Ops[a.step].Cycles, 1)
		return
	}
	e := a.block.Exits[n]
	ctx.Charge(e.Cycles, e.Retired)
}

// exception charges up to and including the faulting op i, which does not
// retire.
func (a accounting) exception(ctx *cpu.Context, i int) {
	op := &a.block.Ops[i]
	if a.step >= 0 {
		ctx.Charge(op.Cycles, 0)
		return
	}
	ctx.Charge(op.CyclesBefore+op.Cycles, i)
}

// stop charges the instructions in front of op i, which did not execute.
func (a accounting) stop(ctx *cpu.Context, i int) {
	if a.step >= 0 {
		return
	}
	ctx.Charge(a.block.Ops[i].CyclesBefore, i)
}

// stepped charges an instruction that completed inside the block.
func (a accounting) stepped(ctx *cpu.Context) {
	ctx.Charge(a.block.Ops[a.step].Cycles, 1)
}

// fetchFault handles blocks whose first instruction could not be fetched.
func fetchFault(ctx *cpu.Context, b *analyzer.Block) Exit {
	ctx.PC = b.Start
	ctx.RaiseAccess(b.FetchFault)
	ctx.Charge(b.Cycles, 0)
	return Exit{Kind: ExitException}
}
