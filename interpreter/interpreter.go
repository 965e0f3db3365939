// Package interpreter is the reference implementation of the guest
// instruction set. It executes one decoded instruction at a time and is the
// fallback for everything the recompiler does not translate.
package interpreter

import (
	"errors"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
)

// ErrStop is returned by an Env access that must not happen yet. The
// instruction ends with Stopped and leaves no trace in the context.
var ErrStop = errors.New("stop before access")

// Memory is checked guest data access.
type Memory interface {
	Read(addr uint32, width int) (uint64, error)
	Write(addr uint32, width int, v uint64) error
}

// Env is everything an instruction can reach besides the register file.
type Env interface {
	Memory
	// InvalidateCode drops translations covering the cache line of addr.
	InvalidateCode(addr uint32)
}

// Fetcher reads instruction words.
type Fetcher interface {
	Fetch(addr uint32) (uint32, error)
}

// Result tells the caller how control left an instruction.
type Result uint8

const (
	// Continue: the instruction completed and PC must advance by 4.
	Continue Result = iota
	// Branched: the instruction completed and set PC itself.
	Branched
	// Raised: a synchronous exception is pending; the instruction did not
	// retire.
	Raised
	// Stopped: the environment refused an access with ErrStop. PC still
	// addresses the instruction, which did not execute.
	Stopped
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Branched:
		return "branched"
	case Raised:
		return "raised"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Handler executes one instruction against the context.
type Handler func(ctx *cpu.Context, env Env, inst isa.Instruction) Result

var handlers [isa.NumOpcodes]Handler

func init() {
	for op := range handlers {
		handlers[op] = handleILLEGAL
	}
	for op, h := range integerHandlers {
		handlers[op] = h
	}
	for op, h := range memoryHandlers {
		handlers[op] = h
	}
	for op, h := range branchHandlers {
		handlers[op] = h
	}
	for op, h := range floatHandlers {
		handlers[op] = h
	}
	for op, h := range systemHandlers {
		handlers[op] = h
	}
}

// HandlerFor returns the routine implementing op. Unknown opcodes get the
// illegal instruction handler.
func HandlerFor(op isa.Opcode) Handler {
	if int(op) >= len(handlers) {
		return handleILLEGAL
	}
	return handlers[op]
}

// Execute runs inst, which must be the instruction at ctx.PC, and advances
// PC when the instruction falls through. Cycles are not charged.
func Execute(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	r := HandlerFor(inst.Op)(ctx, env, inst)
	if r == Continue {
		ctx.PC += 4
	}
	return r
}

// Single fetches, decodes and executes the instruction at ctx.PC and
// charges its cost. A fetch fault raises ISI.
func Single(ctx *cpu.Context, env Env, fetch Fetcher, dec isa.Decoder) (Result, isa.Instruction) {
	word, err := fetch.Fetch(ctx.PC)
	if err != nil {
		ctx.RaiseAccess(err)
		ctx.Charge(isa.FetchFaultCycles, 0)
		return Raised, isa.Instruction{}
	}
	inst := dec.Decode(word)
	r := Execute(ctx, env, inst)
	switch r {
	case Stopped:
	case Raised:
		ctx.Charge(isa.Cycles(inst.Op), 0)
	default:
		ctx.Charge(isa.Cycles(inst.Op), 1)
	}
	return r, inst
}

func handleILLEGAL(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	ctx.RaiseProgram(cpu.SRR1_ILLEGAL)
	return Raised
}
