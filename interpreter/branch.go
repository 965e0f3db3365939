package interpreter

import (
	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
)

var branchHandlers = map[isa.Opcode]Handler{
	isa.B:     handleB,
	isa.BC:    handleBC,
	isa.BCLR:  handleBC,
	isa.BCCTR: handleBC,
	isa.RFI:   handleRFI,
}

func handleB(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	if inst.LK {
		ctx.LR = ctx.PC + 4
	}
	ctx.PC = inst.BranchTarget(ctx.PC)
	return Branched
}

// handleBC covers bc, bclr and bcctr. LR is updated whether or not the
// branch is taken, and the target is read before that update.
func handleBC(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	bo := inst.BO
	var target uint32
	switch inst.Op {
	case isa.BC:
		target = inst.BranchTarget(ctx.PC)
	case isa.BCLR:
		target = ctx.LR &^ 3
	case isa.BCCTR:
		target = ctx.CTR &^ 3
		bo |= 0x04
	}
	taken, ctr := alu.BranchTaken(bo, inst.BI, ctx.CR, ctx.CTR)
	ctx.CTR = ctr
	if inst.LK {
		ctx.LR = ctx.PC + 4
	}
	if !taken {
		return Continue
	}
	ctx.PC = target
	return Branched
}

func handleRFI(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	ctx.ReturnFromInterrupt()
	return Branched
}
