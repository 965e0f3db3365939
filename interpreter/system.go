package interpreter

import (
	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
)

var systemHandlers = map[isa.Opcode]Handler{
	isa.SC:    handleSC,
	isa.TW:    handleTrap,
	isa.TWI:   handleTrap,
	isa.MFSPR: handleMFSPR,
	isa.MTSPR: handleMTSPR,
	isa.ICBI:  handleICBI,
	isa.ISYNC: handleNop,
	isa.SYNC:  handleNop,
}

// handleSC raises the syscall exception with SRR0 at the next instruction.
func handleSC(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	ctx.PC += 4
	ctx.Raise(cpu.EXCEPTION_SYSCALL)
	return Raised
}

func handleTrap(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	b := ctx.GPR[inst.RB]
	if inst.Op == isa.TWI {
		b = uint32(inst.Imm)
	}
	if alu.TrapTaken(inst.BO, ctx.GPR[inst.RA], b) {
		ctx.RaiseProgram(cpu.SRR1_TRAP)
		return Raised
	}
	return Continue
}

func handleMFSPR(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	v, ok := ctx.MFSPR(inst.SPR)
	if !ok {
		ctx.RaiseProgram(cpu.SRR1_ILLEGAL)
		return Raised
	}
	ctx.GPR[inst.RD] = v
	return Continue
}

func handleMTSPR(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	if !ctx.MTSPR(inst.SPR, ctx.GPR[inst.RD]) {
		ctx.RaiseProgram(cpu.SRR1_ILLEGAL)
		return Raised
	}
	return Continue
}

func handleICBI(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	env.InvalidateCode(EffectiveAddress(ctx, inst))
	return Continue
}

func handleNop(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	return Continue
}
