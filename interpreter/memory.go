package interpreter

import (
	"errors"

	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
)

var memoryHandlers = map[isa.Opcode]Handler{
	isa.LWZ:  handleLoad,
	isa.LHZ:  handleLoad,
	isa.LHA:  handleLoad,
	isa.LBZ:  handleLoad,
	isa.LWZX: handleLoad,
	isa.LBZX: handleLoad,
	isa.STW:  handleStore,
	isa.STH:  handleStore,
	isa.STB:  handleStore,
	isa.STWX: handleStore,
	isa.STBX: handleStore,
	isa.LFD:  handleLoadFloat,
	isa.LFS:  handleLoadFloat,
	isa.STFD: handleStoreFloat,
	isa.STFS: handleStoreFloat,
}

// EffectiveAddress computes the data address of a load or store.
func EffectiveAddress(ctx *cpu.Context, inst isa.Instruction) uint32 {
	switch inst.Op {
	case isa.LWZX, isa.LBZX, isa.STWX, isa.STBX, isa.ICBI:
		return baseOf(ctx, inst.RA) + ctx.GPR[inst.RB]
	}
	return baseOf(ctx, inst.RA) + uint32(inst.Imm)
}

func accessFailed(ctx *cpu.Context, err error) Result {
	if errors.Is(err, ErrStop) {
		return Stopped
	}
	ctx.RaiseAccess(err)
	return Raised
}

func handleLoad(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	width := isa.AccessWidth(inst.Op)
	v, err := env.Read(EffectiveAddress(ctx, inst), width)
	if err != nil {
		return accessFailed(ctx, err)
	}
	if inst.Op == isa.LHA {
		v = uint64(alu.Extsh(uint32(v)))
	}
	ctx.GPR[inst.RD] = uint32(v)
	return Continue
}

func handleStore(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	width := isa.AccessWidth(inst.Op)
	if err := env.Write(EffectiveAddress(ctx, inst), width, uint64(ctx.GPR[inst.RD])); err != nil {
		return accessFailed(ctx, err)
	}
	return Continue
}

func handleLoadFloat(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	width := isa.AccessWidth(inst.Op)
	v, err := env.Read(EffectiveAddress(ctx, inst), width)
	if err != nil {
		return accessFailed(ctx, err)
	}
	if inst.Op == isa.LFS {
		v = alu.LoadSingle(uint32(v))
	}
	ctx.FPR[inst.RD] = v
	return Continue
}

func handleStoreFloat(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	width := isa.AccessWidth(inst.Op)
	v := ctx.FPR[inst.RD]
	if inst.Op == isa.STFS {
		v = uint64(alu.StoreSingle(v))
	}
	if err := env.Write(EffectiveAddress(ctx, inst), width, v); err != nil {
		return accessFailed(ctx, err)
	}
	return Continue
}
