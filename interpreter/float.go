package interpreter

import (
	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
)

var floatHandlers = map[isa.Opcode]Handler{
	isa.FADD:   handleFloatArith,
	isa.FSUB:   handleFloatArith,
	isa.FMUL:   handleFloatArith,
	isa.FDIV:   handleFloatArith,
	isa.FADDS:  handleFloatArith,
	isa.FSUBS:  handleFloatArith,
	isa.FMULS:  handleFloatArith,
	isa.FDIVS:  handleFloatArith,
	isa.FMADD:  handleFloatArith,
	isa.FRSP:   handleFloatArith,
	isa.FCTIWZ: handleFloatArith,
	isa.FMR:    handleFloatMove,
	isa.FNEG:   handleFloatMove,
	isa.FABS:   handleFloatMove,
	isa.FCMPU:  handleFCMPU,
	isa.MTFSFI: handleMTFSFI,
}

// recordFloat copies FX, FEX, VX and OX into CR1 for the "." forms.
func recordFloat(ctx *cpu.Context, inst isa.Instruction) {
	if inst.Rc {
		ctx.CR = alu.SetCRField(ctx.CR, 1, ctx.FPSCR>>28)
	}
}

func handleFloatArith(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	a, b, c := ctx.FPR[inst.RA], ctx.FPR[inst.RB], ctx.FPR[inst.RC]
	fpscr := ctx.FPSCR
	var (
		res uint64
		exc uint32
	)
	switch inst.Op {
	case isa.FADD:
		res, exc = alu.FAdd(a, b, fpscr)
	case isa.FSUB:
		res, exc = alu.FSub(a, b, fpscr)
	case isa.FMUL:
		res, exc = alu.FMul(a, c, fpscr)
	case isa.FDIV:
		res, exc = alu.FDiv(a, b, fpscr)
	case isa.FADDS:
		res, exc = alu.FAdds(a, b, fpscr)
	case isa.FSUBS:
		res, exc = alu.FSubs(a, b, fpscr)
	case isa.FMULS:
		res, exc = alu.FMuls(a, c, fpscr)
	case isa.FDIVS:
		res, exc = alu.FDivs(a, b, fpscr)
	case isa.FMADD:
		res, exc = alu.FMadd(a, c, b, fpscr)
	case isa.FRSP:
		res, exc = alu.FRsp(b, fpscr)
	case isa.FCTIWZ:
		res, exc = alu.FCtiwz(b)
	}
	ctx.FPR[inst.RD] = res
	ctx.FPSCR = alu.MergeFPSCR(fpscr, exc)
	recordFloat(ctx, inst)
	return Continue
}

func handleFloatMove(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	b := ctx.FPR[inst.RB]
	switch inst.Op {
	case isa.FNEG:
		b = alu.FNeg(b)
	case isa.FABS:
		b = alu.FAbs(b)
	}
	ctx.FPR[inst.RD] = b
	recordFloat(ctx, inst)
	return Continue
}

// handleFCMPU sets the CR field and the FPSCR condition code.
func handleFCMPU(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	f, exc := alu.FCmpu(ctx.FPR[inst.RA], ctx.FPR[inst.RB])
	ctx.CR = alu.SetCRField(ctx.CR, inst.CRF, f)
	ctx.FPSCR = alu.MergeFPSCR(ctx.FPSCR&^0xF000|f<<12, exc)
	return Continue
}

func handleMTFSFI(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	ctx.FPSCR = alu.SetCRField(ctx.FPSCR, inst.CRF, uint32(inst.Imm))
	recordFloat(ctx, inst)
	return Continue
}
