package analyzer

import "github.com/colorfulnotion/dynarec/isa"

// Flags name the non-GPR state an instruction touches.
type Flags uint32

const (
	ReadsCR Flags = 1 << iota
	WritesCR
	ReadsXER
	WritesXER
	ReadsLR
	WritesLR
	ReadsCTR
	WritesCTR
	ReadsFPSCR
	WritesFPSCR
	ReadsMSR
	WritesMSR
)

func bit(r uint8) uint32 { return 1 << r }

// baseReg is rA in (rA|0) addressing: r0 reads as zero.
func baseReg(r uint8) uint32 {
	if r == 0 {
		return 0
	}
	return bit(r)
}

// usage fills the register and flag sets of op from its instruction.
func usage(op *Op) {
	inst := op.Inst
	switch inst.Op {
	case isa.ADDI, isa.ADDIS:
		op.GPRIn = baseReg(inst.RA)
		op.GPROut = bit(inst.RD)
	case isa.ADDIC, isa.SUBFIC:
		op.GPRIn = bit(inst.RA)
		op.GPROut = bit(inst.RD)
		op.Flags |= WritesXER
	case isa.ADDIC_RC:
		op.GPRIn = bit(inst.RA)
		op.GPROut = bit(inst.RD)
		op.Flags |= ReadsXER | WritesXER | WritesCR
	case isa.MULLI:
		op.GPRIn = bit(inst.RA)
		op.GPROut = bit(inst.RD)
	case isa.ORI, isa.ORIS, isa.XORI, isa.XORIS:
		op.GPRIn = bit(inst.RD)
		op.GPROut = bit(inst.RA)
	case isa.ANDI_RC, isa.ANDIS_RC:
		op.GPRIn = bit(inst.RD)
		op.GPROut = bit(inst.RA)
		op.Flags |= ReadsXER | WritesCR
	case isa.CMPI, isa.CMPLI:
		op.GPRIn = bit(inst.RA)
		op.Flags |= ReadsXER | WritesCR
	case isa.CMP, isa.CMPL:
		op.GPRIn = bit(inst.RA) | bit(inst.RB)
		op.Flags |= ReadsXER | WritesCR

	case isa.ADD, isa.SUBF, isa.MULLW, isa.MULHW, isa.MULHWU, isa.DIVW, isa.DIVWU:
		op.GPRIn = bit(inst.RA) | bit(inst.RB)
		op.GPROut = bit(inst.RD)
	case isa.ADDC, isa.SUBFC:
		op.GPRIn = bit(inst.RA) | bit(inst.RB)
		op.GPROut = bit(inst.RD)
		op.Flags |= WritesXER
	case isa.ADDE, isa.SUBFE:
		op.GPRIn = bit(inst.RA) | bit(inst.RB)
		op.GPROut = bit(inst.RD)
		op.Flags |= ReadsXER | WritesXER
	case isa.NEG:
		op.GPRIn = bit(inst.RA)
		op.GPROut = bit(inst.RD)

	case isa.AND, isa.ANDC, isa.OR, isa.NOR, isa.XOR, isa.SLW, isa.SRW:
		op.GPRIn = bit(inst.RD) | bit(inst.RB)
		op.GPROut = bit(inst.RA)
	case isa.SRAW:
		op.GPRIn = bit(inst.RD) | bit(inst.RB)
		op.GPROut = bit(inst.RA)
		op.Flags |= WritesXER
	case isa.SRAWI:
		op.GPRIn = bit(inst.RD)
		op.GPROut = bit(inst.RA)
		op.Flags |= WritesXER
	case isa.CNTLZW, isa.EXTSB, isa.EXTSH, isa.RLWINM:
		op.GPRIn = bit(inst.RD)
		op.GPROut = bit(inst.RA)

	case isa.LWZ, isa.LHZ, isa.LHA, isa.LBZ:
		op.GPRIn = baseReg(inst.RA)
		op.GPROut = bit(inst.RD)
	case isa.LWZX, isa.LBZX:
		op.GPRIn = baseReg(inst.RA) | bit(inst.RB)
		op.GPROut = bit(inst.RD)
	case isa.STW, isa.STH, isa.STB:
		op.GPRIn = baseReg(inst.RA) | bit(inst.RD)
	case isa.STWX, isa.STBX:
		op.GPRIn = baseReg(inst.RA) | bit(inst.RB) | bit(inst.RD)
	case isa.LFD, isa.LFS:
		op.GPRIn = baseReg(inst.RA)
		op.FPROut = bit(inst.RD)
	case isa.STFD, isa.STFS:
		op.GPRIn = baseReg(inst.RA)
		op.FPRIn = bit(inst.RD)

	case isa.B:
		if inst.LK {
			op.Flags |= WritesLR
		}
	case isa.BC, isa.BCLR, isa.BCCTR:
		if inst.BO&0x10 == 0 {
			op.Flags |= ReadsCR
		}
		if inst.DecrementsCTR() {
			op.Flags |= ReadsCTR | WritesCTR
		}
		if inst.Op == isa.BCLR {
			op.Flags |= ReadsLR
		}
		if inst.Op == isa.BCCTR {
			op.Flags |= ReadsCTR
		}
		if inst.LK {
			op.Flags |= WritesLR
		}

	case isa.FADD, isa.FSUB, isa.FDIV, isa.FADDS, isa.FSUBS, isa.FDIVS:
		op.FPRIn = bit(inst.RA) | bit(inst.RB)
		op.FPROut = bit(inst.RD)
		op.Flags |= ReadsFPSCR | WritesFPSCR
	case isa.FMUL, isa.FMULS:
		op.FPRIn = bit(inst.RA) | bit(inst.RC)
		op.FPROut = bit(inst.RD)
		op.Flags |= ReadsFPSCR | WritesFPSCR
	case isa.FMADD:
		op.FPRIn = bit(inst.RA) | bit(inst.RB) | bit(inst.RC)
		op.FPROut = bit(inst.RD)
		op.Flags |= ReadsFPSCR | WritesFPSCR
	case isa.FMR, isa.FNEG, isa.FABS:
		op.FPRIn = bit(inst.RB)
		op.FPROut = bit(inst.RD)
	case isa.FRSP, isa.FCTIWZ:
		op.FPRIn = bit(inst.RB)
		op.FPROut = bit(inst.RD)
		op.Flags |= ReadsFPSCR | WritesFPSCR
	case isa.FCMPU:
		op.FPRIn = bit(inst.RA) | bit(inst.RB)
		op.Flags |= WritesCR | ReadsFPSCR | WritesFPSCR
	case isa.MTFSFI:
		op.Flags |= ReadsFPSCR | WritesFPSCR

	case isa.TW:
		op.GPRIn = bit(inst.RA) | bit(inst.RB)
	case isa.TWI:
		op.GPRIn = bit(inst.RA)
	case isa.MFSPR:
		op.GPROut = bit(inst.RD)
		switch inst.SPR {
		case isa.SPR_LR:
			op.Flags |= ReadsLR
		case isa.SPR_CTR:
			op.Flags |= ReadsCTR
		case isa.SPR_XER:
			op.Flags |= ReadsXER
		}
	case isa.MTSPR:
		op.GPRIn = bit(inst.RD)
		switch inst.SPR {
		case isa.SPR_LR:
			op.Flags |= WritesLR
		case isa.SPR_CTR:
			op.Flags |= WritesCTR
		case isa.SPR_XER:
			op.Flags |= WritesXER
		}
	case isa.RFI:
		op.Flags |= ReadsMSR | WritesMSR
	case isa.ICBI:
		op.GPRIn = baseReg(inst.RA) | bit(inst.RB)
	case isa.SC:
		op.Flags |= ReadsMSR | WritesMSR
	}

	if inst.OE {
		op.Flags |= ReadsXER | WritesXER
	}
	if inst.Rc {
		switch isa.GetInstructionCategory(inst.Op) {
		case isa.CategoryFloat:
			op.Flags |= WritesCR | ReadsFPSCR
		default:
			op.Flags |= WritesCR | ReadsXER
		}
	}
}

// canFault reports instructions that may raise a synchronous exception.
func canFault(inst isa.Instruction) bool {
	switch inst.Op {
	case isa.ILLEGAL, isa.SC, isa.TW, isa.TWI:
		return true
	case isa.MFSPR, isa.MTSPR:
		switch inst.SPR {
		case isa.SPR_XER, isa.SPR_LR, isa.SPR_CTR, isa.SPR_DSISR, isa.SPR_DAR,
			isa.SPR_SRR0, isa.SPR_SRR1, isa.SPR_SPRG0, isa.SPR_SPRG1, isa.SPR_SPRG2, isa.SPR_SPRG3:
			return false
		}
		return true
	}
	return isa.IsMemoryInstruction(inst.Op)
}
