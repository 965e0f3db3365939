package isa

import "fmt"

func (inst Instruction) String() string {
	return inst.Disassemble(0, false)
}

// Disassemble renders inst. With absolute set, branch targets are printed
// relative to pc, otherwise as ".+off".
func (inst Instruction) Disassemble(pc uint32, absolute bool) string {
	name := inst.Op.String()
	dot := ""
	if inst.Rc && inst.Op != ADDIC_RC && inst.Op != ANDI_RC && inst.Op != ANDIS_RC {
		dot = "."
	}
	if inst.OE {
		name += "o"
	}
	target := func() string {
		if absolute || inst.AA {
			return fmt.Sprintf("0x%08x", inst.BranchTarget(pc))
		}
		return fmt.Sprintf(".%+d", inst.Imm)
	}
	lk := ""
	if inst.LK {
		lk = "l"
	}
	switch inst.Op {
	case ILLEGAL:
		return fmt.Sprintf(".long 0x%08x", inst.Word)
	case ADDI, ADDIS, ADDIC, ADDIC_RC, SUBFIC, MULLI:
		return fmt.Sprintf("%s r%d, r%d, %d", name, inst.RD, inst.RA, inst.Imm)
	case ORI, ORIS, XORI, XORIS, ANDI_RC, ANDIS_RC:
		return fmt.Sprintf("%s r%d, r%d, 0x%x", name, inst.RA, inst.RD, inst.Imm)
	case CMPI:
		return fmt.Sprintf("%s cr%d, r%d, %d", name, inst.CRF, inst.RA, inst.Imm)
	case CMPLI:
		return fmt.Sprintf("%s cr%d, r%d, 0x%x", name, inst.CRF, inst.RA, inst.Imm)
	case CMP, CMPL:
		return fmt.Sprintf("%s cr%d, r%d, r%d", name, inst.CRF, inst.RA, inst.RB)
	case ADD, ADDC, ADDE, SUBF, SUBFC, SUBFE, MULLW, MULHW, MULHWU, DIVW, DIVWU:
		return fmt.Sprintf("%s%s r%d, r%d, r%d", name, dot, inst.RD, inst.RA, inst.RB)
	case NEG:
		return fmt.Sprintf("%s%s r%d, r%d", name, dot, inst.RD, inst.RA)
	case AND, ANDC, OR, NOR, XOR, SLW, SRW, SRAW:
		return fmt.Sprintf("%s%s r%d, r%d, r%d", name, dot, inst.RA, inst.RD, inst.RB)
	case SRAWI:
		return fmt.Sprintf("%s%s r%d, r%d, %d", name, dot, inst.RA, inst.RD, inst.SH)
	case CNTLZW, EXTSB, EXTSH:
		return fmt.Sprintf("%s%s r%d, r%d", name, dot, inst.RA, inst.RD)
	case RLWINM:
		return fmt.Sprintf("%s%s r%d, r%d, %d, %d, %d", name, dot, inst.RA, inst.RD, inst.SH, inst.MB, inst.ME)
	case LWZ, LHZ, LHA, LBZ, STW, STH, STB:
		return fmt.Sprintf("%s r%d, %d(r%d)", name, inst.RD, inst.Imm, inst.RA)
	case LFD, STFD, LFS, STFS:
		return fmt.Sprintf("%s f%d, %d(r%d)", name, inst.RD, inst.Imm, inst.RA)
	case LWZX, STWX, LBZX, STBX:
		return fmt.Sprintf("%s r%d, r%d, r%d", name, inst.RD, inst.RA, inst.RB)
	case B:
		a := ""
		if inst.AA {
			a = "a"
		}
		return fmt.Sprintf("b%s%s %s", lk, a, target())
	case BC:
		return fmt.Sprintf("bc%s %d, %d, %s", lk, inst.BO, inst.BI, target())
	case BCLR:
		if inst.Unconditional() {
			return "blr" + lk
		}
		return fmt.Sprintf("bclr%s %d, %d", lk, inst.BO, inst.BI)
	case BCCTR:
		if inst.Unconditional() {
			return "bctr" + lk
		}
		return fmt.Sprintf("bcctr%s %d, %d", lk, inst.BO, inst.BI)
	case FADD, FSUB, FDIV, FADDS, FSUBS, FDIVS:
		return fmt.Sprintf("%s%s f%d, f%d, f%d", name, dot, inst.RD, inst.RA, inst.RB)
	case FMUL, FMULS:
		return fmt.Sprintf("%s%s f%d, f%d, f%d", name, dot, inst.RD, inst.RA, inst.RC)
	case FMADD:
		return fmt.Sprintf("%s%s f%d, f%d, f%d, f%d", name, dot, inst.RD, inst.RA, inst.RC, inst.RB)
	case FMR, FNEG, FABS, FRSP, FCTIWZ:
		return fmt.Sprintf("%s%s f%d, f%d", name, dot, inst.RD, inst.RB)
	case FCMPU:
		return fmt.Sprintf("%s cr%d, f%d, f%d", name, inst.CRF, inst.RA, inst.RB)
	case MTFSFI:
		return fmt.Sprintf("%s%s %d, %d", name, dot, inst.CRF, inst.Imm)
	case TW:
		return fmt.Sprintf("tw %d, r%d, r%d", inst.BO, inst.RA, inst.RB)
	case TWI:
		return fmt.Sprintf("twi %d, r%d, %d", inst.BO, inst.RA, inst.Imm)
	case MFSPR:
		return fmt.Sprintf("mfspr r%d, %d", inst.RD, inst.SPR)
	case MTSPR:
		return fmt.Sprintf("mtspr %d, r%d", inst.SPR, inst.RD)
	case ICBI:
		return fmt.Sprintf("icbi r%d, r%d", inst.RA, inst.RB)
	}
	return name
}
