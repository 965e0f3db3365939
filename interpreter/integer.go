package interpreter

import (
	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/isa"
)

var integerHandlers = integerTable()

func integerTable() map[isa.Opcode]Handler {
	t := make(map[isa.Opcode]Handler)
	for _, op := range []isa.Opcode{
		isa.ADDI, isa.ADDIS, isa.ADDIC, isa.ADDIC_RC, isa.SUBFIC, isa.MULLI,
		isa.ORI, isa.ORIS, isa.XORI, isa.XORIS, isa.ANDI_RC, isa.ANDIS_RC,
		isa.CMPI, isa.CMPLI, isa.CMP, isa.CMPL,
		isa.ADD, isa.ADDC, isa.ADDE, isa.SUBF, isa.SUBFC, isa.SUBFE, isa.NEG,
		isa.MULLW, isa.MULHW, isa.MULHWU, isa.DIVW, isa.DIVWU,
		isa.AND, isa.ANDC, isa.OR, isa.NOR, isa.XOR, isa.SLW, isa.SRW, isa.SRAW,
		isa.SRAWI, isa.CNTLZW, isa.EXTSB, isa.EXTSH, isa.RLWINM,
	} {
		t[op] = handleInteger
	}
	return t
}

// IsInteger reports whether op is computed by Compute.
func IsInteger(op isa.Opcode) bool {
	_, ok := integerHandlers[op]
	return ok
}

// Operands names the guest registers an integer instruction reads as its
// first and second operand. -1 means the operand is unused or reads as zero
// (rA of addi/addis when rA is r0).
func Operands(inst isa.Instruction) (a, b int) {
	switch inst.Op {
	case isa.ADDI, isa.ADDIS:
		if inst.RA == 0 {
			return -1, -1
		}
		return int(inst.RA), -1
	case isa.ADDIC, isa.ADDIC_RC, isa.SUBFIC, isa.MULLI, isa.CMPI, isa.CMPLI, isa.NEG:
		return int(inst.RA), -1
	case isa.ORI, isa.ORIS, isa.XORI, isa.XORIS, isa.ANDI_RC, isa.ANDIS_RC,
		isa.SRAWI, isa.CNTLZW, isa.EXTSB, isa.EXTSH, isa.RLWINM:
		return int(inst.RD), -1
	case isa.AND, isa.ANDC, isa.OR, isa.NOR, isa.XOR, isa.SLW, isa.SRW, isa.SRAW:
		return int(inst.RD), int(inst.RB)
	}
	return int(inst.RA), int(inst.RB)
}

// Target names the guest register an integer instruction writes, -1 for
// compares.
func Target(inst isa.Instruction) int {
	switch inst.Op {
	case isa.CMPI, isa.CMPLI, isa.CMP, isa.CMPL:
		return -1
	case isa.ORI, isa.ORIS, isa.XORI, isa.XORIS, isa.ANDI_RC, isa.ANDIS_RC,
		isa.AND, isa.ANDC, isa.OR, isa.NOR, isa.XOR, isa.SLW, isa.SRW, isa.SRAW,
		isa.SRAWI, isa.CNTLZW, isa.EXTSB, isa.EXTSH, isa.RLWINM:
		return int(inst.RA)
	}
	return int(inst.RD)
}

// Compute evaluates an integer instruction on operand values a and b (see
// Operands) and returns the result. CR, XER carry and overflow updates are
// applied to ctx directly. Every execution strategy goes through here.
func Compute(ctx *cpu.Context, inst isa.Instruction, a, b uint32) uint32 {
	imm := uint32(inst.Imm)
	var (
		res           uint32
		ca, ov        bool
		carries, ovOK bool
	)
	switch inst.Op {
	case isa.ADDI:
		res = a + imm
	case isa.ADDIS:
		res = a + imm<<16
	case isa.ADDIC, isa.ADDIC_RC:
		res, ca, _ = alu.AddCarry(a, imm, 0)
		carries = true
	case isa.SUBFIC:
		res, ca, _ = alu.Subf(a, imm)
		carries = true
	case isa.MULLI:
		res, _ = alu.Mullw(a, imm)
	case isa.ORI:
		res = a | imm
	case isa.ORIS:
		res = a | imm<<16
	case isa.XORI:
		res = a ^ imm
	case isa.XORIS:
		res = a ^ imm<<16
	case isa.ANDI_RC:
		res = a & imm
	case isa.ANDIS_RC:
		res = a & (imm << 16)

	case isa.CMPI:
		ctx.CR = alu.SetCRField(ctx.CR, inst.CRF, alu.Compare(a, imm, true, ctx.XER))
		return 0
	case isa.CMPLI:
		ctx.CR = alu.SetCRField(ctx.CR, inst.CRF, alu.Compare(a, imm, false, ctx.XER))
		return 0
	case isa.CMP:
		ctx.CR = alu.SetCRField(ctx.CR, inst.CRF, alu.Compare(a, b, true, ctx.XER))
		return 0
	case isa.CMPL:
		ctx.CR = alu.SetCRField(ctx.CR, inst.CRF, alu.Compare(a, b, false, ctx.XER))
		return 0

	case isa.ADD:
		res, _, ov = alu.AddCarry(a, b, 0)
		ovOK = true
	case isa.ADDC:
		res, ca, ov = alu.AddCarry(a, b, 0)
		carries, ovOK = true, true
	case isa.ADDE:
		res, ca, ov = alu.AddCarry(a, b, alu.Carry(ctx.XER))
		carries, ovOK = true, true
	case isa.SUBF:
		res, _, ov = alu.Subf(a, b)
		ovOK = true
	case isa.SUBFC:
		res, ca, ov = alu.Subf(a, b)
		carries, ovOK = true, true
	case isa.SUBFE:
		res, ca, ov = alu.AddCarry(^a, b, alu.Carry(ctx.XER))
		carries, ovOK = true, true
	case isa.NEG:
		res, ov = alu.Neg(a)
		ovOK = true
	case isa.MULLW:
		res, ov = alu.Mullw(a, b)
		ovOK = true
	case isa.MULHW:
		res = alu.Mulhw(a, b)
	case isa.MULHWU:
		res = alu.Mulhwu(a, b)
	case isa.DIVW:
		res, ov = alu.Divw(a, b)
		ovOK = true
	case isa.DIVWU:
		res, ov = alu.Divwu(a, b)
		ovOK = true

	case isa.AND:
		res = a & b
	case isa.ANDC:
		res = a &^ b
	case isa.OR:
		res = a | b
	case isa.NOR:
		res = ^(a | b)
	case isa.XOR:
		res = a ^ b
	case isa.SLW:
		res = alu.Slw(a, b)
	case isa.SRW:
		res = alu.Srw(a, b)
	case isa.SRAW:
		res, ca = alu.Sraw(a, b)
		carries = true
	case isa.SRAWI:
		res, ca = alu.Sraw(a, uint32(inst.SH))
		carries = true
	case isa.CNTLZW:
		res = alu.Cntlzw(a)
	case isa.EXTSB:
		res = alu.Extsb(a)
	case isa.EXTSH:
		res = alu.Extsh(a)
	case isa.RLWINM:
		res = alu.Rlwinm(a, inst.SH, inst.MB, inst.ME)
	}
	if carries {
		ctx.XER = alu.SetCarry(ctx.XER, ca)
	}
	if ovOK && inst.OE {
		ctx.XER = alu.SetOverflow(ctx.XER, ov)
	}
	if inst.Rc {
		ctx.CR = alu.Record(ctx.CR, res, ctx.XER)
	}
	return res
}

func handleInteger(ctx *cpu.Context, env Env, inst isa.Instruction) Result {
	ra, rb := Operands(inst)
	var a, b uint32
	if ra >= 0 {
		a = ctx.GPR[ra]
	}
	if rb >= 0 {
		b = ctx.GPR[rb]
	}
	res := Compute(ctx, inst, a, b)
	if t := Target(inst); t >= 0 {
		ctx.GPR[t] = res
	}
	return Continue
}

// rA|0 operand.
func baseOf(ctx *cpu.Context, ra uint8) uint32 {
	if ra == 0 {
		return 0
	}
	return ctx.GPR[ra]
}
