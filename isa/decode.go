package isa

// Instruction is one decoded guest instruction. Register fields are the raw
// encoding fields: for logical, shift and rotate forms RD holds the source
// (rS) and RA the destination, as in the assembly syntax.
type Instruction struct {
	Word uint32
	Op   Opcode

	RD uint8 // bits 6-10 (rD, rS, frD, frS, BO, crfD<<2)
	RA uint8 // bits 11-15 (rA, frA, BI)
	RB uint8 // bits 16-20 (rB, frB, SH)
	RC uint8 // bits 21-25 (frC, MB)

	Imm int32 // SIMM/UIMM, branch displacement, SH for srawi
	SPR uint16
	SH  uint8
	MB  uint8
	ME  uint8
	BO  uint8
	BI  uint8
	CRF uint8 // target CR field for compares and fcmpu

	Rc bool // record form
	OE bool // overflow enable
	AA bool // absolute branch
	LK bool // link
}

// Decoder turns a fetched instruction word into an Instruction. The analyzer
// takes one so that the table stays replaceable.
type Decoder interface {
	Decode(word uint32) Instruction
}

type table struct{}

// DefaultDecoder is the built-in decode table.
var DefaultDecoder Decoder = table{}

func (table) Decode(word uint32) Instruction { return Decode(word) }

var (
	primary = map[uint32]Opcode{
		3: TWI, 7: MULLI, 8: SUBFIC, 10: CMPLI, 11: CMPI, 12: ADDIC, 13: ADDIC_RC,
		14: ADDI, 15: ADDIS, 16: BC, 17: SC, 18: B, 21: RLWINM,
		24: ORI, 25: ORIS, 26: XORI, 27: XORIS, 28: ANDI_RC, 29: ANDIS_RC,
		32: LWZ, 34: LBZ, 36: STW, 38: STB, 40: LHZ, 42: LHA, 44: STH,
		48: LFS, 50: LFD, 52: STFS, 54: STFD,
	}
	ext19 = map[uint32]Opcode{16: BCLR, 50: RFI, 150: ISYNC, 528: BCCTR}
	ext31 = map[uint32]Opcode{
		0: CMP, 4: TW, 23: LWZX, 24: SLW, 26: CNTLZW, 28: AND, 32: CMPL,
		60: ANDC, 87: LBZX, 124: NOR, 151: STWX, 215: STBX, 316: XOR,
		339: MFSPR, 444: OR, 467: MTSPR, 536: SRW, 598: SYNC, 792: SRAW,
		824: SRAWI, 922: EXTSH, 954: EXTSB, 982: ICBI,
	}
	// XO-form: 9-bit extended opcode, bit 21 is OE.
	ext31XO = map[uint32]Opcode{
		8: SUBFC, 10: ADDC, 11: MULHWU, 40: SUBF, 75: MULHW, 104: NEG,
		136: SUBFE, 138: ADDE, 235: MULLW, 266: ADD, 459: DIVWU, 491: DIVW,
	}
	ext59 = map[uint32]Opcode{18: FDIVS, 20: FSUBS, 21: FADDS, 25: FMULS}
	ext63A = map[uint32]Opcode{18: FDIV, 20: FSUB, 21: FADD, 25: FMUL, 29: FMADD}
	ext63X = map[uint32]Opcode{0: FCMPU, 12: FRSP, 15: FCTIWZ, 40: FNEG, 72: FMR, 134: MTFSFI, 264: FABS}
)

func lookupOpcode(w uint32) Opcode {
	opcd := w >> 26
	xo10 := (w >> 1) & 0x3ff
	switch opcd {
	case 19:
		return ext19[xo10]
	case 31:
		if op, ok := ext31XO[xo10&0x1ff]; ok {
			return op
		}
		return ext31[xo10]
	case 59:
		return ext59[(w>>1)&0x1f]
	case 63:
		if op, ok := ext63A[(w>>1)&0x1f]; ok {
			return op
		}
		return ext63X[xo10]
	}
	return primary[opcd]
}

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

// Decode decodes a single big-endian instruction word. Unknown encodings
// decode to ILLEGAL rather than failing.
func Decode(w uint32) Instruction {
	inst := Instruction{
		Word: w,
		Op:   lookupOpcode(w),
		RD:   uint8((w >> 21) & 31),
		RA:   uint8((w >> 16) & 31),
		RB:   uint8((w >> 11) & 31),
		RC:   uint8((w >> 6) & 31),
		Rc:   w&1 != 0,
	}
	switch inst.Op {
	case ADDI, ADDIS, ADDIC, ADDIC_RC, SUBFIC, MULLI, CMPI, TWI,
		LWZ, LHZ, LHA, LBZ, STW, STH, STB, LFD, STFD, LFS, STFS:
		inst.Imm = int32(int16(w))
	case ORI, ORIS, XORI, XORIS, ANDI_RC, ANDIS_RC, CMPLI:
		inst.Imm = int32(w & 0xffff)
	case B:
		inst.Imm = signExtend(w&0x03fffffc, 26)
		inst.AA = w&2 != 0
		inst.LK = w&1 != 0
	case BC:
		inst.Imm = signExtend(w&0xfffc, 16)
		inst.AA = w&2 != 0
		inst.LK = w&1 != 0
	case BCLR, BCCTR:
		inst.LK = w&1 != 0
	case RLWINM:
		inst.SH = inst.RB
		inst.MB = inst.RC
		inst.ME = uint8((w >> 1) & 31)
	case SRAWI:
		inst.SH = inst.RB
		inst.Imm = int32(inst.RB)
	case MFSPR, MTSPR:
		inst.SPR = uint16(inst.RA) | uint16(inst.RB)<<5
	case MTFSFI:
		inst.Imm = int32((w >> 12) & 15)
	}
	switch inst.Op {
	case BC, BCLR, BCCTR:
		inst.BO = inst.RD
		inst.BI = inst.RA
	case CMP, CMPL, CMPI, CMPLI, FCMPU, MTFSFI:
		inst.CRF = inst.RD >> 2
	case TW, TWI:
		inst.BO = inst.RD // TO field
	}
	if _, xo := ext31XO[(w>>1)&0x1ff]; xo && w>>26 == 31 {
		inst.OE = w&(1<<10) != 0
	}
	switch inst.Op {
	case ADDIC_RC, ANDI_RC, ANDIS_RC:
		inst.Rc = true
	case ADDI, ADDIS, ADDIC, SUBFIC, MULLI, ORI, ORIS, XORI, XORIS, CMPI, CMPLI, TWI,
		LWZ, LHZ, LHA, LBZ, STW, STH, STB, LFD, STFD, LFS, STFS, B, BC, BCLR, BCCTR,
		SC, RFI, ISYNC, LWZX, STWX, LBZX, STBX, MFSPR, MTSPR, SYNC, ICBI, CMP, CMPL, TW, FCMPU:
		inst.Rc = false
	}
	return inst
}

// BranchTarget returns the static target of B and BC given the address of
// the branch itself.
func (inst Instruction) BranchTarget(pc uint32) uint32 {
	if inst.AA {
		return uint32(inst.Imm)
	}
	return pc + uint32(inst.Imm)
}

// Unconditional reports whether a BC-family instruction ignores both CTR and
// the condition register.
func (inst Instruction) Unconditional() bool {
	switch inst.Op {
	case B, RFI:
		return true
	case BC, BCLR, BCCTR:
		return inst.BO&0x14 == 0x14
	}
	return false
}

// DecrementsCTR reports whether a conditional branch decrements CTR.
func (inst Instruction) DecrementsCTR() bool {
	switch inst.Op {
	case BC, BCLR:
		return inst.BO&0x04 == 0
	}
	return false
}
