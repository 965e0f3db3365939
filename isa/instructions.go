package isa

// Guest instruction set. Opcode values are internal identifiers, the
// primary/extended encodings live in decode.go.
type Opcode uint16

const ILLEGAL Opcode = 0

// Integer instructions with a 16-bit immediate (D-form).
const (
	ADDI     Opcode = 1
	ADDIS    Opcode = 2
	ADDIC    Opcode = 3
	ADDIC_RC Opcode = 4 // addic.
	SUBFIC   Opcode = 5
	MULLI    Opcode = 6
	ORI      Opcode = 7
	ORIS     Opcode = 8
	XORI     Opcode = 9
	XORIS    Opcode = 10
	ANDI_RC  Opcode = 11 // andi.
	ANDIS_RC Opcode = 12 // andis.
	CMPI     Opcode = 13
	CMPLI    Opcode = 14
)

// Integer register-register instructions (X/XO/M-form).
const (
	ADD    Opcode = 20
	ADDC   Opcode = 21
	ADDE   Opcode = 22
	SUBF   Opcode = 23
	SUBFC  Opcode = 24
	SUBFE  Opcode = 25
	NEG    Opcode = 26
	MULLW  Opcode = 27
	MULHW  Opcode = 28
	MULHWU Opcode = 29
	DIVW   Opcode = 30
	DIVWU  Opcode = 31
	AND    Opcode = 32
	ANDC   Opcode = 33
	OR     Opcode = 34
	NOR    Opcode = 35
	XOR    Opcode = 36
	SLW    Opcode = 37
	SRW    Opcode = 38
	SRAW   Opcode = 39
	SRAWI  Opcode = 40
	CNTLZW Opcode = 41
	EXTSB  Opcode = 42
	EXTSH  Opcode = 43
	CMP    Opcode = 44
	CMPL   Opcode = 45
	RLWINM Opcode = 46
)

// Loads and stores.
const (
	LWZ  Opcode = 50
	LHZ  Opcode = 51
	LHA  Opcode = 52
	LBZ  Opcode = 53
	STW  Opcode = 54
	STH  Opcode = 55
	STB  Opcode = 56
	LWZX Opcode = 57
	STWX Opcode = 58
	LBZX Opcode = 59
	STBX Opcode = 60
	LFD  Opcode = 61
	STFD Opcode = 62
	LFS  Opcode = 63
	STFS Opcode = 64
)

// Branches.
const (
	B     Opcode = 70
	BC    Opcode = 71
	BCLR  Opcode = 72
	BCCTR Opcode = 73
)

// Floating point.
const (
	FADD   Opcode = 80
	FSUB   Opcode = 81
	FMUL   Opcode = 82
	FDIV   Opcode = 83
	FMADD  Opcode = 84
	FADDS  Opcode = 85
	FSUBS  Opcode = 86
	FMULS  Opcode = 87
	FDIVS  Opcode = 88
	FMR    Opcode = 89
	FNEG   Opcode = 90
	FABS   Opcode = 91
	FRSP   Opcode = 92
	FCTIWZ Opcode = 93
	FCMPU  Opcode = 94
	MTFSFI Opcode = 95
)

// System, trap and cache control.
const (
	SC    Opcode = 100
	TW    Opcode = 101
	TWI   Opcode = 102
	MFSPR Opcode = 103
	MTSPR Opcode = 104
	RFI   Opcode = 105
	ICBI  Opcode = 106
	ISYNC Opcode = 107
	SYNC  Opcode = 108
)

const NumOpcodes = 110

// Special purpose register numbers.
const (
	SPR_XER   = 1
	SPR_LR    = 8
	SPR_CTR   = 9
	SPR_DSISR = 18
	SPR_DAR   = 19
	SPR_SRR0  = 26
	SPR_SRR1  = 27
	SPR_SPRG0 = 272
	SPR_SPRG1 = 273
	SPR_SPRG2 = 274
	SPR_SPRG3 = 275
)

// BO field encodings used by the assembler and analyzer.
const (
	BO_DNZF   = 0  // decrement CTR, branch if CTR != 0 and condition false
	BO_FALSE  = 4  // branch if condition false
	BO_DNZT   = 8  // decrement CTR, branch if CTR != 0 and condition true
	BO_TRUE   = 12 // branch if condition true
	BO_DNZ    = 16 // decrement CTR, branch if CTR != 0
	BO_DZ     = 18 // decrement CTR, branch if CTR == 0
	BO_ALWAYS = 20
)

// CR bit positions within a field.
const (
	CR_LT = 0
	CR_GT = 1
	CR_EQ = 2
	CR_SO = 3
)

type InstructionCategory int

const (
	CategoryIllegal InstructionCategory = iota
	CategoryInteger
	CategoryCompare
	CategoryLoad
	CategoryStore
	CategoryBranch
	CategoryFloat
	CategoryFloatLoad
	CategoryFloatStore
	CategorySystem
	CategoryTrap
)

type opInfo struct {
	name     string
	category InstructionCategory
	cycles   int
}

var opTable = [NumOpcodes]opInfo{
	ILLEGAL: {"illegal", CategoryIllegal, 1},

	ADDI:     {"addi", CategoryInteger, 1},
	ADDIS:    {"addis", CategoryInteger, 1},
	ADDIC:    {"addic", CategoryInteger, 1},
	ADDIC_RC: {"addic.", CategoryInteger, 1},
	SUBFIC:   {"subfic", CategoryInteger, 1},
	MULLI:    {"mulli", CategoryInteger, 3},
	ORI:      {"ori", CategoryInteger, 1},
	ORIS:     {"oris", CategoryInteger, 1},
	XORI:     {"xori", CategoryInteger, 1},
	XORIS:    {"xoris", CategoryInteger, 1},
	ANDI_RC:  {"andi.", CategoryInteger, 1},
	ANDIS_RC: {"andis.", CategoryInteger, 1},
	CMPI:     {"cmpwi", CategoryCompare, 1},
	CMPLI:    {"cmplwi", CategoryCompare, 1},

	ADD:    {"add", CategoryInteger, 1},
	ADDC:   {"addc", CategoryInteger, 1},
	ADDE:   {"adde", CategoryInteger, 1},
	SUBF:   {"subf", CategoryInteger, 1},
	SUBFC:  {"subfc", CategoryInteger, 1},
	SUBFE:  {"subfe", CategoryInteger, 1},
	NEG:    {"neg", CategoryInteger, 1},
	MULLW:  {"mullw", CategoryInteger, 5},
	MULHW:  {"mulhw", CategoryInteger, 5},
	MULHWU: {"mulhwu", CategoryInteger, 5},
	DIVW:   {"divw", CategoryInteger, 19},
	DIVWU:  {"divwu", CategoryInteger, 19},
	AND:    {"and", CategoryInteger, 1},
	ANDC:   {"andc", CategoryInteger, 1},
	OR:     {"or", CategoryInteger, 1},
	NOR:    {"nor", CategoryInteger, 1},
	XOR:    {"xor", CategoryInteger, 1},
	SLW:    {"slw", CategoryInteger, 1},
	SRW:    {"srw", CategoryInteger, 1},
	SRAW:   {"sraw", CategoryInteger, 1},
	SRAWI:  {"srawi", CategoryInteger, 1},
	CNTLZW: {"cntlzw", CategoryInteger, 1},
	EXTSB:  {"extsb", CategoryInteger, 1},
	EXTSH:  {"extsh", CategoryInteger, 1},
	CMP:    {"cmpw", CategoryCompare, 1},
	CMPL:   {"cmplw", CategoryCompare, 1},
	RLWINM: {"rlwinm", CategoryInteger, 1},

	LWZ:  {"lwz", CategoryLoad, 2},
	LHZ:  {"lhz", CategoryLoad, 2},
	LHA:  {"lha", CategoryLoad, 2},
	LBZ:  {"lbz", CategoryLoad, 2},
	STW:  {"stw", CategoryStore, 2},
	STH:  {"sth", CategoryStore, 2},
	STB:  {"stb", CategoryStore, 2},
	LWZX: {"lwzx", CategoryLoad, 2},
	STWX: {"stwx", CategoryStore, 2},
	LBZX: {"lbzx", CategoryLoad, 2},
	STBX: {"stbx", CategoryStore, 2},
	LFD:  {"lfd", CategoryFloatLoad, 2},
	STFD: {"stfd", CategoryFloatStore, 2},
	LFS:  {"lfs", CategoryFloatLoad, 2},
	STFS: {"stfs", CategoryFloatStore, 2},

	B:     {"b", CategoryBranch, 1},
	BC:    {"bc", CategoryBranch, 1},
	BCLR:  {"bclr", CategoryBranch, 1},
	BCCTR: {"bcctr", CategoryBranch, 1},

	FADD:   {"fadd", CategoryFloat, 1},
	FSUB:   {"fsub", CategoryFloat, 1},
	FMUL:   {"fmul", CategoryFloat, 2},
	FDIV:   {"fdiv", CategoryFloat, 31},
	FMADD:  {"fmadd", CategoryFloat, 2},
	FADDS:  {"fadds", CategoryFloat, 1},
	FSUBS:  {"fsubs", CategoryFloat, 1},
	FMULS:  {"fmuls", CategoryFloat, 1},
	FDIVS:  {"fdivs", CategoryFloat, 17},
	FMR:    {"fmr", CategoryFloat, 1},
	FNEG:   {"fneg", CategoryFloat, 1},
	FABS:   {"fabs", CategoryFloat, 1},
	FRSP:   {"frsp", CategoryFloat, 1},
	FCTIWZ: {"fctiwz", CategoryFloat, 1},
	FCMPU:  {"fcmpu", CategoryFloat, 1},
	MTFSFI: {"mtfsfi", CategoryFloat, 3},

	SC:    {"sc", CategorySystem, 2},
	TW:    {"tw", CategoryTrap, 2},
	TWI:   {"twi", CategoryTrap, 2},
	MFSPR: {"mfspr", CategoryInteger, 1},
	MTSPR: {"mtspr", CategoryInteger, 2},
	RFI:   {"rfi", CategoryBranch, 2},
	ICBI:  {"icbi", CategorySystem, 3},
	ISYNC: {"isync", CategorySystem, 2},
	SYNC:  {"sync", CategorySystem, 3},
}

func OpcodeToString(op Opcode) string {
	if int(op) < NumOpcodes && opTable[op].name != "" {
		return opTable[op].name
	}
	return "illegal"
}

func (op Opcode) String() string {
	return OpcodeToString(op)
}

// Valid reports whether op names a defined instruction.
func (op Opcode) Valid() bool {
	return op != ILLEGAL && int(op) < NumOpcodes && opTable[op].name != ""
}

func GetInstructionCategory(op Opcode) InstructionCategory {
	if int(op) >= NumOpcodes {
		return CategoryIllegal
	}
	return opTable[op].category
}

// FetchFaultCycles is charged for an instruction fetch that raises ISI.
const FetchFaultCycles = 1

// Cycles is the fixed cost charged against the downcount.
func Cycles(op Opcode) int {
	if int(op) >= NumOpcodes || opTable[op].cycles == 0 {
		return 1
	}
	return opTable[op].cycles
}

func IsMemoryInstruction(op Opcode) bool {
	switch GetInstructionCategory(op) {
	case CategoryLoad, CategoryStore, CategoryFloatLoad, CategoryFloatStore:
		return true
	}
	return false
}

func IsStore(op Opcode) bool {
	c := GetInstructionCategory(op)
	return c == CategoryStore || c == CategoryFloatStore
}

func IsControlFlowInstruction(op Opcode) bool {
	return GetInstructionCategory(op) == CategoryBranch
}

// IsBasicBlockTerminator reports instructions that always end a block
// regardless of their operands: traps, system calls and context
// synchronizing instructions.
func IsBasicBlockTerminator(op Opcode) bool {
	switch op {
	case ILLEGAL, SC, TW, TWI, RFI, ICBI, ISYNC:
		return true
	}
	return false
}

func GetCategoryName(category InstructionCategory) string {
	switch category {
	case CategoryInteger:
		return "integer"
	case CategoryCompare:
		return "compare"
	case CategoryLoad:
		return "load"
	case CategoryStore:
		return "store"
	case CategoryBranch:
		return "branch"
	case CategoryFloat:
		return "float"
	case CategoryFloatLoad:
		return "float-load"
	case CategoryFloatStore:
		return "float-store"
	case CategorySystem:
		return "system"
	case CategoryTrap:
		return "trap"
	default:
		return "illegal"
	}
}

// AccessWidth returns the byte width of a memory instruction, 0 otherwise.
func AccessWidth(op Opcode) int {
	switch op {
	case LWZ, STW, LWZX, STWX, LFS, STFS:
		return 4
	case LHZ, LHA, STH:
		return 2
	case LBZ, STB, LBZX, STBX:
		return 1
	case LFD, STFD:
		return 8
	}
	return 0
}
