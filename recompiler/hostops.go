package recompiler

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/isa"
)

// Host register file of the native machine. Registers below numAlloc hold
// guest GPRs; the two scratch registers carry effective addresses and
// temporaries.
const (
	numAlloc    = 8
	scratch0    = numAlloc
	scratch1    = numAlloc + 1
	numHostRegs = numAlloc + 2

	noReg = 0xff
)

type hostOp uint8

const (
	hNop hostOp = iota
	hLoadGuest
	hStoreGuest
	hMovImm
	hAddImm
	hAdd
	hInteger
	hLoadFast
	hStoreFast
	hLoadSlow
	hStoreSlow
	hMoveFromSPR
	hMoveToSPR
	hCallInterp
	hBranch
	hJump
	hExit
)

var hostOpNames = [...]string{
	hNop:         "nop",
	hLoadGuest:   "ldg",
	hStoreGuest:  "stg",
	hMovImm:      "movi",
	hAddImm:      "addi",
	hAdd:         "add",
	hInteger:     "alu",
	hLoadFast:    "ldfast",
	hStoreFast:   "stfast",
	hLoadSlow:    "ldslow",
	hStoreSlow:   "stslow",
	hMoveFromSPR: "mfspr",
	hMoveToSPR:   "mtspr",
	hCallInterp:  "call",
	hBranch:      "br",
	hJump:        "jmp",
	hExit:        "exit",
}

func (o hostOp) String() string {
	if int(o) < len(hostOpNames) {
		return hostOpNames[o]
	}
	return fmt.Sprintf("hop(%d)", uint8(o))
}

// hostInst is one instruction of the native machine.
type hostInst struct {
	code   hostOp
	dst    uint8
	a, b   uint8
	guest  uint8 // guest GPR for hLoadGuest and hStoreGuest
	width  uint8
	signed bool
	imm    uint32
	target int // jump target for hJump/hBranch/hStoreSlow
	exit   int // exit index for hExit

	op   int // guest op index this instruction belongs to
	pc   uint32
	inst isa.Instruction
	fn   interpreter.Handler
	site *fastmem.Site
	// flush lists the dirty bindings written back when this instruction
	// leaves the block with an exception.
	flush []Binding
}

func regName(r uint8) string {
	switch {
	case r == noReg:
		return "zero"
	case r == scratch0:
		return "s0"
	case r == scratch1:
		return "s1"
	}
	return fmt.Sprintf("h%d", r)
}

func (in *hostInst) String() string {
	switch in.code {
	case hLoadGuest:
		return fmt.Sprintf("%-7s %s, r%d", in.code, regName(in.dst), in.guest)
	case hStoreGuest:
		return fmt.Sprintf("%-7s r%d, %s", in.code, in.guest, regName(in.a))
	case hMovImm:
		return fmt.Sprintf("%-7s %s, %#x", in.code, regName(in.dst), in.imm)
	case hAddImm:
		return fmt.Sprintf("%-7s %s, %s, %#x", in.code, regName(in.dst), regName(in.a), in.imm)
	case hAdd:
		return fmt.Sprintf("%-7s %s, %s, %s", in.code, regName(in.dst), regName(in.a), regName(in.b))
	case hInteger:
		return fmt.Sprintf("%-7s %s, %s, %s ; %s", in.code, regName(in.dst), regName(in.a), regName(in.b), in.inst.Op)
	case hLoadFast, hLoadSlow:
		return fmt.Sprintf("%-7s %s, %d[%s]", in.code, regName(in.dst), in.width, regName(in.a))
	case hStoreFast:
		return fmt.Sprintf("%-7s %d[%s], %s ; slow @%d", in.code, in.width, regName(in.a), regName(in.b), in.site.Slow.IP())
	case hStoreSlow:
		return fmt.Sprintf("%-7s %d[%s], %s ; then @%d", in.code, in.width, regName(in.a), regName(in.b), in.target)
	case hMoveFromSPR:
		return fmt.Sprintf("%-7s %s, spr%d", in.code, regName(in.dst), in.imm)
	case hMoveToSPR:
		return fmt.Sprintf("%-7s spr%d, %s", in.code, in.imm, regName(in.a))
	case hCallInterp:
		return fmt.Sprintf("%-7s %s", in.code, in.inst.Disassemble(in.pc, true))
	case hBranch:
		return fmt.Sprintf("%-7s %s ; taken @%d", in.code, in.inst.Disassemble(in.pc, true), in.target)
	case hJump:
		return fmt.Sprintf("%-7s @%d", in.code, in.target)
	case hExit:
		return fmt.Sprintf("%-7s #%d", in.code, in.exit)
	}
	return in.code.String()
}
