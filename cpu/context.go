// Package cpu defines the guest execution context: the register file, the
// cycle budget and the pending exception mask.
package cpu

import (
	"fmt"
	"sync/atomic"
)

// MSR bits the core interprets.
const (
	MSR_EE = 0x8000 // external interrupts enabled
	MSR_PR = 0x4000
	MSR_FP = 0x2000
	MSR_IR = 0x0020
	MSR_DR = 0x0010
)

// Registers is the plain-data part of the context. It is what snapshots,
// the debugger and the save-state collaborator see.
type Registers struct {
	PC    uint32     `json:"pc"`
	GPR   [32]uint32 `json:"gpr"`
	FPR   [32]uint64 `json:"fpr"`
	CR    uint32     `json:"cr"`
	XER   uint32     `json:"xer"`
	LR    uint32     `json:"lr"`
	CTR   uint32     `json:"ctr"`
	MSR   uint32     `json:"msr"`
	SRR0  uint32     `json:"srr0"`
	SRR1  uint32     `json:"srr1"`
	DAR   uint32     `json:"dar"`
	DSISR uint32     `json:"dsisr"`
	FPSCR uint32     `json:"fpscr"`
	SPRG  [4]uint32  `json:"sprg"`
}

// Context is owned by the single goroutine executing guest code. Only the
// pending exception mask may be touched from other goroutines.
type Context struct {
	Registers

	// Downcount is the remaining cycle budget before hardware is serviced.
	Downcount int64
	// Retired counts executed guest instructions.
	Retired uint64

	pending atomic.Uint32
}

func New(entry uint32) *Context {
	c := &Context{}
	c.PC = entry
	return c
}

// Snapshot is a copy of the context taken while suspended.
type Snapshot struct {
	Registers
	Downcount int64  `json:"downcount"`
	Retired   uint64 `json:"retired"`
	Pending   uint32 `json:"pending"`
}

func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		Registers: c.Registers,
		Downcount: c.Downcount,
		Retired:   c.Retired,
		Pending:   c.pending.Load(),
	}
}

// Restore loads a snapshot back, e.g. from a save state.
func (c *Context) Restore(s Snapshot) {
	c.Registers = s.Registers
	c.Downcount = s.Downcount
	c.Retired = s.Retired
	c.pending.Store(s.Pending)
}

// Charge consumes cycles and retires instructions.
func (c *Context) Charge(cycles, instructions int) {
	c.Downcount -= int64(cycles)
	c.Retired += uint64(instructions)
}

func (c *Context) String() string {
	return fmt.Sprintf("pc=%08x lr=%08x ctr=%08x cr=%08x xer=%08x msr=%08x", c.PC, c.LR, c.CTR, c.CR, c.XER, c.MSR)
}

// MFSPR reads a special purpose register. Unknown numbers read as zero.
func (r *Registers) MFSPR(spr uint16) (uint32, bool) {
	switch spr {
	case 1:
		return r.XER, true
	case 8:
		return r.LR, true
	case 9:
		return r.CTR, true
	case 18:
		return r.DSISR, true
	case 19:
		return r.DAR, true
	case 26:
		return r.SRR0, true
	case 27:
		return r.SRR1, true
	case 272, 273, 274, 275:
		return r.SPRG[spr-272], true
	}
	return 0, false
}

// MTSPR writes a special purpose register, reporting false for unknown ones.
func (r *Registers) MTSPR(spr uint16, v uint32) bool {
	switch spr {
	case 1:
		r.XER = v
	case 8:
		r.LR = v
	case 9:
		r.CTR = v
	case 18:
		r.DSISR = v
	case 19:
		r.DAR = v
	case 26:
		r.SRR0 = v
	case 27:
		r.SRR1 = v
	case 272, 273, 274, 275:
		r.SPRG[spr-272] = v
	default:
		return false
	}
	return true
}
