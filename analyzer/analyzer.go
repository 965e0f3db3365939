// Package analyzer turns guest code at an address into a linear block
// description that both the interpreter-backed threaded strategy and the
// native recompiler consume.
package analyzer

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/log"
)

const (
	DefaultMaxBlockLength = 64
	PageSize              = 4096
)

// Fetcher reads an aligned instruction word, failing for addresses that are
// unmapped or not executable.
type Fetcher interface {
	Fetch(addr uint32) (uint32, error)
}

type EndReason uint8

const (
	EndBranch EndReason = iota
	EndTerminator
	EndMaxLength
	EndPage
	EndBreakpoint
	EndFetchFault
)

func (r EndReason) String() string {
	switch r {
	case EndBranch:
		return "branch"
	case EndTerminator:
		return "terminator"
	case EndMaxLength:
		return "max-length"
	case EndPage:
		return "page"
	case EndBreakpoint:
		return "breakpoint"
	case EndFetchFault:
		return "fetch-fault"
	}
	return fmt.Sprintf("end(%d)", uint8(r))
}

// MemAccess describes the memory operand of a load or store.
type MemAccess struct {
	Width   int
	Store   bool
	Signed  bool
	Float   bool
	Indexed bool
}

// Op is one analyzed instruction.
type Op struct {
	PC       uint32
	Inst     isa.Instruction
	Category isa.InstructionCategory

	GPRIn, GPROut uint32
	FPRIn, FPROut uint32
	Flags         Flags

	CanFault bool
	Mem      MemAccess

	Cycles       int
	CyclesBefore int // cycles of all earlier ops in the block
}

// IsMemory reports whether the op accesses data memory.
func (op *Op) IsMemory() bool { return op.Mem.Width != 0 }

type ExitKind uint8

const (
	ExitStatic ExitKind = iota
	ExitIndirect
)

// Exit is a way out of a block other than an exception. Exits are listed in
// op order; a fallthrough exit is always last.
type Exit struct {
	Op          int
	Kind        ExitKind
	Target      uint32
	Fallthrough bool
	Cycles      int
	Retired     int
}

// Block is the analysis of one basic block. It is immutable once returned.
type Block struct {
	Start uint32
	End   uint32
	Ops   []Op
	Exits []Exit

	Cycles int
	MemOps int
	Reason EndReason
	Broken bool
	Idle   bool

	// FetchFault is set when the first instruction could not be fetched.
	// Such a block has no ops and raises ISI when run.
	FetchFault error

	GPRIn, GPROut uint32
	FPRIn, FPROut uint32
}

func (b *Block) Len() int { return len(b.Ops) }

// Contains reports whether addr falls inside the guest range of the block.
func (b *Block) Contains(addr uint32) bool {
	return addr >= b.Start && addr < b.End
}

// Index returns the op index for pc.
func (b *Block) Index(pc uint32) (int, bool) {
	if !b.Contains(pc) || (pc-b.Start)&3 != 0 {
		return 0, false
	}
	return int((pc - b.Start) / 4), true
}

// ExitAt returns the exit leaving from op i in the given direction.
func (b *Block) ExitAt(i int, ft bool) (int, bool) {
	for n, e := range b.Exits {
		if e.Op == i && e.Fallthrough == ft {
			return n, true
		}
	}
	return 0, false
}

type Analyzer struct {
	fetch  Fetcher
	dec    isa.Decoder
	maxLen int
	stopAt func(addr uint32) bool
}

func New(fetch Fetcher, dec isa.Decoder, maxLen int) *Analyzer {
	if dec == nil {
		dec = isa.DefaultDecoder
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxBlockLength
	}
	return &Analyzer{fetch: fetch, dec: dec, maxLen: maxLen}
}

// SetStopFunc installs a predicate for addresses that must start a block,
// typically breakpoints.
func (a *Analyzer) SetStopFunc(fn func(addr uint32) bool) { a.stopAt = fn }

func (a *Analyzer) MaxLength() int { return a.maxLen }

// Analyze decodes guest code starting at start. It never fails: fetch
// faults are recorded in the block.
func (a *Analyzer) Analyze(start uint32) *Block {
	b := &Block{Start: start, End: start}
	for i := 0; ; i++ {
		pc := start + uint32(4*i)
		if i > 0 {
			if pc%PageSize == 0 {
				b.Reason = EndPage
				break
			}
			if a.stopAt != nil && a.stopAt(pc) {
				b.Reason = EndBreakpoint
				break
			}
			if i == a.maxLen {
				b.Reason = EndMaxLength
				b.Broken = true
				break
			}
		}
		word, err := a.fetch.Fetch(pc)
		if err != nil {
			b.Reason = EndFetchFault
			if i == 0 {
				b.FetchFault = err
				b.Cycles = isa.FetchFaultCycles
				log.Trace(log.AnalyzerMonitoring, "fetch fault at block start", log.PC(pc), "err", err)
				return b
			}
			break
		}
		op := a.analyzeOp(pc, word)
		op.CyclesBefore = b.Cycles
		b.Cycles += op.Cycles
		b.Ops = append(b.Ops, op)
		b.End = pc + 4
		if ends, reason := endsBlock(op.Inst); ends {
			b.Reason = reason
			break
		}
	}
	a.summarize(b)
	b.Exits = exits(b)
	b.Idle = isIdleLoop(b)
	log.Trace(log.AnalyzerMonitoring, "analyzed block",
		log.Addr("start", b.Start), "ops", len(b.Ops), "end", b.Reason, "idle", b.Idle)
	return b
}

func (a *Analyzer) analyzeOp(pc, word uint32) Op {
	inst := a.dec.Decode(word)
	op := Op{
		PC:       pc,
		Inst:     inst,
		Category: isa.GetInstructionCategory(inst.Op),
		Cycles:   isa.Cycles(inst.Op),
		CanFault: canFault(inst),
	}
	usage(&op)
	if w := isa.AccessWidth(inst.Op); w != 0 {
		op.Mem = MemAccess{
			Width:   w,
			Store:   isa.IsStore(inst.Op),
			Signed:  inst.Op == isa.LHA,
			Float:   op.Category == isa.CategoryFloatLoad || op.Category == isa.CategoryFloatStore,
			Indexed: inst.Op == isa.LWZX || inst.Op == isa.STWX || inst.Op == isa.LBZX || inst.Op == isa.STBX,
		}
	}
	return op
}

func endsBlock(inst isa.Instruction) (bool, EndReason) {
	if isa.IsControlFlowInstruction(inst.Op) && inst.Unconditional() {
		return true, EndBranch
	}
	if isa.IsBasicBlockTerminator(inst.Op) {
		return true, EndTerminator
	}
	return false, 0
}

func (a *Analyzer) summarize(b *Block) {
	var gprWritten, fprWritten uint32
	for i := range b.Ops {
		op := &b.Ops[i]
		b.GPRIn |= op.GPRIn &^ gprWritten
		b.FPRIn |= op.FPRIn &^ fprWritten
		gprWritten |= op.GPROut
		fprWritten |= op.FPROut
		if op.IsMemory() {
			b.MemOps++
		}
	}
	b.GPROut = gprWritten
	b.FPROut = fprWritten
}

func exits(b *Block) []Exit {
	var out []Exit
	for i := range b.Ops {
		op := &b.Ops[i]
		if !isa.IsControlFlowInstruction(op.Inst.Op) {
			continue
		}
		e := Exit{Op: i, Cycles: op.CyclesBefore + op.Cycles, Retired: i + 1}
		switch op.Inst.Op {
		case isa.B, isa.BC:
			e.Kind = ExitStatic
			e.Target = op.Inst.BranchTarget(op.PC)
		default:
			e.Kind = ExitIndirect
		}
		out = append(out, e)
	}
	if len(b.Ops) == 0 {
		return out
	}
	last := &b.Ops[len(b.Ops)-1]
	if isa.IsControlFlowInstruction(last.Inst.Op) && last.Inst.Unconditional() {
		return out
	}
	return append(out, Exit{
		Op:          len(b.Ops) - 1,
		Kind:        ExitStatic,
		Target:      b.End,
		Fallthrough: true,
		Cycles:      b.Cycles,
		Retired:     len(b.Ops),
	})
}

// isIdleLoop recognizes busy-wait loops: a block branching back to its own
// start that only polls memory and registers. Any register the loop writes
// must be written before it is read, so iterations cannot make progress
// other than through memory changed by someone else.
func isIdleLoop(b *Block) bool {
	if len(b.Ops) == 0 {
		return false
	}
	last := &b.Ops[len(b.Ops)-1]
	if last.Inst.Op != isa.B || last.Inst.LK || last.Inst.BranchTarget(last.PC) != b.Start {
		return false
	}
	var readFirst, written uint32
	for i := range b.Ops[:len(b.Ops)-1] {
		op := &b.Ops[i]
		switch op.Inst.Op {
		case isa.LWZ, isa.LHZ, isa.LHA, isa.LBZ, isa.LWZX, isa.LBZX,
			isa.CMPI, isa.CMPLI, isa.CMP, isa.CMPL,
			isa.ADDI, isa.ADDIS, isa.ORI, isa.OR, isa.RLWINM, isa.ANDI_RC:
		case isa.BC:
			if op.Inst.LK || op.Inst.DecrementsCTR() {
				return false
			}
		default:
			return false
		}
		readFirst |= op.GPRIn &^ written
		written |= op.GPROut
	}
	return readFirst&written == 0
}
