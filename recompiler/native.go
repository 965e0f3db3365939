package recompiler

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/log"
)

// hostInstSize approximates the footprint of one host instruction for the
// cache budget.
const hostInstSize = 8

type nativeBackend struct {
	handler *fastmem.Handler
}

// NewNative returns the register-allocating strategy. Integer loads and
// stores go through the fastmem arena when h is non-nil.
func NewNative(h *fastmem.Handler) Backend { return &nativeBackend{handler: h} }

func (n *nativeBackend) Name() string { return StrategyNative }

func (n *nativeBackend) Translate(b *analyzer.Block, opts Options) (Code, error) {
	c := &compiler{block: b, opts: opts, handler: n.handler}
	c.regs = newAllocator(c)
	if b.FetchFault == nil {
		if err := c.compile(); err != nil {
			c.releaseBuffer()
			return nil, err
		}
	}
	code := &nativeCode{
		block:   b,
		insts:   c.insts,
		ranges:  c.ranges,
		sites:   c.sites,
		buffer:  c.buffer,
		handler: n.handler,
	}
	if c.buffer != 0 {
		n.handler.Register(c.buffer, c.sites)
		code.view = n.handler.View()
	}
	log.Trace(log.JitMonitoring, "native translation", log.Addr("start", b.Start),
		"ops", len(b.Ops), "host", len(c.insts), "sites", len(c.sites))
	return code, nil
}

// coldStub is out-of-line code emitted after the block body.
type coldStub struct {
	from  int // instruction whose target is patched
	insts []hostInst
}

type compiler struct {
	block   *analyzer.Block
	opts    Options
	handler *fastmem.Handler
	regs    *allocator

	insts  []hostInst
	ranges []HostRange
	cold   []coldStub
	sites  []*fastmem.Site
	buffer uint32

	cur int // guest op being translated
}

func (c *compiler) emit(in hostInst) int {
	op := &c.block.Ops[c.cur]
	in.op, in.pc = c.cur, op.PC
	c.insts = append(c.insts, in)
	return len(c.insts) - 1
}

func (c *compiler) releaseBuffer() {
	if c.buffer != 0 {
		c.handler.Release(c.buffer)
		c.buffer = 0
	}
}

func (c *compiler) compile() error {
	b := c.block
	for i := range b.Ops {
		c.cur = i
		c.regs.begin()
		r := HostRange{Op: i, GuestPC: b.Ops[i].PC, Start: len(c.insts), Entry: c.regs.bound()}
		if err := c.translate(&b.Ops[i]); err != nil {
			return err
		}
		if i == len(b.Ops)-1 {
			c.epilogue()
		}
		r.End = len(c.insts)
		r.Exit = c.regs.dirtySet()
		c.ranges = append(c.ranges, r)
	}
	for _, s := range c.cold {
		start := len(c.insts)
		c.insts[s.from].target = start
		c.insts = append(c.insts, s.insts...)
	}
	for _, s := range c.sites {
		if s.Strategy == fastmem.StrategyRedirect {
			s.Slow = fastmem.MakeLoc(c.buffer, c.insts[s.Loc.IP()].target)
		}
	}
	return nil
}

// epilogue leaves through the fallthrough exit when the block has one.
func (c *compiler) epilogue() {
	b := c.block
	n, ok := b.ExitAt(len(b.Ops)-1, true)
	if !ok {
		return
	}
	c.regs.flushAll()
	c.emit(hostInst{code: hExit, exit: n})
}

// exitStub flushes the current dirty bindings and takes exit n.
func (c *compiler) exitStub(n int) []hostInst {
	op := &c.block.Ops[c.cur]
	var out []hostInst
	for _, bd := range c.regs.dirtySet() {
		out = append(out, hostInst{code: hStoreGuest, guest: bd.GPR, a: bd.Host, op: c.cur, pc: op.PC})
	}
	return append(out, hostInst{code: hExit, exit: n, op: c.cur, pc: op.PC})
}

func (c *compiler) translate(op *analyzer.Op) error {
	inst := op.Inst
	switch {
	case interpreter.IsInteger(inst.Op):
		c.integer(inst)
	case op.IsMemory() && !op.Mem.Float:
		return c.memory(op)
	case isa.IsControlFlowInstruction(inst.Op):
		c.branch(op)
	case inst.Op == isa.MFSPR && (inst.SPR == isa.SPR_LR || inst.SPR == isa.SPR_CTR):
		h, _ := c.regs.def(int(inst.RD))
		c.emit(hostInst{code: hMoveFromSPR, dst: h, imm: uint32(inst.SPR)})
	case inst.Op == isa.MTSPR && (inst.SPR == isa.SPR_LR || inst.SPR == isa.SPR_CTR):
		h := c.regs.use(int(inst.RD))
		c.emit(hostInst{code: hMoveToSPR, a: h, imm: uint32(inst.SPR)})
	case inst.Op == isa.ISYNC || inst.Op == isa.SYNC:
		c.emit(hostInst{code: hNop})
	default:
		c.fallback(op)
	}
	return nil
}

func (c *compiler) integer(inst isa.Instruction) {
	ra, rb := interpreter.Operands(inst)
	a, b := uint8(noReg), uint8(noReg)
	if ra >= 0 {
		a = c.regs.use(ra)
	}
	if rb >= 0 {
		b = c.regs.use(rb)
	}
	dst := uint8(noReg)
	if t := interpreter.Target(inst); t >= 0 {
		dst, _ = c.regs.def(t)
	}
	c.emit(hostInst{code: hInteger, dst: dst, a: a, b: b, inst: inst})
}

// address computes the effective address of op into scratch0.
func (c *compiler) address(op *analyzer.Op) {
	inst := op.Inst
	switch {
	case op.Mem.Indexed && inst.RA == 0:
		c.emit(hostInst{code: hAddImm, dst: scratch0, a: c.regs.use(int(inst.RB))})
	case op.Mem.Indexed:
		base := c.regs.use(int(inst.RA))
		c.emit(hostInst{code: hAdd, dst: scratch0, a: base, b: c.regs.use(int(inst.RB))})
	case inst.RA == 0:
		c.emit(hostInst{code: hMovImm, dst: scratch0, imm: uint32(inst.Imm)})
	default:
		c.emit(hostInst{code: hAddImm, dst: scratch0, a: c.regs.use(int(inst.RA)), imm: uint32(inst.Imm)})
	}
}

func (c *compiler) fast(op *analyzer.Op) bool {
	return c.handler != nil && !c.opts.slow(op.PC)
}

func (c *compiler) site(op *analyzer.Op, reg uint8, strategy fastmem.Strategy) (*fastmem.Site, error) {
	if c.buffer == 0 {
		id, err := c.handler.AllocBuffer()
		if err != nil {
			return nil, fmt.Errorf("allocate code buffer: %w", err)
		}
		c.buffer = id
	}
	s := &fastmem.Site{
		Loc:      fastmem.MakeLoc(c.buffer, len(c.insts)),
		GuestPC:  op.PC,
		Width:    uint8(op.Mem.Width),
		Store:    op.Mem.Store,
		Signed:   op.Mem.Signed,
		Reg:      reg,
		AddrReg:  scratch0,
		Strategy: strategy,
	}
	c.sites = append(c.sites, s)
	return s, nil
}

func (c *compiler) memory(op *analyzer.Op) error {
	inst := op.Inst
	width := uint8(op.Mem.Width)
	if op.Mem.Store {
		val := c.regs.use(int(inst.RD))
		c.address(op)
		flush := c.regs.dirtySet()
		if !c.fast(op) {
			c.emit(hostInst{code: hStoreSlow, a: scratch0, b: val, width: width, target: -1, flush: flush})
			return nil
		}
		s, err := c.site(op, val, fastmem.StrategyRedirect)
		if err != nil {
			return err
		}
		at := c.emit(hostInst{code: hStoreFast, a: scratch0, b: val, width: width, site: s, flush: flush})
		c.cold = append(c.cold, coldStub{from: at, insts: []hostInst{{
			code: hStoreSlow, a: scratch0, b: val, width: width, target: at + 1, flush: flush,
			op: c.cur, pc: op.PC,
		}}})
		return nil
	}

	c.address(op)
	dst, wasDirty := c.regs.def(int(inst.RD))
	flush := c.regs.dirtySet()
	if !wasDirty {
		flush = without(flush, dst)
	}
	if !c.fast(op) {
		c.emit(hostInst{code: hLoadSlow, dst: dst, a: scratch0, width: width, signed: op.Mem.Signed, flush: flush})
		return nil
	}
	s, err := c.site(op, dst, fastmem.StrategySkip)
	if err != nil {
		return err
	}
	c.emit(hostInst{code: hLoadFast, dst: dst, a: scratch0, width: width, signed: op.Mem.Signed, site: s, flush: flush})
	return nil
}

// branch evaluates the condition in the interpreter routine, which sees
// only CR, CTR and LR, none of which are register allocated. A taken branch
// continues at a stub that writes back dirty registers and exits.
func (c *compiler) branch(op *analyzer.Op) {
	b := c.block
	n, ok := b.ExitAt(c.cur, false)
	if !ok {
		c.fallback(op)
		return
	}
	in := hostInst{code: hBranch, inst: op.Inst, fn: interpreter.HandlerFor(op.Inst.Op)}
	if op.Inst.Unconditional() {
		in.target = len(c.insts) + 1
		c.emit(in)
		c.insts = append(c.insts, c.exitStub(n)...)
		return
	}
	at := c.emit(in)
	c.cold = append(c.cold, coldStub{from: at, insts: c.exitStub(n)})
}

// fallback hands one instruction to the interpreter with the whole guest
// register file written back and every binding dropped.
func (c *compiler) fallback(op *analyzer.Op) {
	if !op.IsMemory() {
		noteFallback(op.Inst.Op, op.PC)
	}
	c.regs.flushAll()
	c.regs.reset()
	c.emit(hostInst{code: hCallInterp, inst: op.Inst, fn: interpreter.HandlerFor(op.Inst.Op)})
}
