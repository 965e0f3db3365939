package recompiler

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/colorfulnotion/dynarec/alu"
	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/isa"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
)

type nativeCode struct {
	block   *analyzer.Block
	insts   []hostInst
	ranges  []HostRange
	sites   []*fastmem.Site
	buffer  uint32
	handler *fastmem.Handler
	view    memory.View

	released atomic.Bool
}

func (c *nativeCode) Execute(ctx *cpu.Context, env interpreter.Env) Exit {
	if c.released.Load() {
		return Exit{Kind: ExitFatal, Err: ErrReleased}
	}
	if c.block.FetchFault != nil {
		return fetchFault(ctx, c.block)
	}
	ctx.PC = c.block.Start
	m := &machine{code: c, ctx: ctx, env: env, acct: accounting{block: c.block, step: -1}, stop: -1}
	return m.run()
}

func (c *nativeCode) ExecuteStep(ctx *cpu.Context, env interpreter.Env, i int) Exit {
	if c.released.Load() {
		return Exit{Kind: ExitFatal, Err: ErrReleased}
	}
	if c.block.FetchFault != nil {
		return fetchFault(ctx, c.block)
	}
	r := &c.ranges[i]
	m := &machine{code: c, ctx: ctx, env: env, acct: accounting{block: c.block, step: i}, ip: r.Start, stop: r.End}
	for _, bd := range r.Entry {
		m.regs[bd.Host] = uint64(ctx.GPR[bd.GPR])
	}
	ctx.PC = r.GuestPC
	exit := m.run()
	if exit.Kind == ExitStep {
		for _, bd := range r.Exit {
			ctx.GPR[bd.GPR] = uint32(m.regs[bd.Host])
		}
		ctx.PC = r.GuestPC + 4
		m.acct.stepped(ctx)
		exit.Index = i
	}
	return exit
}

func (c *nativeCode) HostMap() []HostRange { return c.ranges }
func (c *nativeCode) Size() int            { return hostInstSize * (len(c.insts) + 1) }
func (c *nativeCode) Sites() []*fastmem.Site {
	return c.sites
}

func (c *nativeCode) Release() {
	if c.released.Swap(true) {
		return
	}
	if c.buffer != 0 {
		c.handler.Release(c.buffer)
	}
}

func (c *nativeCode) Disassemble() string {
	var sb strings.Builder
	next := 0
	for ip := range c.insts {
		if next < len(c.ranges) && c.ranges[next].Start == ip {
			op := &c.block.Ops[next]
			fmt.Fprintf(&sb, "; %08x  %s\n", op.PC, op.Inst.Disassemble(op.PC, true))
			next++
		}
		if next == len(c.ranges) && ip == c.ranges[len(c.ranges)-1].End {
			sb.WriteString("; cold\n")
		}
		fmt.Fprintf(&sb, "%04d  %s\n", ip, c.insts[ip].String())
	}
	return sb.String()
}

// machine executes host instructions for one entry into a translation. It
// doubles as the fault handler's view of the faulting code.
type machine struct {
	code *nativeCode
	ctx  *cpu.Context
	env  interpreter.Env
	acct accounting

	regs [numHostRegs]uint64
	ip   int
	stop int

	raised *Exit
}

type hostFault struct {
	ip   int
	addr uintptr
}

func (m *machine) run() Exit {
	for {
		exit, fault := m.protected()
		if fault == nil {
			return exit
		}
		loc := fastmem.MakeLoc(m.code.buffer, fault.ip)
		in := &m.code.insts[fault.ip]
		m.raised = nil
		if m.code.handler == nil || m.code.buffer == 0 {
			return m.fatal(loc, fault.addr, in)
		}
		if _, ok := m.code.handler.Handle(loc, fault.addr, m); !ok {
			return m.fatal(loc, fault.addr, in)
		}
		if m.raised != nil {
			return *m.raised
		}
	}
}

func (m *machine) fatal(loc fastmem.Loc, addr uintptr, in *hostInst) Exit {
	err := &FaultError{HostLoc: loc, HostAddr: addr, GuestPC: in.pc}
	log.Error(log.JitMonitoring, "unrecognized fault in generated code", "loc", loc.String(),
		"addr", fmt.Sprintf("%#x", addr), log.PC(in.pc), "host", in.String())
	return Exit{Kind: ExitFatal, Err: err}
}

// protected runs the loop with memory faults turned into panics and
// recovers the ones that carry a faulting address. Everything else keeps
// unwinding.
func (m *machine) protected() (exit Exit, fault *hostFault) {
	defer func() {
		if r := recover(); r != nil {
			af, ok := r.(interface{ Addr() uintptr })
			if !ok {
				panic(r)
			}
			fault = &hostFault{ip: m.ip - 1, addr: af.Addr()}
		}
	}()
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	return m.loop(), nil
}

func (m *machine) reg(r uint8) uint32 {
	if r == noReg {
		return 0
	}
	return uint32(m.regs[r])
}

func (m *machine) flush(set []Binding) {
	for _, bd := range set {
		m.ctx.GPR[bd.GPR] = uint32(m.regs[bd.Host])
	}
}

// exception leaves with the access error of in raised at its guest PC.
func (m *machine) exception(in *hostInst, err error) Exit {
	m.ctx.PC = in.pc
	m.ctx.RaiseAccess(err)
	m.flush(in.flush)
	m.acct.exception(m.ctx, in.op)
	return Exit{Kind: ExitException, Index: in.op}
}

// stopped leaves in front of in without executing it.
func (m *machine) stopped(in *hostInst) Exit {
	m.ctx.PC = in.pc
	m.flush(in.flush)
	m.acct.stop(m.ctx, in.op)
	return Exit{Kind: ExitStop, Index: in.op}
}

// refused leaves through stopped or exception depending on err.
func (m *machine) refused(in *hostInst, err error) Exit {
	if errors.Is(err, interpreter.ErrStop) {
		return m.stopped(in)
	}
	return m.exception(in, err)
}

func (m *machine) loop() Exit {
	insts := m.code.insts
	ctx := m.ctx
	b := m.code.block
	for {
		if m.ip == m.stop {
			return Exit{Kind: ExitStep}
		}
		in := &insts[m.ip]
		m.ip++
		switch in.code {
		case hNop:
		case hLoadGuest:
			m.regs[in.dst] = uint64(ctx.GPR[in.guest])
		case hStoreGuest:
			ctx.GPR[in.guest] = uint32(m.regs[in.a])
		case hMovImm:
			m.regs[in.dst] = uint64(in.imm)
		case hAddImm:
			m.regs[in.dst] = uint64(m.reg(in.a) + in.imm)
		case hAdd:
			m.regs[in.dst] = uint64(m.reg(in.a) + m.reg(in.b))
		case hInteger:
			v := interpreter.Compute(ctx, in.inst, m.reg(in.a), m.reg(in.b))
			if in.dst != noReg {
				m.regs[in.dst] = uint64(v)
			}

		case hLoadFast:
			v := m.code.view.Load(m.reg(in.a), int(in.width))
			if in.signed {
				v = uint64(alu.Extsh(uint32(v)))
			}
			m.regs[in.dst] = v
		case hStoreFast:
			m.code.view.Store(m.reg(in.a), int(in.width), m.regs[in.b])
		case hLoadSlow:
			v, err := m.env.Read(m.reg(in.a), int(in.width))
			if err != nil {
				return m.refused(in, err)
			}
			if in.signed {
				v = uint64(alu.Extsh(uint32(v)))
			}
			m.regs[in.dst] = v
		case hStoreSlow:
			if err := m.env.Write(m.reg(in.a), int(in.width), m.regs[in.b]); err != nil {
				return m.refused(in, err)
			}
			if in.target >= 0 {
				m.ip = in.target
			}

		case hMoveFromSPR:
			if in.imm == isa.SPR_LR {
				m.regs[in.dst] = uint64(ctx.LR)
			} else {
				m.regs[in.dst] = uint64(ctx.CTR)
			}
		case hMoveToSPR:
			if in.imm == isa.SPR_LR {
				ctx.LR = m.reg(in.a)
			} else {
				ctx.CTR = m.reg(in.a)
			}

		case hCallInterp:
			ctx.PC = in.pc
			switch in.fn(ctx, m.env, in.inst) {
			case interpreter.Raised:
				m.acct.exception(ctx, in.op)
				return Exit{Kind: ExitException, Index: in.op}
			case interpreter.Stopped:
				m.acct.stop(ctx, in.op)
				return Exit{Kind: ExitStop, Index: in.op}
			case interpreter.Branched:
				n, ok := b.ExitAt(in.op, false)
				if !ok {
					m.acct.exception(ctx, in.op)
					return Exit{Kind: ExitIndirect, Index: -1}
				}
				m.acct.exit(ctx, n)
				return exitFor(b, n)
			}
		case hBranch:
			ctx.PC = in.pc
			if in.fn(ctx, m.env, in.inst) == interpreter.Branched {
				m.ip = in.target
			}
		case hJump:
			m.ip = in.target
		case hExit:
			e := &b.Exits[in.exit]
			if e.Kind == analyzer.ExitStatic {
				ctx.PC = e.Target
			}
			m.acct.exit(ctx, in.exit)
			return exitFor(b, in.exit)
		}
	}
}

// Reg implements fastmem.MachineContext.
func (m *machine) Reg(r uint8) uint64 { return m.regs[r] }

func (m *machine) SetReg(r uint8, v uint64) { m.regs[r] = v }

func (m *machine) Resume(at fastmem.Loc) { m.ip = at.IP() }

func (m *machine) RaiseAccess(site *fastmem.Site, err error) {
	exit := m.exception(&m.code.insts[site.Loc.IP()], err)
	m.raised = &exit
}
