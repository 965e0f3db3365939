package cpu

import (
	"errors"
	"fmt"
)

// Exception is a bit in the pending mask. Lower bits have higher priority.
type Exception uint32

const (
	EXCEPTION_ISI Exception = 1 << iota
	EXCEPTION_DSI
	EXCEPTION_ALIGNMENT
	EXCEPTION_PROGRAM
	EXCEPTION_SYSCALL
	EXCEPTION_EXTERNAL
	EXCEPTION_DECREMENTER
)

const (
	synchronousMask  = EXCEPTION_ISI | EXCEPTION_DSI | EXCEPTION_ALIGNMENT | EXCEPTION_PROGRAM | EXCEPTION_SYSCALL
	asynchronousMask = EXCEPTION_EXTERNAL | EXCEPTION_DECREMENTER
)

// Vectors.
const (
	VECTOR_DSI         = 0x300
	VECTOR_ISI         = 0x400
	VECTOR_EXTERNAL    = 0x500
	VECTOR_ALIGNMENT   = 0x600
	VECTOR_PROGRAM     = 0x700
	VECTOR_DECREMENTER = 0x900
	VECTOR_SYSCALL     = 0xC00
)

// SRR1 reason bits for program exceptions.
const (
	SRR1_TRAP    = 0x00020000
	SRR1_ILLEGAL = 0x00080000
)

// DSISR bits.
const (
	DSISR_NOT_MAPPED = 0x40000000
	DSISR_PROTECTION = 0x08000000
	DSISR_STORE      = 0x02000000
)

func (e Exception) Vector() uint32 {
	switch e {
	case EXCEPTION_ISI:
		return VECTOR_ISI
	case EXCEPTION_DSI:
		return VECTOR_DSI
	case EXCEPTION_ALIGNMENT:
		return VECTOR_ALIGNMENT
	case EXCEPTION_PROGRAM:
		return VECTOR_PROGRAM
	case EXCEPTION_SYSCALL:
		return VECTOR_SYSCALL
	case EXCEPTION_EXTERNAL:
		return VECTOR_EXTERNAL
	case EXCEPTION_DECREMENTER:
		return VECTOR_DECREMENTER
	}
	return 0
}

func (e Exception) String() string {
	switch e {
	case EXCEPTION_ISI:
		return "isi"
	case EXCEPTION_DSI:
		return "dsi"
	case EXCEPTION_ALIGNMENT:
		return "alignment"
	case EXCEPTION_PROGRAM:
		return "program"
	case EXCEPTION_SYSCALL:
		return "syscall"
	case EXCEPTION_EXTERNAL:
		return "external"
	case EXCEPTION_DECREMENTER:
		return "decrementer"
	}
	return fmt.Sprintf("exception(%#x)", uint32(e))
}

// AccessFault describes a guest-visible memory access failure produced by
// the slow path. It becomes a DSI (or ISI for fetches, alignment for
// misaligned MMIO).
type AccessFault struct {
	Addr      uint32
	Write     bool
	Fetch     bool
	Misalign  bool
	Protected bool
}

func (f *AccessFault) Error() string {
	kind := "read"
	switch {
	case f.Fetch:
		kind = "fetch"
	case f.Write:
		kind = "write"
	}
	if f.Misalign {
		return fmt.Sprintf("misaligned %s at %08x", kind, f.Addr)
	}
	return fmt.Sprintf("%s fault at %08x", kind, f.Addr)
}

// Pending returns the pending exception mask.
func (c *Context) Pending() Exception { return Exception(c.pending.Load()) }

// Raise marks e pending. Safe from any goroutine.
func (c *Context) Raise(e Exception) {
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|uint32(e)) {
			return
		}
	}
}

func (c *Context) clear(e Exception) {
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old&^uint32(e)) {
			return
		}
	}
}

// Interrupt posts an asynchronous exception from another goroutine.
func (c *Context) Interrupt(e Exception) { c.Raise(e & asynchronousMask) }

// HasSynchronous reports a pending exception raised by an instruction.
func (c *Context) HasSynchronous() bool { return Exception(c.pending.Load())&synchronousMask != 0 }

// RaiseAccess converts a slow path error into the matching exception. PC
// must still address the faulting instruction.
func (c *Context) RaiseAccess(err error) {
	var f *AccessFault
	if !errors.As(err, &f) {
		c.RaiseProgram(SRR1_ILLEGAL)
		return
	}
	switch {
	case f.Fetch:
		c.Raise(EXCEPTION_ISI)
	case f.Misalign:
		c.DAR = f.Addr
		c.Raise(EXCEPTION_ALIGNMENT)
	default:
		c.DAR = f.Addr
		c.DSISR = DSISR_NOT_MAPPED
		if f.Protected {
			c.DSISR = DSISR_PROTECTION
		}
		if f.Write {
			c.DSISR |= DSISR_STORE
		}
		c.Raise(EXCEPTION_DSI)
	}
}

// RaiseProgram raises a program exception with the SRR1 reason.
func (c *Context) RaiseProgram(reason uint32) {
	c.SRR1 = reason
	c.Raise(EXCEPTION_PROGRAM)
}

// CheckExceptions delivers the highest priority deliverable exception and
// reports whether PC moved to a vector.
func (c *Context) CheckExceptions() bool {
	p := Exception(c.pending.Load())
	if p == 0 {
		return false
	}
	if s := p & synchronousMask; s != 0 {
		e := s & -s
		var reason uint32
		if e == EXCEPTION_PROGRAM {
			reason = c.SRR1 & (SRR1_TRAP | SRR1_ILLEGAL)
		}
		c.deliver(e, reason)
		return true
	}
	if c.MSR&MSR_EE == 0 {
		return false
	}
	async := p & asynchronousMask
	e := async & -async
	c.deliver(e, 0)
	return true
}

func (c *Context) deliver(e Exception, reason uint32) {
	c.clear(e)
	c.SRR0 = c.PC
	c.SRR1 = c.MSR&0x87C0FFFF | reason
	c.MSR &^= MSR_EE | MSR_PR | MSR_IR | MSR_DR
	c.PC = e.Vector()
}

// ReturnFromInterrupt implements rfi.
func (c *Context) ReturnFromInterrupt() {
	c.MSR = c.SRR1 &^ (SRR1_TRAP | SRR1_ILLEGAL)
	c.PC = c.SRR0 &^ 3
}
