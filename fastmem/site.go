package fastmem

import (
	"fmt"
	"sync/atomic"
)

// Strategy selects how a faulting access is recovered.
type Strategy uint8

const (
	// StrategyRedirect resumes at an out-of-line slow path stub that redoes
	// the access with full checks.
	StrategyRedirect Strategy = iota + 1
	// StrategySkip performs the access on the slow path inside the handler,
	// writes the result and resumes after the faulting instruction.
	StrategySkip
)

func (s Strategy) String() string {
	switch s {
	case StrategyRedirect:
		return "redirect"
	case StrategySkip:
		return "skip"
	}
	return "none"
}

// Loc identifies a host code location: the code buffer id in the high bits
// and the host instruction index in the low LocShift bits.
type Loc uint64

const (
	LocShift    = 20
	MaxBufferIP = 1<<LocShift - 1
)

func MakeLoc(buffer uint32, ip int) Loc {
	return Loc(buffer)<<LocShift | Loc(ip&MaxBufferIP)
}

func (l Loc) Buffer() uint32 { return uint32(l >> LocShift) }
func (l Loc) IP() int        { return int(l & MaxBufferIP) }

func (l Loc) String() string { return fmt.Sprintf("%d:%d", l.Buffer(), l.IP()) }

// Site is one unguarded guest memory access recorded at code generation.
type Site struct {
	Loc      Loc
	GuestPC  uint32
	Width    uint8
	Store    bool
	Signed   bool
	Reg      uint8 // value register: destination of loads, source of stores
	AddrReg  uint8 // register holding the effective guest address
	Strategy Strategy
	Slow     Loc // resume point for StrategyRedirect

	faults atomic.Uint32
}

// Faults is how many times this site has been recovered.
func (s *Site) Faults() uint32 { return s.faults.Load() }

// FaultRecord describes one fault. It is built when a fault is caught and
// dropped once Handle returns.
type FaultRecord struct {
	HostLoc   Loc
	HostAddr  uintptr
	GuestAddr uint32
	Width     int
	Write     bool
}

func (r FaultRecord) String() string {
	dir := "read"
	if r.Write {
		dir = "write"
	}
	return fmt.Sprintf("%s%d at host %#x (guest %08x) from %s", dir, 8*r.Width, r.HostAddr, r.GuestAddr, r.HostLoc)
}
