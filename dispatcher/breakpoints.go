package dispatcher

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/dynarec/log"
)

type Breakpoint struct {
	Addr      uint32 `json:"addr"`
	Enabled   bool   `json:"enabled"`
	Temporary bool   `json:"temporary"`
	Hits      uint64 `json:"hits"`
}

func (b Breakpoint) String() string {
	s := fmt.Sprintf("%08x", b.Addr)
	if b.Temporary {
		s += " (temporary)"
	}
	if !b.Enabled {
		s += " (disabled)"
	}
	return s
}

// SetBreakpoint stops Run before the instruction at addr executes.
func (d *Dispatcher) SetBreakpoint(addr uint32) { d.addBreakpoint(addr, false) }

// SetTemporaryBreakpoint is removed the first time it is hit.
func (d *Dispatcher) SetTemporaryBreakpoint(addr uint32) { d.addBreakpoint(addr, true) }

func (d *Dispatcher) addBreakpoint(addr uint32, temporary bool) {
	addr &^= 3
	d.bpMu.Lock()
	d.bps[addr] = &Breakpoint{Addr: addr, Enabled: true, Temporary: temporary}
	d.bpCount.Store(int32(len(d.bps)))
	d.bpMu.Unlock()
	log.Debug(log.DispatchMonitoring, "breakpoint set", log.Addr("addr", addr), "temporary", temporary)
	// Blocks running through addr must be rebuilt to end in front of it.
	d.InvalidateMemoryRange(addr, addr+4)
}

// ClearBreakpoint removes the breakpoint at addr and reports whether one
// existed.
func (d *Dispatcher) ClearBreakpoint(addr uint32) bool {
	addr &^= 3
	d.bpMu.Lock()
	_, ok := d.bps[addr]
	delete(d.bps, addr)
	d.bpCount.Store(int32(len(d.bps)))
	d.bpMu.Unlock()
	if ok {
		d.InvalidateMemoryRange(addr, addr+4)
	}
	return ok
}

// EnableBreakpoint toggles a breakpoint without forgetting it.
func (d *Dispatcher) EnableBreakpoint(addr uint32, enabled bool) error {
	addr &^= 3
	d.bpMu.Lock()
	bp, ok := d.bps[addr]
	if ok {
		bp.Enabled = enabled
	}
	d.bpMu.Unlock()
	if !ok {
		return fmt.Errorf("%w at %08x", ErrNoBreakpoint, addr)
	}
	d.InvalidateMemoryRange(addr, addr+4)
	return nil
}

func (d *Dispatcher) Breakpoints() []Breakpoint {
	d.bpMu.RLock()
	out := make([]Breakpoint, 0, len(d.bps))
	for _, bp := range d.bps {
		out = append(out, *bp)
	}
	d.bpMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// stopsAt is the analyzer's block boundary predicate.
func (d *Dispatcher) stopsAt(addr uint32) bool {
	if d.bpCount.Load() == 0 {
		return false
	}
	d.bpMu.RLock()
	defer d.bpMu.RUnlock()
	bp := d.bps[addr]
	return bp != nil && bp.Enabled
}

// hit records a breakpoint hit at addr, dropping it when temporary.
func (d *Dispatcher) hit(addr uint32) bool {
	if d.bpCount.Load() == 0 {
		return false
	}
	d.bpMu.Lock()
	defer d.bpMu.Unlock()
	bp := d.bps[addr]
	if bp == nil || !bp.Enabled {
		return false
	}
	bp.Hits++
	if bp.Temporary {
		delete(d.bps, addr)
		d.bpCount.Store(int32(len(d.bps)))
	}
	return true
}
