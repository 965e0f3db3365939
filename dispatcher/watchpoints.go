package dispatcher

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/trace"
)

// MemoryBreakpoint stops Run in front of a guest load or store touching
// [Start, End). Mirrors of the range match too.
type MemoryBreakpoint struct {
	Start   uint32 `json:"start"`
	End     uint32 `json:"end"`
	OnRead  bool   `json:"on_read"`
	OnWrite bool   `json:"on_write"`
	Hits    uint64 `json:"hits"`
}

func (w MemoryBreakpoint) String() string {
	var mode string
	switch {
	case w.OnRead && w.OnWrite:
		mode = "rw"
	case w.OnRead:
		mode = "r"
	default:
		mode = "w"
	}
	return fmt.Sprintf("%08x-%08x %s", w.Start, w.End, mode)
}

func (w *MemoryBreakpoint) matches(addr uint32, width int, write bool) bool {
	if write && !w.OnWrite || !write && !w.OnRead {
		return false
	}
	const space = memory.AddrMask + 1
	p, s := memory.Physical(addr), memory.Physical(w.Start)
	return (p-s)%space < w.End-w.Start || (s-p)%space < uint32(width)
}

// MemoryHit is the access that stopped the dispatcher. PC addresses the
// accessing instruction, which has not executed.
type MemoryHit struct {
	PC    uint32
	Addr  uint32
	Width int
	Write bool
}

func (h MemoryHit) String() string {
	op := "load"
	if h.Write {
		op = "store"
	}
	return fmt.Sprintf("%s of %d bytes at %08x by %08x", op, h.Width, h.Addr, h.PC)
}

// SetMemoryBreakpoint watches [start, end) for the selected access kinds,
// replacing a breakpoint on the same range. While any is set, every guest
// access takes the checked path; blocks translated before that are dropped
// at the next block boundary.
func (d *Dispatcher) SetMemoryBreakpoint(start, end uint32, onRead, onWrite bool) error {
	if end <= start || !onRead && !onWrite {
		return fmt.Errorf("%w: %08x-%08x read=%t write=%t", ErrBadMemoryBreakpoint, start, end, onRead, onWrite)
	}
	w := &MemoryBreakpoint{Start: start, End: end, OnRead: onRead, OnWrite: onWrite}
	d.wpMu.Lock()
	replaced := false
	for i, old := range d.wps {
		if old.Start == start && old.End == end {
			d.wps[i] = w
			replaced = true
		}
	}
	if !replaced {
		d.wps = append(d.wps, w)
	}
	first := len(d.wps) == 1 && !replaced
	d.wpCount.Store(int32(len(d.wps)))
	d.wpMu.Unlock()
	log.Debug(log.DispatchMonitoring, "memory breakpoint set", "range", w.String())
	if first {
		d.cache.SetCheckedAccess(true)
		d.ClearCache()
	}
	return nil
}

// ClearMemoryBreakpoint removes the breakpoint on [start, end) and reports
// whether one existed.
func (d *Dispatcher) ClearMemoryBreakpoint(start, end uint32) bool {
	d.wpMu.Lock()
	found := false
	for i, w := range d.wps {
		if w.Start == start && w.End == end {
			d.wps = append(d.wps[:i], d.wps[i+1:]...)
			found = true
			break
		}
	}
	last := found && len(d.wps) == 0
	d.wpCount.Store(int32(len(d.wps)))
	d.wpMu.Unlock()
	if last {
		d.cache.SetCheckedAccess(false)
		d.ClearCache()
	}
	return found
}

func (d *Dispatcher) MemoryBreakpoints() []MemoryBreakpoint {
	d.wpMu.RLock()
	out := make([]MemoryBreakpoint, 0, len(d.wps))
	for _, w := range d.wps {
		out = append(out, *w)
	}
	d.wpMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// LastMemoryHit returns the access behind the most recent memory breakpoint
// stop, if the dispatcher has not run since.
func (d *Dispatcher) LastMemoryHit() (MemoryHit, bool) {
	h := d.lastHit.Load()
	if h == nil {
		return MemoryHit{}, false
	}
	return *h, true
}

// watched records a hit when an access must stop the core. Called from the
// emulation goroutine only.
func (d *Dispatcher) watched(addr uint32, width int, write bool) bool {
	if d.wpCount.Load() == 0 || d.passing {
		return false
	}
	d.wpMu.Lock()
	defer d.wpMu.Unlock()
	for _, w := range d.wps {
		if w.matches(addr, width, write) {
			w.Hits++
			d.hitAccess = &MemoryHit{Addr: addr, Width: width, Write: write}
			return true
		}
	}
	return false
}

// resumeAccess lets the instruction that stopped the last run on a memory
// breakpoint through once, provided PC still addresses it.
func (d *Dispatcher) resumeAccess() bool {
	h := d.lastHit.Swap(nil)
	return h != nil && h.PC == d.ctx.PC
}

// pass executes the instruction at PC with memory breakpoints ignored.
func (d *Dispatcher) pass() {
	d.passing = true
	d.interpret()
	d.passing = false
}

// memoryStop suspends on the access recorded by watched. PC already
// addresses the accessing instruction.
func (d *Dispatcher) memoryStop() (State, error) {
	h := *d.hitAccess
	h.PC = d.ctx.PC
	d.hitAccess = nil
	d.lastHit.Store(&h)
	d.cursor = nil
	d.setState(StateStoppedAtBreakpoint)
	d.record(trace.NewRecord(trace.KindWatchpoint, h.PC).SetAccess(h.Addr, h.Width, h.Write))
	log.Debug(log.DispatchMonitoring, "memory breakpoint hit", log.PC(h.PC), log.Addr("addr", h.Addr),
		"width", h.Width, "write", h.Write)
	return StateStoppedAtBreakpoint, nil
}

func (e env) Read(addr uint32, width int) (uint64, error) {
	if e.d.watched(addr, width, false) {
		return 0, interpreter.ErrStop
	}
	return e.Memory.Read(addr, width)
}

func (e env) Write(addr uint32, width int, v uint64) error {
	if e.d.watched(addr, width, true) {
		return interpreter.ErrStop
	}
	return e.Memory.Write(addr, width, v)
}
