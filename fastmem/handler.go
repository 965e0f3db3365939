// Package fastmem recovers host faults raised by unguarded guest memory
// accesses in generated code.
package fastmem

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
)

var (
	ErrAlreadyInstalled = errors.New("fastmem handler already installed in this process")
	ErrSideTableFull    = errors.New("fastmem side table has no free code buffers")
	ErrClosed           = errors.New("fastmem handler closed")
)

const (
	dirBits  = 10
	leafBits = 10
	// MaxBuffers is the number of code buffers that can hold sites at once.
	MaxBuffers = 1<<(dirBits+leafBits) - 1

	DefaultHotThreshold = 8
)

// MachineContext is the host state of the faulting code as seen by the
// handler.
type MachineContext interface {
	Reg(r uint8) uint64
	SetReg(r uint8, v uint64)
	Resume(at Loc)
	// RaiseAccess turns a slow path failure into a guest exception at the
	// site's instruction.
	RaiseAccess(site *Site, err error)
}

// SlowPath performs fully checked guest accesses.
type SlowPath interface {
	ReadSlow(addr uint32, width int) (uint64, error)
	WriteSlow(addr uint32, width int, v uint64) error
}

type siteSet struct {
	sites map[int]*Site
}

type leaf struct {
	sets [1 << leafBits]atomic.Pointer[siteSet]
}

type hotNode struct {
	pc   uint32
	next *hotNode
}

// Handler is the process-scoped fault handler. Install it at power-on and
// Close it at power-off; every component registering sites receives the
// handle explicitly.
type Handler struct {
	view memory.View
	slow SlowPath

	// Readers walk dirs without locks; mu serializes writers only.
	dirs [1 << dirBits]atomic.Pointer[leaf]
	mu   sync.Mutex
	free []uint32
	next uint32

	hot          atomic.Pointer[hotNode]
	hotThreshold uint32

	handled      atomic.Uint64
	redirected   atomic.Uint64
	skipped      atomic.Uint64
	unrecognized atomic.Uint64
	closed       atomic.Bool
}

var installed atomic.Bool

// Install creates the process handler over the arena described by view.
func Install(view memory.View, slow SlowPath) (*Handler, error) {
	if !installed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInstalled
	}
	log.Debug(log.FastmemMonitoring, "fastmem handler installed", "base", view.Base, "span", view.Span)
	return &Handler{view: view, slow: slow, next: 1, hotThreshold: DefaultHotThreshold}, nil
}

// Close uninstalls the handler. Code registered against it must no longer run.
func (h *Handler) Close() {
	if h.closed.Swap(true) {
		return
	}
	installed.Store(false)
	log.Debug(log.FastmemMonitoring, "fastmem handler closed", "handled", h.handled.Load(), "unrecognized", h.unrecognized.Load())
}

func (h *Handler) View() memory.View { return h.view }

// SetHotThreshold sets how many recoveries make a site hot.
func (h *Handler) SetHotThreshold(n uint32) { h.hotThreshold = n }

// AllocBuffer reserves a code buffer id for a new translation.
func (h *Handler) AllocBuffer() (uint32, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.free); n > 0 {
		id := h.free[n-1]
		h.free = h.free[:n-1]
		return id, nil
	}
	if h.next > MaxBuffers {
		return 0, ErrSideTableFull
	}
	id := h.next
	h.next++
	return id, nil
}

// Register publishes the sites of buffer. The set is immutable afterwards.
func (h *Handler) Register(buffer uint32, sites []*Site) {
	set := &siteSet{sites: make(map[int]*Site, len(sites))}
	for _, s := range sites {
		set.sites[s.Loc.IP()] = s
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d := buffer >> leafBits
	l := h.dirs[d].Load()
	if l == nil {
		l = new(leaf)
		h.dirs[d].Store(l)
	}
	l.sets[buffer&(1<<leafBits-1)].Store(set)
}

// Release unregisters a buffer's sites and recycles its id. Only call it
// once no code from the buffer can be executing.
func (h *Handler) Release(buffer uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l := h.dirs[buffer>>leafBits].Load(); l != nil {
		l.sets[buffer&(1<<leafBits-1)].Store(nil)
	}
	h.free = append(h.free, buffer)
}

// Lookup finds the site at loc without taking locks.
func (h *Handler) Lookup(loc Loc) *Site {
	b := loc.Buffer()
	if b>>leafBits >= 1<<dirBits {
		return nil
	}
	l := h.dirs[b>>leafBits].Load()
	if l == nil {
		return nil
	}
	set := l.sets[b&(1<<leafBits-1)].Load()
	if set == nil {
		return nil
	}
	return set.sites[loc.IP()]
}

// Handle recovers a fault at host location loc touching hostAddr. It runs on
// the faulting goroutine and never blocks. A false result means the fault
// does not belong to any registered access.
func (h *Handler) Handle(loc Loc, hostAddr uintptr, mc MachineContext) (FaultRecord, bool) {
	rec := FaultRecord{HostLoc: loc, HostAddr: hostAddr}
	if h.closed.Load() || !h.view.Contains(hostAddr) {
		h.unrecognized.Add(1)
		return rec, false
	}
	rec.GuestAddr = h.view.Offset(hostAddr)
	site := h.Lookup(loc)
	if site == nil {
		h.unrecognized.Add(1)
		return rec, false
	}
	rec.Width, rec.Write = int(site.Width), site.Store

	ea := uint32(mc.Reg(site.AddrReg))
	phys := memory.Physical(ea)
	if off := rec.GuestAddr - phys; off >= uint32(site.Width) {
		h.unrecognized.Add(1)
		return rec, false
	}
	if site.faults.Add(1) == h.hotThreshold {
		h.pushHot(site.GuestPC)
	}
	h.handled.Add(1)

	switch site.Strategy {
	case StrategyRedirect:
		h.redirected.Add(1)
		mc.Resume(site.Slow)
	default:
		h.skipped.Add(1)
		if site.Store {
			if err := h.slow.WriteSlow(ea, int(site.Width), mc.Reg(site.Reg)); err != nil {
				mc.RaiseAccess(site, err)
				return rec, true
			}
		} else {
			v, err := h.slow.ReadSlow(ea, int(site.Width))
			if err != nil {
				mc.RaiseAccess(site, err)
				return rec, true
			}
			if site.Signed {
				v = signExtend(v, int(site.Width))
			}
			mc.SetReg(site.Reg, v)
		}
		mc.Resume(site.Loc + 1)
	}
	log.Trace(log.FastmemMonitoring, "fault recovered", "rec", rec, "strategy", site.Strategy)
	return rec, true
}

func signExtend(v uint64, width int) uint64 {
	switch width {
	case 1:
		return uint64(uint32(int32(int8(v))))
	case 2:
		return uint64(uint32(int32(int16(v))))
	}
	return v
}

func (h *Handler) pushHot(pc uint32) {
	n := &hotNode{pc: pc}
	for {
		n.next = h.hot.Load()
		if h.hot.CompareAndSwap(n.next, n) {
			return
		}
	}
}

// DrainHot returns the guest PCs of sites that crossed the hot threshold
// since the last call.
func (h *Handler) DrainHot() []uint32 {
	var pcs []uint32
	for n := h.hot.Swap(nil); n != nil; n = n.next {
		pcs = append(pcs, n.pc)
	}
	return pcs
}

type Stats struct {
	Handled      uint64
	Redirected   uint64
	Skipped      uint64
	Unrecognized uint64
}

func (h *Handler) Stats() Stats {
	return Stats{
		Handled:      h.handled.Load(),
		Redirected:   h.redirected.Load(),
		Skipped:      h.skipped.Load(),
		Unrecognized: h.unrecognized.Load(),
	}
}
