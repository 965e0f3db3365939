// Package memory implements the guest address space: a RAM window backed by
// the fastmem arena, heap-backed locked regions and paged MMIO handlers.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/log"
)

// ================================================================================================
// Address space constants
// ================================================================================================

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// AddrMask folds every mirror (0x0..., 0x8..., 0xC...) onto one physical address.
	AddrMask  = 0x3FFFFFFF
	arenaSpan = AddrMask + 1
	numPages  = arenaSpan >> PageShift

	// guardSize trails the arena so accesses straddling its end still fault inside it.
	guardSize = 64 << 10
)

var (
	ErrBadRAMSize    = errors.New("ram size must be a power of two between 64KiB and 512MiB")
	ErrRegionOverlap = errors.New("region overlaps an existing region")
	ErrRegionBounds  = errors.New("region outside the physical address space")
	ErrNoFastmem     = errors.New("fastmem arena not supported on this host")
	ErrClosed        = errors.New("memory closed")
)

type Kind uint8

const (
	KindRAM Kind = iota
	KindMMIO
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindMMIO:
		return "mmio"
	case KindLocked:
		return "locked"
	}
	return "unknown"
}

// Access flags.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExec

	AccessRW  = AccessRead | AccessWrite
	AccessRWX = AccessRead | AccessWrite | AccessExec
)

// MMIOHandler services accesses to a device page. Widths are 1, 2 or 4.
type MMIOHandler interface {
	ReadMMIO(addr uint32, width int) uint32
	WriteMMIO(addr uint32, width int, v uint32)
}

// Region is one entry of the physical region table.
type Region struct {
	Name    string
	Base    uint32 // physical
	Size    uint32
	Kind    Kind
	Flags   Access
	Backing []byte
	Handler MMIOHandler
}

func (r *Region) contains(phys uint32, width int) bool {
	return phys >= r.Base && uint64(phys)+uint64(width) <= uint64(r.Base)+uint64(r.Size)
}

type Config struct {
	RAMSize uint32 `json:"ram_size"`
	Fastmem bool   `json:"fastmem"`
}

func DefaultConfig() Config {
	return Config{RAMSize: 32 << 20, Fastmem: true}
}

// Memory owns every byte of guest storage. It outlives all compiled blocks.
type Memory struct {
	ramSize uint32
	ram     []byte
	arena   *Arena

	regions []*Region
	pages   []*Region // physical page -> non-RAM region
	closed  bool
}

func New(cfg Config) (*Memory, error) {
	if cfg.RAMSize < 64<<10 || cfg.RAMSize > 512<<20 || cfg.RAMSize&(cfg.RAMSize-1) != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrBadRAMSize, cfg.RAMSize)
	}
	m := &Memory{
		ramSize: cfg.RAMSize,
		pages:   make([]*Region, numPages),
	}
	if cfg.Fastmem {
		arena, err := NewArena(cfg.RAMSize)
		switch {
		case err == nil:
			m.arena = arena
			m.ram = arena.RAM()
		case errors.Is(err, ErrNoFastmem):
			log.Warn(log.MemoryMonitoring, "fastmem unavailable, using checked accesses", "err", err)
		default:
			return nil, fmt.Errorf("reserve fastmem arena: %w", err)
		}
	}
	if m.ram == nil {
		m.ram = make([]byte, cfg.RAMSize)
	}
	m.regions = append(m.regions, &Region{
		Name: "ram", Base: 0, Size: cfg.RAMSize, Kind: KindRAM, Flags: AccessRWX, Backing: m.ram,
	})
	log.Debug(log.MemoryMonitoring, "memory powered on", "ram", cfg.RAMSize, "fastmem", m.arena != nil)
	return m, nil
}

// Close releases the arena. Nothing may access memory afterwards.
func (m *Memory) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.ram = nil
	if m.arena != nil {
		return m.arena.Close()
	}
	return nil
}

func (m *Memory) RAMSize() uint32 { return m.ramSize }

// Physical strips the mirror bits.
func Physical(addr uint32) uint32 { return addr & AddrMask }

func (m *Memory) addRegion(r *Region) error {
	if uint64(r.Base)+uint64(r.Size) > arenaSpan || r.Size == 0 {
		return ErrRegionBounds
	}
	if r.Base%PageSize != 0 || r.Size%PageSize != 0 {
		return fmt.Errorf("%w: %s not page aligned", ErrRegionBounds, r.Name)
	}
	for _, o := range m.regions {
		if r.Base < o.Base+o.Size && o.Base < r.Base+r.Size {
			return fmt.Errorf("%w: %s and %s", ErrRegionOverlap, r.Name, o.Name)
		}
	}
	for p := r.Base >> PageShift; p < (r.Base+r.Size)>>PageShift; p++ {
		m.pages[p] = r
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return nil
}

// MapMMIO installs a device handler over [base, base+size).
func (m *Memory) MapMMIO(name string, base, size uint32, h MMIOHandler) error {
	return m.addRegion(&Region{Name: name, Base: Physical(base), Size: size, Kind: KindMMIO, Flags: AccessRW, Handler: h})
}

// MapLocked adds heap-backed scratch RAM reached only through the slow path.
func (m *Memory) MapLocked(name string, base, size uint32) error {
	return m.addRegion(&Region{Name: name, Base: Physical(base), Size: size, Kind: KindLocked, Flags: AccessRW, Backing: make([]byte, size)})
}

func (m *Memory) Regions() []*Region {
	return append([]*Region(nil), m.regions...)
}

// View is the base+mask pair handed to code generation.
type View struct {
	Base    uintptr
	Mask    uint32
	Span    uintptr
	RAMSize uint32
}

// Fastmem returns the arena view, if the arena is in use.
func (m *Memory) Fastmem() (View, bool) {
	if m.arena == nil || m.closed {
		return View{}, false
	}
	return View{Base: m.arena.Base(), Mask: AddrMask, Span: uintptr(arenaSpan + guardSize), RAMSize: m.ramSize}, true
}

// ================================================================================================
// Access paths
// ================================================================================================

func (m *Memory) inRAM(phys uint32, width int) bool {
	return uint64(phys)+uint64(width) <= uint64(m.ramSize)
}

func getBE(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	}
	return binary.BigEndian.Uint64(b)
}

func putBE(b []byte, width int, v uint64) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
}

// Read performs a checked, width-parameterized big-endian read. Widths are
// 1, 2, 4 or 8.
func (m *Memory) Read(addr uint32, width int) (uint64, error) {
	phys := Physical(addr)
	if m.inRAM(phys, width) {
		return getBE(m.ram[phys:], width), nil
	}
	return m.ReadSlow(addr, width)
}

func (m *Memory) Write(addr uint32, width int, v uint64) error {
	phys := Physical(addr)
	if m.inRAM(phys, width) {
		putBE(m.ram[phys:], width, v)
		return nil
	}
	return m.WriteSlow(addr, width, v)
}

// region resolves the region holding [phys, phys+width).
func (m *Memory) region(phys uint32, width int) *Region {
	if m.inRAM(phys, width) {
		return m.regions[0]
	}
	r := m.pages[phys>>PageShift]
	if r == nil || !r.contains(phys, width) {
		return nil
	}
	return r
}

// ReadSlow dispatches through the region table. It is also the recovery
// path of the fastmem handler.
func (m *Memory) ReadSlow(addr uint32, width int) (uint64, error) {
	phys := Physical(addr)
	r := m.region(phys, width)
	if r == nil || r.Flags&AccessRead == 0 {
		return 0, &cpu.AccessFault{Addr: addr}
	}
	if r.Kind == KindMMIO {
		if phys%uint32(width) != 0 {
			return 0, &cpu.AccessFault{Addr: addr, Misalign: true}
		}
		if width == 8 {
			hi := r.Handler.ReadMMIO(phys, 4)
			lo := r.Handler.ReadMMIO(phys+4, 4)
			return uint64(hi)<<32 | uint64(lo), nil
		}
		return uint64(r.Handler.ReadMMIO(phys, width)), nil
	}
	return getBE(r.Backing[phys-r.Base:], width), nil
}

func (m *Memory) WriteSlow(addr uint32, width int, v uint64) error {
	phys := Physical(addr)
	r := m.region(phys, width)
	if r == nil {
		return &cpu.AccessFault{Addr: addr, Write: true}
	}
	if r.Flags&AccessWrite == 0 {
		return &cpu.AccessFault{Addr: addr, Write: true, Protected: true}
	}
	if r.Kind == KindMMIO {
		if phys%uint32(width) != 0 {
			return &cpu.AccessFault{Addr: addr, Write: true, Misalign: true}
		}
		if width == 8 {
			r.Handler.WriteMMIO(phys, 4, uint32(v>>32))
			r.Handler.WriteMMIO(phys+4, 4, uint32(v))
			return nil
		}
		r.Handler.WriteMMIO(phys, width, uint32(v))
		return nil
	}
	putBE(r.Backing[phys-r.Base:], width, v)
	return nil
}

// Fetch reads an instruction word. Instructions must be word aligned and
// come from an executable region.
func (m *Memory) Fetch(addr uint32) (uint32, error) {
	phys := Physical(addr)
	if addr&3 == 0 && m.inRAM(phys, 4) {
		return binary.BigEndian.Uint32(m.ram[phys:]), nil
	}
	r := m.region(phys, 4)
	if addr&3 != 0 || r == nil || r.Flags&AccessExec == 0 {
		return 0, &cpu.AccessFault{Addr: addr, Fetch: true}
	}
	return binary.BigEndian.Uint32(r.Backing[phys-r.Base:]), nil
}

// ReadBytes copies guest memory out for debuggers and checksums. MMIO is
// never touched.
func (m *Memory) ReadBytes(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; {
		phys := Physical(addr + uint32(i))
		r := m.region(phys, 1)
		if r == nil || r.Backing == nil {
			return nil, &cpu.AccessFault{Addr: addr + uint32(i)}
		}
		i += copy(out[i:], r.Backing[phys-r.Base:])
	}
	return out, nil
}

// WriteBytes stores a loader or debugger image. Callers are responsible for
// invalidating any translations of the range.
func (m *Memory) WriteBytes(addr uint32, b []byte) error {
	for i := 0; i < len(b); {
		phys := Physical(addr + uint32(i))
		r := m.region(phys, 1)
		if r == nil || r.Backing == nil {
			return &cpu.AccessFault{Addr: addr + uint32(i), Write: true}
		}
		i += copy(r.Backing[phys-r.Base:], b[i:])
	}
	return nil
}
