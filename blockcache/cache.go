// Package blockcache owns the translated blocks of one core: lookup,
// concurrent compilation, linking, invalidation and eviction.
package blockcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/cpu"
	"github.com/colorfulnotion/dynarec/fastmem"
	"github.com/colorfulnotion/dynarec/interpreter"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/recompiler"
	"github.com/colorfulnotion/dynarec/telemetry"
)

const (
	DefaultCodeBudget = 32 << 20

	// maxCompileAttempts bounds retries of a compile that keeps losing to
	// concurrent invalidations.
	maxCompileAttempts = 8

	slotBits = memory.PageShift - 2
)

var (
	ErrCompileContention = errors.New("compile kept racing invalidations")
	ErrCorruption        = errors.New("block cache corruption")
)

type Config struct {
	MaxBlockLength int  `json:"max_block_length"`
	CodeBudget     int  `json:"code_budget"`
	Debug          bool `json:"debug"`
}

func DefaultConfig() Config {
	return Config{MaxBlockLength: analyzer.DefaultMaxBlockLength, CodeBudget: DefaultCodeBudget}
}

// Memory is what the cache reads guest code through.
type Memory interface {
	analyzer.Fetcher
	ReadBytes(addr uint32, n int) ([]byte, error)
}

type slots [1 << slotBits]atomic.Pointer[Block]

// pageMap is published through an atomic pointer and never mutated once
// published, apart from its slot arrays which are atomic themselves.
type pageMap struct {
	pages map[uint32]*slots
}

type Stats struct {
	Blocks      int
	Size        int
	Generation  uint64
	Compiles    uint64
	Invalidated uint64
	Evicted     uint64
	Clears      uint64
	// Healed counts links unbound because their target was retired.
	Healed      uint64
	Corruptions uint64
}

type Cache struct {
	cfg      Config
	mem      Memory
	an       *analyzer.Analyzer
	backend  recompiler.Backend
	handler  *fastmem.Handler
	tel      *telemetry.TelemetryClient
	compiles singleflight.Group

	table atomic.Pointer[pageMap]

	// mu serializes writers: install, retire, reclaim.
	mu        sync.Mutex
	byPhys    map[uint32]map[*Block]struct{}
	size      int
	count     int
	graveyard []*Block

	generation atomic.Uint64
	seq        atomic.Uint64 // bumped by every invalidation
	tick       atomic.Uint64
	slowPCs    sync.Map
	checked    atomic.Bool

	corruption atomic.Pointer[CorruptionError]

	nCompiles    atomic.Uint64
	nInvalidated atomic.Uint64
	nEvicted     atomic.Uint64
	nClears      atomic.Uint64
	nHealed      atomic.Uint64
	nCorruptions atomic.Uint64
}

// New creates a cache translating with backend. handler may be nil when
// fastmem is off; tel may be nil.
func New(cfg Config, mem Memory, backend recompiler.Backend, handler *fastmem.Handler, tel *telemetry.TelemetryClient) *Cache {
	if cfg.CodeBudget <= 0 {
		cfg.CodeBudget = DefaultCodeBudget
	}
	if tel == nil {
		tel = telemetry.NewNoOpTelemetryClient()
	}
	c := &Cache{
		cfg:     cfg,
		mem:     mem,
		an:      analyzer.New(mem, nil, cfg.MaxBlockLength),
		backend: backend,
		handler: handler,
		tel:     tel,
		byPhys:  make(map[uint32]map[*Block]struct{}),
	}
	c.table.Store(&pageMap{pages: map[uint32]*slots{}})
	return c
}

// SetStopFunc makes blocks end before every address fn accepts. Set it
// before the first compile.
func (c *Cache) SetStopFunc(fn func(addr uint32) bool) { c.an.SetStopFunc(fn) }

func (c *Cache) Backend() recompiler.Backend { return c.backend }
func (c *Cache) Generation() uint64          { return c.generation.Load() }

// Analyze runs the cache's analyzer without installing anything.
func (c *Cache) Analyze(addr uint32) *analyzer.Block { return c.an.Analyze(addr) }

// Lookup returns the installed block starting at addr. It takes no locks.
func (c *Cache) Lookup(addr uint32) *Block {
	p := c.table.Load().pages[addr>>memory.PageShift]
	if p == nil {
		return nil
	}
	return p[(addr&(memory.PageSize-1))>>2].Load()
}

// Compile returns the block at addr, translating it if needed. Concurrent
// callers for the same address share one translation. In debug mode an
// installed block is verified against guest memory before it is returned.
func (c *Cache) Compile(ctx context.Context, addr uint32) (*Block, error) {
	if b := c.Lookup(addr); b != nil {
		if err := c.Verify(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	v, err, _ := c.compiles.Do(strconv.FormatUint(uint64(addr), 16), func() (any, error) {
		return c.compile(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

func (c *Cache) compile(ctx context.Context, addr uint32) (*Block, error) {
	ctx, span := c.tel.StartSpan(ctx, "blockcache.compile", attribute.String("pc", fmt.Sprintf("%08x", addr)))
	defer span.End()

	opts := recompiler.Options{SlowAccess: c.isSlow}
	for attempt := 0; attempt < maxCompileAttempts; attempt++ {
		if b := c.Lookup(addr); b != nil {
			return b, nil
		}
		seq := c.seq.Load()
		start := time.Now()
		ab := c.an.Analyze(addr)
		code, err := c.backend.Translate(ab, opts)
		if errors.Is(err, fastmem.ErrSideTableFull) {
			// Retired buffers come back at the next Reclaim; until then
			// this block goes without fastmem.
			log.Warn(log.CacheMonitoring, "fastmem side table full, flushing cache", log.PC(addr))
			c.clear(ctx)
			opts.SlowAccess = func(uint32) bool { return true }
			code, err = c.backend.Translate(ab, opts)
		}
		if err != nil {
			c.tel.CompileFailed()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("translate %08x: %w", addr, err)
		}
		b := &Block{
			Start:    ab.Start,
			End:      ab.End,
			Phys:     memory.Physical(ab.Start),
			Analysis: ab,
			Code:     code,
			size:     code.Size(),
		}
		b.Links = newLinks(b)
		if c.cfg.Debug {
			b.checksum = c.checksum(b)
		}
		if existing, ok := c.install(b, seq); !ok {
			code.Release()
			if existing != nil {
				return existing, nil
			}
			log.Debug(log.CacheMonitoring, "compile raced an invalidation, retrying", log.PC(addr), "attempt", attempt)
			continue
		}
		c.nCompiles.Add(1)
		c.tel.BlockCompiled(time.Since(start))
		span.SetAttributes(attribute.Int("ops", b.Len()), attribute.Int("size", b.size))
		log.Trace(log.CacheMonitoring, "block installed", "block", b.String(), "backend", c.backend.Name())
		c.evict(ctx, b)
		return b, nil
	}
	c.tel.CompileFailed()
	return nil, fmt.Errorf("%w at %08x", ErrCompileContention, addr)
}

// install publishes b unless an invalidation happened since seq was read or
// another block already owns the address.
func (c *Cache) install(b *Block, seq uint64) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq.Load() != seq {
		return nil, false
	}
	s := c.slot(b.Start, true)
	if existing := s.Load(); existing != nil {
		return existing, false
	}
	b.Generation = c.generation.Load()
	b.lastRun.Store(c.tick.Add(1))
	s.Store(b)
	for _, p := range b.pages() {
		c.index(p).add(b)
	}
	c.size += b.size
	c.count++
	c.tel.CacheSize(c.count, c.size)
	return b, true
}

type blockSet map[*Block]struct{}

func (s blockSet) add(b *Block) { s[b] = struct{}{} }

// index returns the blocks touching physical page p. Callers hold mu.
func (c *Cache) index(p uint32) blockSet {
	s := c.byPhys[p]
	if s == nil {
		s = make(map[*Block]struct{})
		c.byPhys[p] = s
	}
	return s
}

// slot returns the lookup slot for addr, publishing a new page map when
// create is set and the page is missing. Callers hold mu.
func (c *Cache) slot(addr uint32, create bool) *atomic.Pointer[Block] {
	t := c.table.Load()
	page := addr >> memory.PageShift
	p := t.pages[page]
	if p == nil {
		if !create {
			return nil
		}
		next := &pageMap{pages: make(map[uint32]*slots, len(t.pages)+1)}
		for k, v := range t.pages {
			next.pages[k] = v
		}
		p = new(slots)
		next.pages[page] = p
		c.table.Store(next)
	}
	return &p[(addr&(memory.PageSize-1))>>2]
}

// SetCheckedAccess makes later translations route every memory access
// through the checked path. Installed blocks keep the code they have.
func (c *Cache) SetCheckedAccess(on bool) { c.checked.Store(on) }

func (c *Cache) isSlow(pc uint32) bool {
	if c.checked.Load() {
		return true
	}
	_, ok := c.slowPCs.Load(pc)
	return ok
}

func (c *Cache) checksum(b *Block) uint64 {
	raw, err := c.mem.ReadBytes(b.Start, int(b.span()))
	if err != nil {
		return 0
	}
	return xxhash.Sum64(raw)
}

// Run executes b and records it as most recently used.
func (c *Cache) Run(b *Block, ctx *cpu.Context, env interpreter.Env) recompiler.Exit {
	b.lastRun.Store(c.tick.Add(1))
	b.runs.Add(1)
	exit := b.Code.Execute(ctx, env)
	c.tel.BlockExit(exit.Kind.String())
	return exit
}

// Next resolves where exit leaves b to, or nil when the dispatcher has to
// look the target up itself.
func (c *Cache) Next(b *Block, exit recompiler.Exit) *Block {
	if exit.Kind != recompiler.ExitLink && exit.Kind != recompiler.ExitIdle {
		return nil
	}
	if exit.Index < 0 || exit.Index >= len(b.Links) || b.Links[exit.Index] == nil {
		return nil
	}
	return c.Follow(b.Links[exit.Index])
}

// Follow returns the live block l points at. An unbound link is resolved
// by looking its target address up and binding it to what it finds, which
// in debug mode is verified first.
func (c *Cache) Follow(l *Link) *Block {
	if t := l.resolved.Load(); t != nil && !t.retired.Load() {
		return t
	}
	next := c.Lookup(l.Target)
	if next == nil || c.Verify(next) != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if next.retired.Load() || l.from.retired.Load() {
		return nil
	}
	// Retirement unbinds under mu, so a retired block still bound here
	// escaped it.
	if cur := l.resolved.Load(); cur != nil && cur.retired.Load() {
		c.corrupt("link still bound to a retired block", cur)
	}
	l.resolved.Store(next)
	if next.inbound == nil {
		next.inbound = make(map[*Link]struct{})
	}
	next.inbound[l] = struct{}{}
	return next
}

// unbind drops every link into or out of b. Callers hold mu.
func (c *Cache) unbind(b *Block) {
	for l := range b.inbound {
		l.resolved.CompareAndSwap(b, nil)
		c.nHealed.Add(1)
		c.tel.LinkHealed()
	}
	b.inbound = nil
	for _, l := range b.Links {
		if l == nil {
			continue
		}
		if t := l.resolved.Swap(nil); t != nil {
			delete(t.inbound, l)
		}
	}
}

// Blocks lists the installed blocks in no particular order.
func (c *Cache) Blocks() []*Block {
	var out []*Block
	for _, p := range c.table.Load().pages {
		for i := range p {
			if b := p[i].Load(); b != nil {
				out = append(out, b)
			}
		}
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	blocks, size := c.count, c.size
	c.mu.Unlock()
	return Stats{
		Blocks:      blocks,
		Size:        size,
		Generation:  c.generation.Load(),
		Compiles:    c.nCompiles.Load(),
		Invalidated: c.nInvalidated.Load(),
		Evicted:     c.nEvicted.Load(),
		Clears:      c.nClears.Load(),
		Healed:      c.nHealed.Load(),
		Corruptions: c.nCorruptions.Load(),
	}
}
