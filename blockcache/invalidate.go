package blockcache

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
)

// InvalidateRange retires every block covering a byte of [start, end) in
// any mirror. It returns the number of blocks retired. Their code stays
// allocated until Reclaim.
func (c *Cache) InvalidateRange(ctx context.Context, start, end uint32) int {
	if end <= start {
		return 0
	}
	n := end - start
	if n > memory.AddrMask {
		return c.clear(ctx)
	}
	_, span := c.tel.StartSpan(ctx, "blockcache.invalidate",
		attribute.String("start", fmt.Sprintf("%08x", start)), attribute.String("end", fmt.Sprintf("%08x", end)))
	defer span.End()

	phys := memory.Physical(start)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq.Add(1)

	victims := map[*Block]struct{}{}
	first := phys >> memory.PageShift
	last := memory.Physical(phys+n-1) >> memory.PageShift
	for p := first; ; p = (p + 1) & (memory.AddrMask >> memory.PageShift) {
		for b := range c.byPhys[p] {
			if b.overlaps(phys, n) {
				victims[b] = struct{}{}
			}
		}
		if p == last {
			break
		}
	}
	for b := range victims {
		c.retire(b)
	}
	if len(victims) > 0 {
		c.generation.Add(1)
		c.nInvalidated.Add(uint64(len(victims)))
		c.tel.BlocksInvalidated(len(victims))
		c.tel.CacheSize(c.count, c.size)
		log.Debug(log.CacheMonitoring, "range invalidated", log.Addr("start", start),
			log.Addr("end", end), "blocks", len(victims), "generation", c.generation.Load())
	}
	span.SetAttributes(attribute.Int("blocks", len(victims)))
	return len(victims)
}

// Clear retires every block.
func (c *Cache) Clear(ctx context.Context) int { return c.clear(ctx) }

func (c *Cache) clear(ctx context.Context) int {
	_, span := c.tel.StartSpan(ctx, "blockcache.clear")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq.Add(1)
	n := 0
	for _, p := range c.table.Load().pages {
		for i := range p {
			if b := p[i].Load(); b != nil {
				c.retire(b)
				n++
			}
		}
	}
	c.table.Store(&pageMap{pages: map[uint32]*slots{}})
	c.byPhys = make(map[uint32]map[*Block]struct{})
	c.generation.Add(1)
	c.nClears.Add(1)
	c.tel.CacheCleared()
	c.tel.CacheSize(c.count, c.size)
	span.SetAttributes(attribute.Int("blocks", n))
	log.Debug(log.CacheMonitoring, "cache cleared", "blocks", n, "generation", c.generation.Load())
	return n
}

// retire unpublishes b and queues it for Reclaim. Callers hold mu.
func (c *Cache) retire(b *Block) {
	if b.retired.Swap(true) {
		c.corrupt("block retired twice", b)
		return
	}
	if s := c.slot(b.Start, false); s != nil && !s.CompareAndSwap(b, nil) {
		c.corrupt("lookup slot held a different block", b)
	}
	for _, p := range b.pages() {
		if set := c.byPhys[p]; set != nil {
			delete(set, b)
			if len(set) == 0 {
				delete(c.byPhys, p)
			}
		}
	}
	c.unbind(b)
	c.size -= b.size
	c.count--
	c.graveyard = append(c.graveyard, b)
}

// Reclaim releases the code of retired blocks. Call it only from the
// goroutine that runs blocks, between blocks.
func (c *Cache) Reclaim() int {
	c.mu.Lock()
	dead := c.graveyard
	c.graveyard = nil
	c.mu.Unlock()
	for _, b := range dead {
		b.Code.Release()
	}
	return len(dead)
}

// evict retires least recently run blocks until the cache is back under
// three quarters of its budget. keep is never evicted.
func (c *Cache) evict(ctx context.Context, keep *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size <= c.cfg.CodeBudget {
		return
	}
	_, span := c.tel.StartSpan(ctx, "blockcache.evict")
	defer span.End()

	var all []*Block
	for _, p := range c.table.Load().pages {
		for i := range p {
			if b := p[i].Load(); b != nil && b != keep {
				all = append(all, b)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastRun.Load() < all[j].lastRun.Load() })
	target := c.cfg.CodeBudget * 3 / 4
	n := 0
	for _, b := range all {
		if c.size <= target {
			break
		}
		c.retire(b)
		n++
	}
	c.seq.Add(1)
	c.generation.Add(1)
	c.nEvicted.Add(uint64(n))
	c.tel.BlocksEvicted(n)
	c.tel.CacheSize(c.count, c.size)
	span.SetAttributes(attribute.Int("blocks", n))
	log.Debug(log.CacheMonitoring, "evicted blocks", "blocks", n, "size", c.size, "budget", c.cfg.CodeBudget)
}

// RecompileHot switches fastmem sites that fault too often to checked
// accesses by invalidating their blocks. It returns the number of sites.
func (c *Cache) RecompileHot(ctx context.Context) int {
	if c.handler == nil {
		return 0
	}
	pcs := c.handler.DrainHot()
	for _, pc := range pcs {
		c.slowPCs.Store(pc, struct{}{})
		c.InvalidateRange(ctx, pc, pc+4)
		log.Debug(log.CacheMonitoring, "hot fastmem site now checked", log.PC(pc))
	}
	return len(pcs)
}
