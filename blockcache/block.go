package blockcache

import (
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/dynarec/analyzer"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/recompiler"
)

// Block is an installed translation. Everything but the bookkeeping atomics
// is immutable; invalidation retires the whole object.
type Block struct {
	Start uint32
	End   uint32
	// Phys is the physical address of Start; all mirrors share it.
	Phys uint32

	Analysis *analyzer.Block
	Code     recompiler.Code
	// Generation is the cache generation the block was installed in.
	Generation uint64
	// Links has one entry per analysis exit, nil for indirect ones.
	Links []*Link

	checksum uint64
	size     int
	// inbound holds the links resolved to this block. Guarded by the
	// cache's mu.
	inbound map[*Link]struct{}

	lastRun atomic.Uint64
	runs    atomic.Uint64
	retired atomic.Bool
}

// Len is the number of guest instructions in the block.
func (b *Block) Len() int { return len(b.Analysis.Ops) }

// span is the number of guest bytes the block covers. A block that faulted
// on its first fetch still owns that word.
func (b *Block) span() uint32 {
	if b.End == b.Start {
		return 4
	}
	return b.End - b.Start
}

// pages lists the physical pages the block touches.
func (b *Block) pages() []uint32 {
	first := b.Phys >> memory.PageShift
	last := memory.Physical(b.Start+b.span()-1) >> memory.PageShift
	if first == last {
		return []uint32{first}
	}
	return []uint32{first, last}
}

func (b *Block) Retired() bool { return b.retired.Load() }
func (b *Block) Runs() uint64  { return b.runs.Load() }
func (b *Block) Size() int     { return b.size }

func (b *Block) String() string {
	return fmt.Sprintf("block %08x-%08x gen=%d ops=%d", b.Start, b.End, b.Generation, b.Len())
}

// overlaps reports whether the block covers any byte of the physical range
// [phys, phys+n), with mirrors folded.
func (b *Block) overlaps(phys, n uint32) bool {
	const space = memory.AddrMask + 1
	return (b.Phys-phys)%space < n || (phys-b.Phys)%space < b.span()
}

// Link is a weak reference from a static exit to the block at Target. It
// caches the resolved block until either end is retired, at which point
// the cache unbinds it and the next Follow resolves it again.
type Link struct {
	Exit   int
	Target uint32

	from     *Block
	resolved atomic.Pointer[Block]
}

func newLinks(b *Block) []*Link {
	links := make([]*Link, len(b.Analysis.Exits))
	for i, e := range b.Analysis.Exits {
		if e.Kind == analyzer.ExitStatic {
			links[i] = &Link{Exit: i, Target: e.Target, from: b}
		}
	}
	return links
}

// Cached returns the last resolution without checking it.
func (l *Link) Cached() *Block { return l.resolved.Load() }
