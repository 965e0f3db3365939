package blockcache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/colorfulnotion/dynarec/log"
)

// CorruptionError describes a violated cache invariant. It is only reported
// in debug mode; release builds log and carry on.
type CorruptionError struct {
	Reason     string
	Addr       uint32
	Generation uint64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("block cache corruption at %08x (generation %d): %s", e.Addr, e.Generation, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

func (c *Cache) corrupt(reason string, b *Block) {
	c.nCorruptions.Add(1)
	c.tel.CorruptionDetected()
	err := &CorruptionError{Reason: reason, Addr: b.Start, Generation: c.generation.Load()}
	if !c.cfg.Debug {
		log.Warn(log.CacheMonitoring, "cache inconsistency ignored", "err", err)
		return
	}
	log.Error(log.CacheMonitoring, "cache corruption", "err", err)
	c.corruption.CompareAndSwap(nil, err)
}

// Err returns the first corruption seen in debug mode.
func (c *Cache) Err() error {
	if e := c.corruption.Load(); e != nil {
		return e
	}
	return nil
}

// Verify checks that the guest bytes of b still hash to what was
// translated. Only meaningful in debug mode.
func (c *Cache) Verify(b *Block) error {
	if !c.cfg.Debug {
		return nil
	}
	raw, err := c.mem.ReadBytes(b.Start, int(b.span()))
	if err != nil {
		raw = nil
	}
	if raw != nil && xxhash.Sum64(raw) == b.checksum {
		return nil
	}
	if raw == nil && b.checksum == 0 {
		return nil
	}
	c.corrupt("guest code changed without invalidation", b)
	return c.Err()
}
