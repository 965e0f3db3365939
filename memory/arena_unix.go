//go:build unix

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena reserves the whole physical address space PROT_NONE and commits only
// the RAM window. Every access outside RAM through the arena faults, which
// is what lets generated code skip bounds checks.
type Arena struct {
	mem     []byte
	ramSize uint32
}

func NewArena(ramSize uint32) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, arenaSpan+guardSize, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", arenaSpan+guardSize, err)
	}
	if err := unix.Mprotect(mem[:ramSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect ram window: %w", err)
	}
	return &Arena{mem: mem, ramSize: ramSize}, nil
}

func (a *Arena) Base() uintptr { return uintptr(unsafe.Pointer(&a.mem[0])) }

// RAM is the committed window.
func (a *Arena) RAM() []byte { return a.mem[:a.ramSize:a.ramSize] }

func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
